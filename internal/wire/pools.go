package wire

import "sync"

const pooledBufferCap = 4096

// bufferPool reuses encode buffers for frame writes.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, pooledBufferCap)
		return &b
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// putBuffer drops buffers that grew for a large proof so the pool stays small.
func putBuffer(b *[]byte) {
	if b == nil || cap(*b) > 16*pooledBufferCap {
		return
	}
	*b = (*b)[:0]
	bufferPool.Put(b)
}
