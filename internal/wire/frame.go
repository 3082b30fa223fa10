package wire

import (
	"encoding/binary"
	stderrors "errors"
	"io"

	"github.com/bardlex/quarry/pkg/errors"
)

const headerSize = 4

// MaxFrameSize bounds a single length-prefixed payload.
const MaxFrameSize = 4 << 20

// Framing sentinels.
var (
	// ErrEndOfStream reports a clean end of stream on a frame boundary.
	ErrEndOfStream  = stderrors.New("end of stream")
	ErrTruncated    = stderrors.New("truncated frame")
	ErrFrameTooLong = stderrors.New("frame exceeds size limit")
	ErrTooLong      = stderrors.New("message exceeds size limit")
)

// Appender is implemented by every wire message.
type Appender interface {
	AppendTo(b []byte) []byte
}

// WriteFrame writes the length header and payload of m in one write.
func WriteFrame(w io.Writer, m Appender) error {
	buf := getBuffer()
	defer putBuffer(buf)

	b := append((*buf)[:0], 0, 0, 0, 0)
	b = m.AppendTo(b)
	size := len(b) - headerSize
	if size > MaxFrameSize {
		return errors.Wrap(ErrFrameTooLong, errors.ErrorTypeFraming, "write_frame", "payload too large").
			WithContext("size", size)
	}
	binary.BigEndian.PutUint32(b, uint32(size))
	*buf = b

	if _, err := w.Write(b); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "write_frame", "write failed")
	}
	return nil
}

// ReadFrame reads one length-prefixed payload. It returns ErrEndOfStream
// when the stream ends cleanly before a header, and a framing error when it
// ends anywhere inside a frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		switch {
		case stderrors.Is(err, io.EOF):
			return nil, ErrEndOfStream
		case stderrors.Is(err, io.ErrUnexpectedEOF):
			return nil, errors.Wrap(ErrTruncated, errors.ErrorTypeFraming, "read_frame", "stream ended inside header")
		default:
			return nil, errors.Wrap(err, errors.ErrorTypeTransport, "read_frame", "read header")
		}
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, errors.Wrap(ErrFrameTooLong, errors.ErrorTypeFraming, "read_frame", "declared length too large").
			WithContext("size", size)
	}
	if size == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrap(ErrTruncated, errors.ErrorTypeFraming, "read_frame", "stream ended inside payload").
				WithContext("size", size)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "read_frame", "read payload")
	}
	return payload, nil
}

// ReadJobTemplate reads one framed template.
func ReadJobTemplate(r io.Reader) (JobTemplate, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return JobTemplate{}, err
	}
	return UnmarshalJobTemplate(b)
}

// ReadSubmission reads one framed submission.
func ReadSubmission(r io.Reader) (Submission, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return Submission{}, err
	}
	return UnmarshalSubmission(b)
}

// ReadSubmissionResponse reads one framed response.
func ReadSubmissionResponse(r io.Reader) (SubmissionResponse, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return SubmissionResponse{}, err
	}
	return UnmarshalSubmissionResponse(b)
}

// ReadBounded reads r to end and fails if it holds more than limit bytes.
func ReadBounded(r io.Reader, limit int) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "read_to_end", "read failed")
	}
	if len(b) > limit {
		return nil, errors.Wrap(ErrTooLong, errors.ErrorTypeFraming, "read_to_end", "message too long").
			WithContext("limit", limit)
	}
	return b, nil
}
