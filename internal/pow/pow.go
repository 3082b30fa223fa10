// Package pow is the reference proof-of-work function shared by the bundled
// miner and the pool's submission validator.
//
// A proof is a nonce. Its digest is blake3 over the template version, the
// commitment and the nonce, re-hashed PowLen times. A digest meets a target
// when its leading bytes, read big-endian, do not exceed the target bytes.
package pow

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/zeebo/blake3"

	"github.com/bardlex/quarry/internal/wire"
)

const (
	// NonceSize is the length of a proof.
	NonceSize = 32
	// MaxRounds caps the PowLen a template may request.
	MaxRounds = 1 << 12
)

var (
	ErrBadNonce  = errors.New("pow: nonce must be 32 bytes")
	ErrNoTargets = errors.New("pow: template has no targets")
)

// Rounds decodes PowLen as a big-endian count, at least 1 and at most MaxRounds.
func Rounds(powLen []byte) int {
	if len(powLen) == 0 {
		return 1
	}
	if len(powLen) > 8 {
		return MaxRounds
	}
	var buf [8]byte
	copy(buf[8-len(powLen):], powLen)
	n := binary.BigEndian.Uint64(buf[:])
	switch {
	case n == 0:
		return 1
	case n > MaxRounds:
		return MaxRounds
	}
	return int(n)
}

// Digest computes the proof-of-work digest of nonce against tmpl.
func Digest(tmpl wire.JobTemplate, nonce []byte) []byte {
	h := blake3.New()
	_, _ = h.Write(tmpl.Version)
	_, _ = h.Write(tmpl.Commit)
	_, _ = h.Write(nonce)
	sum := h.Sum(nil)

	for range Rounds(tmpl.PowLen) - 1 {
		next := blake3.Sum256(sum)
		sum = next[:]
	}
	return sum
}

// Meets reports whether digest satisfies target. An empty target is never met.
func Meets(digest, target []byte) bool {
	if len(target) == 0 || len(target) > len(digest) {
		return false
	}
	return bytes.Compare(digest[:len(target)], target) <= 0
}

// Classify returns the strongest target digest meets, or TargetUnknown.
func Classify(tmpl wire.JobTemplate, digest []byte) wire.Target {
	switch {
	case Meets(digest, tmpl.NetworkTarget):
		return wire.TargetNetwork
	case Meets(digest, tmpl.PoolTarget):
		return wire.TargetPool
	}
	return wire.TargetUnknown
}

// Verify recomputes the digest of sub against tmpl and checks the claimed
// target. It returns the recomputed digest.
func Verify(tmpl wire.JobTemplate, sub wire.Submission) ([]byte, error) {
	if len(tmpl.NetworkTarget) == 0 && len(tmpl.PoolTarget) == 0 {
		return nil, ErrNoTargets
	}
	if len(sub.Proof) != NonceSize {
		return nil, ErrBadNonce
	}
	digest := Digest(tmpl, sub.Proof)
	if !bytes.Equal(digest, sub.Digest) {
		return digest, errors.New("pow: digest does not match proof")
	}

	target := tmpl.PoolTarget
	if sub.Target == wire.TargetNetwork {
		target = tmpl.NetworkTarget
	}
	if !Meets(digest, target) {
		return digest, errors.New("pow: digest does not meet " + sub.Target.String() + " target")
	}
	return digest, nil
}
