// Package wire encodes the quarry protocol messages and frames them on streams.
//
// Multi-frame streams carry a big-endian uint32 length header before each
// payload. Single-shot handshake messages are the whole content of a stream
// and are read to end under a small cap.
package wire

import "bytes"

// Handshake verdicts written as the entire content of a reply stream.
const (
	VerdictAuthenticated = "authenticated"
	VerdictAccepted      = "accepted"
	VerdictRejected      = "rejected"
)

// Read caps for single-shot messages.
const (
	MaxVerdictSize    = 50
	MaxCredentialSize = 128
	MaxDeviceSize     = 1024
)

// Target identifies which difficulty threshold a submission claims to meet.
type Target uint8

const (
	// TargetUnknown is the zero value and never valid on the wire.
	TargetUnknown Target = iota
	// TargetPool is the pool-level share threshold.
	TargetPool
	// TargetNetwork is the network-level block threshold.
	TargetNetwork
)

func (t Target) String() string {
	switch t {
	case TargetPool:
		return "pool"
	case TargetNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known target class.
func (t Target) Valid() bool {
	return t == TargetPool || t == TargetNetwork
}

// DeviceDescriptor holds static facts about the worker's host.
type DeviceDescriptor struct {
	OS            string
	CPUModel      string
	RAMCapacityGB uint64
}

// JobTemplate is one opaque unit of work. The zero value is the placeholder
// template a server pushes before real work exists.
type JobTemplate struct {
	Version       []byte
	Commit        []byte
	NetworkTarget []byte
	PoolTarget    []byte
	PowLen        []byte
}

// IsPlaceholder reports whether every field is empty.
func (t JobTemplate) IsPlaceholder() bool {
	return len(t.Version) == 0 && len(t.Commit) == 0 && len(t.NetworkTarget) == 0 &&
		len(t.PoolTarget) == 0 && len(t.PowLen) == 0
}

// Equal compares templates field by field; nil and empty fields are equal.
func (t JobTemplate) Equal(o JobTemplate) bool {
	return bytes.Equal(t.Version, o.Version) &&
		bytes.Equal(t.Commit, o.Commit) &&
		bytes.Equal(t.NetworkTarget, o.NetworkTarget) &&
		bytes.Equal(t.PoolTarget, o.PoolTarget) &&
		bytes.Equal(t.PowLen, o.PowLen)
}

// Submission is one candidate solution.
type Submission struct {
	Target Target
	Commit []byte
	Digest []byte
	Proof  []byte
}

// Equal compares submissions field by field.
func (s Submission) Equal(o Submission) bool {
	return s.Target == o.Target &&
		bytes.Equal(s.Commit, o.Commit) &&
		bytes.Equal(s.Digest, o.Digest) &&
		bytes.Equal(s.Proof, o.Proof)
}

// SubmissionResponse is the server's verdict on one submission.
type SubmissionResponse struct {
	Accepted bool
	Digest   []byte
	Message  string
}
