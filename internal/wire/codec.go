package wire

import (
	"bytes"
	stderrors "errors"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bardlex/quarry/pkg/errors"
)

// Decoding sentinels. Returned errors wrap them in a framing ServiceError.
var (
	ErrEmptyPayload = stderrors.New("empty payload not permitted for message type")
	ErrMalformed    = stderrors.New("malformed payload")
	ErrBadTarget    = stderrors.New("invalid submission target")
)

// Field numbers. Unknown fields are skipped on decode.
const (
	fieldVersion       protowire.Number = 1
	fieldCommit        protowire.Number = 2
	fieldNetworkTarget protowire.Number = 3
	fieldPoolTarget    protowire.Number = 4
	fieldPowLen        protowire.Number = 5

	fieldSubTarget protowire.Number = 1
	fieldSubCommit protowire.Number = 2
	fieldSubDigest protowire.Number = 3
	fieldSubProof  protowire.Number = 4

	fieldRespAccepted protowire.Number = 1
	fieldRespDigest   protowire.Number = 2
	fieldRespMessage  protowire.Number = 3

	fieldDevOS  protowire.Number = 1
	fieldDevCPU protowire.Number = 2
	fieldDevRAM protowire.Number = 3
)

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendTo appends the encoding of t to b.
func (t JobTemplate) AppendTo(b []byte) []byte {
	b = appendBytesField(b, fieldVersion, t.Version)
	b = appendBytesField(b, fieldCommit, t.Commit)
	b = appendBytesField(b, fieldNetworkTarget, t.NetworkTarget)
	b = appendBytesField(b, fieldPoolTarget, t.PoolTarget)
	return appendBytesField(b, fieldPowLen, t.PowLen)
}

// AppendTo appends the encoding of s to b. The target is always written.
func (s Submission) AppendTo(b []byte) []byte {
	b = appendVarintField(b, fieldSubTarget, uint64(s.Target))
	b = appendBytesField(b, fieldSubCommit, s.Commit)
	b = appendBytesField(b, fieldSubDigest, s.Digest)
	return appendBytesField(b, fieldSubProof, s.Proof)
}

// AppendTo appends the encoding of r to b. The verdict is always written.
func (r SubmissionResponse) AppendTo(b []byte) []byte {
	b = appendVarintField(b, fieldRespAccepted, protowire.EncodeBool(r.Accepted))
	b = appendBytesField(b, fieldRespDigest, r.Digest)
	return appendStringField(b, fieldRespMessage, r.Message)
}

// AppendTo appends the encoding of d to b. RAM capacity is always written.
func (d DeviceDescriptor) AppendTo(b []byte) []byte {
	b = appendStringField(b, fieldDevOS, d.OS)
	b = appendStringField(b, fieldDevCPU, d.CPUModel)
	return appendVarintField(b, fieldDevRAM, d.RAMCapacityGB)
}

// Marshal returns the encoding of d.
func (d DeviceDescriptor) Marshal() []byte { return d.AppendTo(nil) }

// field is one decoded key/value.
type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

// walk calls fn for every known-typed field in b and skips groups and fixed
// width fields.
func walk(op string, b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(op, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return malformed(op, protowire.ParseError(m))
			}
			f.varint, n = v, m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return malformed(op, protowire.ParseError(m))
			}
			f.bytes, n = bytes.Clone(v), m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return malformed(op, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func malformed(op string, cause error) error {
	return errors.Wrap(stderrors.Join(ErrMalformed, cause), errors.ErrorTypeFraming, op, "malformed payload")
}

func emptyPayload(op string) error {
	return errors.Wrap(ErrEmptyPayload, errors.ErrorTypeFraming, op, "empty payload")
}

// UnmarshalJobTemplate decodes a template. An empty payload is the placeholder.
func UnmarshalJobTemplate(b []byte) (JobTemplate, error) {
	var t JobTemplate
	err := walk("decode_template", b, func(f field) error {
		switch f.num {
		case fieldVersion:
			t.Version = f.bytes
		case fieldCommit:
			t.Commit = f.bytes
		case fieldNetworkTarget:
			t.NetworkTarget = f.bytes
		case fieldPoolTarget:
			t.PoolTarget = f.bytes
		case fieldPowLen:
			t.PowLen = f.bytes
		}
		return nil
	})
	return t, err
}

// UnmarshalSubmission decodes a submission. A missing or unknown target is rejected.
func UnmarshalSubmission(b []byte) (Submission, error) {
	const op = "decode_submission"
	if len(b) == 0 {
		return Submission{}, emptyPayload(op)
	}

	var s Submission
	err := walk(op, b, func(f field) error {
		switch f.num {
		case fieldSubTarget:
			s.Target = TargetUnknown
			if f.varint <= uint64(TargetNetwork) {
				s.Target = Target(f.varint)
			}
		case fieldSubCommit:
			s.Commit = f.bytes
		case fieldSubDigest:
			s.Digest = f.bytes
		case fieldSubProof:
			s.Proof = f.bytes
		}
		return nil
	})
	if err != nil {
		return Submission{}, err
	}
	if !s.Target.Valid() {
		return Submission{}, errors.Wrap(ErrBadTarget, errors.ErrorTypeFraming, op, "invalid target").
			WithContext("target", uint64(s.Target))
	}
	return s, nil
}

// UnmarshalSubmissionResponse decodes a response. The verdict field is required.
func UnmarshalSubmissionResponse(b []byte) (SubmissionResponse, error) {
	const op = "decode_response"
	if len(b) == 0 {
		return SubmissionResponse{}, emptyPayload(op)
	}

	var (
		r       SubmissionResponse
		verdict bool
	)
	err := walk(op, b, func(f field) error {
		switch f.num {
		case fieldRespAccepted:
			r.Accepted = protowire.DecodeBool(f.varint)
			verdict = true
		case fieldRespDigest:
			r.Digest = f.bytes
		case fieldRespMessage:
			r.Message = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return SubmissionResponse{}, err
	}
	if !verdict {
		return SubmissionResponse{}, malformed(op, stderrors.New("missing verdict"))
	}
	return r, nil
}

// UnmarshalDeviceDescriptor decodes a device descriptor.
func UnmarshalDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	const op = "decode_device"
	if len(b) == 0 {
		return DeviceDescriptor{}, emptyPayload(op)
	}

	var d DeviceDescriptor
	err := walk(op, b, func(f field) error {
		switch f.num {
		case fieldDevOS:
			d.OS = string(f.bytes)
		case fieldDevCPU:
			d.CPUModel = string(f.bytes)
		case fieldDevRAM:
			d.RAMCapacityGB = f.varint
		}
		return nil
	})
	if err != nil {
		return DeviceDescriptor{}, err
	}
	return d, nil
}
