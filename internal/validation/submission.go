// Package validation judges miner submissions against the templates the pool
// recently issued. Every rejection is a validation-typed ServiceError whose
// message is the reason sent back to the miner.
package validation

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/quarry/internal/pow"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/errors"
)

// SubmissionValidator handles validation of submissions.
type SubmissionValidator struct {
	templates TemplateLookup
	current   func(commit []byte) bool
	dupes     DuplicateGuard
}

// NewSubmissionValidator creates a validator. dupes may be nil, in which
// case duplicates are not detected.
func NewSubmissionValidator(templates TemplateLookup, dupes DuplicateGuard) *SubmissionValidator {
	v := &SubmissionValidator{templates: templates, dupes: dupes}
	if c, ok := templates.(interface{ IsCurrent([]byte) bool }); ok {
		v.current = c.IsCurrent
	}
	return v
}

// Validate performs the full validation of sub. Checks run cheapest first;
// the duplicate guard is only consulted for proofs that verify.
func (v *SubmissionValidator) Validate(ctx context.Context, sub wire.Submission) (Result, error) {
	if err := validateFields(sub); err != nil {
		return Result{}, err
	}

	tmpl, ok := v.templates.Lookup(sub.Commit)
	if !ok {
		return Result{}, reject(ReasonStaleTemplate)
	}

	digest, err := pow.Verify(tmpl, sub)
	if err != nil {
		return Result{}, errors.Wrap(err, errors.ErrorTypeValidation, "validate", ReasonInvalidProof)
	}

	res := Result{
		ShareID: ShareID(sub),
		Digest:  digest,
		Target:  sub.Target,
		Current: v.current == nil || v.current(sub.Commit),
	}

	if v.dupes != nil {
		fresh, err := v.dupes.Claim(ctx, res.ShareID)
		if err != nil {
			return Result{}, errors.Wrap(err, errors.ErrorTypeCollaborator, "validate", "duplicate check failed")
		}
		if !fresh {
			return Result{}, reject(ReasonDuplicateShare).WithContext("share_id", res.ShareID)
		}
	}
	return res, nil
}

func validateFields(sub wire.Submission) error {
	switch {
	case !sub.Target.Valid():
		return reject(ReasonUnknownTarget)
	case len(sub.Commit) == 0:
		return reject(ReasonMissingCommit)
	case len(sub.Digest) == 0:
		return reject(ReasonMissingDigest)
	case len(sub.Proof) == 0:
		return reject(ReasonMissingProof)
	}
	return nil
}

func reject(reason string) *errors.ServiceError {
	return errors.New(errors.ErrorTypeValidation, "validate", reason)
}

// ShareID identifies a submission by the double-SHA256 of its commitment and
// proof, so the same nonce resubmitted under another claimed target is still
// a duplicate.
func ShareID(sub wire.Submission) string {
	buf := make([]byte, 0, len(sub.Commit)+len(sub.Proof))
	buf = append(buf, sub.Commit...)
	buf = append(buf, sub.Proof...)
	return chainhash.DoubleHashH(buf).String()
}

// Reason extracts the miner-facing reason from a validation error. Any other
// error maps to a generic message.
func Reason(err error) string {
	if err == nil {
		return ReasonAccepted
	}
	var se *errors.ServiceError
	for e := err; e != nil; {
		if s, ok := e.(*errors.ServiceError); ok && s.Type == errors.ErrorTypeValidation {
			se = s
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if se == nil {
		return "internal error"
	}
	return se.Message
}
