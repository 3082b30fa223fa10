package validation

import (
	"context"

	"github.com/bardlex/quarry/internal/wire"
)

// Rejection reasons reported back to the miner in SubmissionResponse.Message.
const (
	ReasonAccepted       = "accepted"
	ReasonUnknownTarget  = "unknown target"
	ReasonMissingCommit  = "missing commitment"
	ReasonMissingDigest  = "missing digest"
	ReasonMissingProof   = "missing proof"
	ReasonStaleTemplate  = "stale template"
	ReasonInvalidProof   = "invalid proof"
	ReasonDuplicateShare = "duplicate submission"
)

// TemplateLookup resolves a commitment to one of the recently issued templates.
type TemplateLookup interface {
	Lookup(commit []byte) (wire.JobTemplate, bool)
}

// DuplicateGuard records share IDs. Claim returns false when id was already
// claimed.
type DuplicateGuard interface {
	Claim(ctx context.Context, id string) (bool, error)
}

// Result describes a submission that passed validation.
type Result struct {
	ShareID string
	Digest  []byte
	Target  wire.Target
	// Current is false when the submission was computed against a template
	// that has since been superseded but is still inside the window.
	Current bool
}
