package validation

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/bardlex/quarry/internal/pow"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/errors"
)

type templates map[string]wire.JobTemplate

func (m templates) Lookup(commit []byte) (wire.JobTemplate, bool) {
	t, ok := m[string(commit)]
	return t, ok
}

type memGuard struct {
	seen map[string]bool
	err  error
}

func (g *memGuard) Claim(_ context.Context, id string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	if g.seen[id] {
		return false, nil
	}
	g.seen[id] = true
	return true, nil
}

// solve finds a nonce meeting the pool target of tmpl.
func solve(t *testing.T, tmpl wire.JobTemplate) wire.Submission {
	t.Helper()
	nonce := make([]byte, pow.NonceSize)
	for i := 0; i < 1<<16; i++ {
		nonce[0], nonce[1] = byte(i), byte(i>>8)
		d := pow.Digest(tmpl, nonce)
		if pow.Meets(d, tmpl.PoolTarget) {
			return wire.Submission{Target: wire.TargetPool, Commit: tmpl.Commit, Digest: d, Proof: append([]byte(nil), nonce...)}
		}
	}
	t.Fatal("no solution found")
	return wire.Submission{}
}

func TestValidate(t *testing.T) {
	tmpl := wire.JobTemplate{Version: []byte{1}, Commit: []byte("c1"), PoolTarget: []byte{0x7f}}
	good := solve(t, tmpl)

	badDigest := good
	badDigest.Digest = []byte{0x00}
	networkClaim := good
	networkClaim.Target = wire.TargetNetwork
	unknownCommit := good
	unknownCommit.Commit = []byte("gone")

	tests := []struct {
		name   string
		sub    wire.Submission
		reason string
	}{
		{"valid", good, ReasonAccepted},
		{"unknown target", wire.Submission{Commit: []byte("c1"), Digest: []byte{1}, Proof: []byte{1}}, ReasonUnknownTarget},
		{"missing commit", wire.Submission{Target: wire.TargetPool, Digest: []byte{1}, Proof: []byte{1}}, ReasonMissingCommit},
		{"missing digest", wire.Submission{Target: wire.TargetPool, Commit: []byte("c1"), Proof: []byte{1}}, ReasonMissingDigest},
		{"missing proof", wire.Submission{Target: wire.TargetPool, Commit: []byte("c1"), Digest: []byte{1}}, ReasonMissingProof},
		{"stale", unknownCommit, ReasonStaleTemplate},
		{"digest mismatch", badDigest, ReasonInvalidProof},
		{"network target without network threshold", networkClaim, ReasonInvalidProof},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewSubmissionValidator(templates{"c1": tmpl}, nil)
			res, err := v.Validate(context.Background(), tt.sub)
			if got := Reason(err); got != tt.reason {
				t.Fatalf("Reason = %q, want %q (err %v)", got, tt.reason, err)
			}
			if err != nil && !errors.IsType(err, errors.ErrorTypeValidation) {
				t.Errorf("rejection is not a validation error: %v", err)
			}
			if err == nil && res.ShareID != ShareID(tt.sub) {
				t.Errorf("ShareID = %s", res.ShareID)
			}
		})
	}
}

func TestValidate_Duplicates(t *testing.T) {
	tmpl := wire.JobTemplate{Version: []byte{1}, Commit: []byte("c1"), PoolTarget: []byte{0x7f}}
	sub := solve(t, tmpl)
	v := NewSubmissionValidator(templates{"c1": tmpl}, &memGuard{seen: map[string]bool{}})

	if _, err := v.Validate(context.Background(), sub); err != nil {
		t.Fatalf("first submission rejected: %v", err)
	}
	_, err := v.Validate(context.Background(), sub)
	if Reason(err) != ReasonDuplicateShare {
		t.Errorf("resubmission: %v", err)
	}
}

func TestValidate_GuardFailureIsNotARejection(t *testing.T) {
	tmpl := wire.JobTemplate{Version: []byte{1}, Commit: []byte("c1"), PoolTarget: []byte{0x7f}}
	cause := stderrors.New("redis down")
	v := NewSubmissionValidator(templates{"c1": tmpl}, &memGuard{err: cause})

	_, err := v.Validate(context.Background(), solve(t, tmpl))
	if !stderrors.Is(err, cause) {
		t.Fatalf("err = %v", err)
	}
	if errors.IsType(err, errors.ErrorTypeValidation) {
		t.Error("infrastructure failure reported as a rejection")
	}
	if Reason(err) != "internal error" {
		t.Errorf("Reason = %q", Reason(err))
	}
}

type windowed struct {
	templates
	current string
}

func (w windowed) IsCurrent(commit []byte) bool { return string(commit) == w.current }

func TestValidate_MarksSupersededTemplates(t *testing.T) {
	old := wire.JobTemplate{Version: []byte{1}, Commit: []byte("old"), PoolTarget: []byte{0x7f}}
	v := NewSubmissionValidator(windowed{templates{"old": old}, "new"}, nil)

	res, err := v.Validate(context.Background(), solve(t, old))
	if err != nil {
		t.Fatal(err)
	}
	if res.Current {
		t.Error("submission against a superseded template marked current")
	}
}

func TestShareID_IgnoresClaimedTarget(t *testing.T) {
	a := wire.Submission{Target: wire.TargetPool, Commit: []byte("c"), Proof: []byte{1, 2}}
	b := a
	b.Target = wire.TargetNetwork
	if ShareID(a) != ShareID(b) {
		t.Error("share ID depends on the claimed target")
	}
	b.Proof = []byte{1, 3}
	if ShareID(a) == ShareID(b) {
		t.Error("different proofs share an ID")
	}
}
