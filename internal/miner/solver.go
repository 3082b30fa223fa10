package miner

import (
	"context"
	"crypto/rand"
	"errors"

	"github.com/bardlex/quarry/internal/pow"
	"github.com/bardlex/quarry/internal/wire"
)

// ErrMiss means an attempt finished without hitting any target.
var ErrMiss = errors.New("miner: attempt missed all targets")

// Solver performs one bounded mining attempt against a template. It must
// return promptly once ctx is cancelled.
type Solver interface {
	Solve(ctx context.Context, tmpl wire.JobTemplate) (wire.Submission, error)
}

// SolverFunc adapts a function to Solver.
type SolverFunc func(ctx context.Context, tmpl wire.JobTemplate) (wire.Submission, error)

// Solve calls f.
func (f SolverFunc) Solve(ctx context.Context, tmpl wire.JobTemplate) (wire.Submission, error) {
	return f(ctx, tmpl)
}

// HashSolver searches random nonces with the reference pow function.
type HashSolver struct {
	// Batch is the number of nonces tried per attempt.
	Batch int
}

const defaultBatch = 4096

// Solve tries up to Batch random nonces and returns the first that meets a
// target, classified by the strongest target it meets.
func (s HashSolver) Solve(ctx context.Context, tmpl wire.JobTemplate) (wire.Submission, error) {
	batch := s.Batch
	if batch <= 0 {
		batch = defaultBatch
	}

	nonce := make([]byte, pow.NonceSize)
	for i := range batch {
		if i%64 == 0 && ctx.Err() != nil {
			return wire.Submission{}, ctx.Err()
		}
		if _, err := rand.Read(nonce); err != nil {
			return wire.Submission{}, err
		}

		digest := pow.Digest(tmpl, nonce)
		if target := pow.Classify(tmpl, digest); target != wire.TargetUnknown {
			return wire.Submission{
				Target: target,
				Commit: tmpl.Commit,
				Digest: digest,
				Proof:  append([]byte(nil), nonce...),
			}, nil
		}
	}
	return wire.Submission{}, ErrMiss
}
