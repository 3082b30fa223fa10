package miner

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/bardlex/quarry/internal/watch"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/log"
)

// TemplateSink publishes received templates into a cell.
type TemplateSink struct {
	cell *watch.Cell[wire.JobTemplate]
}

// NewTemplateSink returns a sink feeding cell.
func NewTemplateSink(cell *watch.Cell[wire.JobTemplate]) *TemplateSink {
	return &TemplateSink{cell: cell}
}

// Accept replaces the current template.
func (s *TemplateSink) Accept(_ context.Context, tmpl wire.JobTemplate) error {
	s.cell.Send(tmpl)
	return nil
}

// SubmissionSource yields each new solution published to a cell. Solutions
// published faster than they are taken collapse to the newest, and a
// solution whose commitment is no longer the current template's is dropped
// when it is taken.
type SubmissionSource struct {
	recv      *watch.Receiver[wire.Submission]
	templates *watch.Cell[wire.JobTemplate]
	stale     atomic.Uint64
	logger    *log.Logger
}

// NewSubmissionSource subscribes to submissions. The value already in the
// cell is treated as seen. templates is the cell the session's TemplateSink
// feeds.
func NewSubmissionSource(submissions *watch.Cell[wire.Submission], templates *watch.Cell[wire.JobTemplate], logger *log.Logger) *SubmissionSource {
	return &SubmissionSource{
		recv:      submissions.Subscribe(),
		templates: templates,
		logger:    logger.WithComponent("submissions"),
	}
}

// Next blocks until a solution for the current template is published.
func (s *SubmissionSource) Next(ctx context.Context) (wire.Submission, error) {
	for {
		sub, err := s.recv.Changed(ctx)
		if err != nil {
			return wire.Submission{}, err
		}
		current, _ := s.templates.Borrow()
		if bytes.Equal(sub.Commit, current.Commit) {
			return sub, nil
		}
		n := s.stale.Add(1)
		s.logger.Debug("dropping solution for superseded template",
			"commit", base58.Encode(sub.Commit), "stale_total", n)
	}
}

// Stale returns how many solutions were dropped because a newer template
// arrived before they were taken.
func (s *SubmissionSource) Stale() uint64 {
	return s.stale.Load()
}

// ResponseLogger logs every verdict and keeps totals.
type ResponseLogger struct {
	logger   *log.Logger
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewResponseLogger creates a ResponseLogger.
func NewResponseLogger(logger *log.Logger) *ResponseLogger {
	return &ResponseLogger{logger: logger.WithComponent("submissions")}
}

// Handle records resp.
func (h *ResponseLogger) Handle(_ context.Context, resp wire.SubmissionResponse) error {
	digest := base58.Encode(resp.Digest)
	if resp.Accepted {
		n := h.accepted.Add(1)
		h.logger.Info("submission accepted", "digest", digest, "message", resp.Message, "accepted_total", n)
		return nil
	}
	n := h.rejected.Add(1)
	h.logger.Warn("submission rejected", "digest", digest, "message", resp.Message, "rejected_total", n)
	return nil
}

// Totals returns the accepted and rejected counts.
func (h *ResponseLogger) Totals() (accepted, rejected uint64) {
	return h.accepted.Load(), h.rejected.Load()
}
