package accounts

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/bardlex/quarry/internal/database/postgres"
	"github.com/bardlex/quarry/internal/messaging"
	"github.com/bardlex/quarry/internal/protocol"
	"github.com/bardlex/quarry/internal/validation"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/errors"
	"github.com/bardlex/quarry/pkg/log"
)

// Response messages beyond the validation reasons.
const (
	MessageRateLimited = "rate limited"
	MessageSuperseded  = "accepted (superseded template)"
)

// RateLimit bounds submissions per account. A zero Limit disables it.
type RateLimit struct {
	Limit  int64
	Window time.Duration
}

// SubmissionSink validates, records and publishes submissions.
type SubmissionSink struct {
	validator Validator
	store     SubmissionStore
	limiter   RateLimiter
	rate      RateLimit
	events    Publisher
	logger    *log.Logger
	now       func() time.Time
}

// SinkOptions carries the optional collaborators of a SubmissionSink.
type SinkOptions struct {
	Limiter RateLimiter
	Rate    RateLimit
	Events  Publisher
}

// NewSubmissionSink creates a SubmissionSink.
func NewSubmissionSink(validator Validator, store SubmissionStore, opts SinkOptions, logger *log.Logger) *SubmissionSink {
	return &SubmissionSink{
		validator: validator,
		store:     store,
		limiter:   opts.Limiter,
		rate:      opts.Rate,
		events:    opts.Events,
		logger:    logger.WithComponent("submissions"),
		now:       time.Now,
	}
}

// Process implements protocol.SubmissionSink. A returned error means the
// submission could not be judged; a rejection is a response, not an error.
func (s *SubmissionSink) Process(ctx context.Context, sub wire.Submission, account protocol.Account) (wire.SubmissionResponse, error) {
	logger := s.logger.WithFields("account_id", account.ID.String(), "digest", base58.Encode(sub.Digest))
	resp := wire.SubmissionResponse{Digest: sub.Digest}

	if !s.allow(ctx, account, logger) {
		resp.Message = MessageRateLimited
		return resp, nil
	}

	res, err := s.validator.Validate(ctx, sub)
	switch {
	case err == nil:
		resp.Accepted = true
		resp.Message = validation.ReasonAccepted
		if !res.Current {
			resp.Message = MessageSuperseded
		}
	case errors.IsType(err, errors.ErrorTypeValidation):
		resp.Message = validation.Reason(err)
	default:
		return wire.SubmissionResponse{}, errors.Wrap(err, errors.ErrorTypeCollaborator, "process_submission", "validation unavailable")
	}

	shareID := res.ShareID
	if shareID == "" {
		shareID = validation.ShareID(sub)
	}
	record := &postgres.Submission{
		ShareID:     shareID,
		AccountID:   account.ID,
		Target:      sub.Target.String(),
		Commit:      sub.Commit,
		Digest:      sub.Digest,
		Accepted:    resp.Accepted,
		Reason:      resp.Message,
		SubmittedAt: s.now().UTC(),
	}
	if err := s.store.RecordSubmission(ctx, record); err != nil {
		if resp.Accepted {
			return wire.SubmissionResponse{}, errors.Wrap(err, errors.ErrorTypeCollaborator, "process_submission", "accepted share not recorded").
				WithContext("share_id", shareID)
		}
		logger.WithError(err).Warn("rejected submission not recorded")
	}

	if resp.Accepted {
		s.publish(ctx, logger, account, sub, record)
		if sub.Target == wire.TargetNetwork {
			logger.Info("network solution found", "share_id", shareID, "commit", base58.Encode(sub.Commit))
		}
	}
	return resp, nil
}

func (s *SubmissionSink) allow(ctx context.Context, account protocol.Account, logger *log.Logger) bool {
	if s.limiter == nil || s.rate.Limit <= 0 {
		return true
	}
	ok, err := s.limiter.Allow(ctx, account.ID.String(), s.rate.Limit, s.rate.Window)
	if err != nil {
		logger.WithError(err).Warn("rate limiter unavailable, allowing submission")
		return true
	}
	return ok
}

func (s *SubmissionSink) publish(ctx context.Context, logger *log.Logger, account protocol.Account, sub wire.Submission, record *postgres.Submission) {
	if s.events == nil {
		return
	}
	msg := messaging.SubmissionMessage{
		ShareID:     record.ShareID,
		AccountID:   account.ID.String(),
		Target:      record.Target,
		Commit:      base58.Encode(sub.Commit),
		Digest:      base58.Encode(sub.Digest),
		ProofSize:   len(sub.Proof),
		Accepted:    true,
		Reason:      record.Reason,
		SubmittedAt: record.SubmittedAt,
	}
	if err := s.events.PublishJSON(ctx, messaging.TopicSubmissions, msg.ShareID, msg); err != nil {
		logger.WithError(err).Warn("submission not published", "share_id", record.ShareID)
	}
}
