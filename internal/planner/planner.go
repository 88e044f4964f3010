// Package planner turns one meal-plan request into an ordered, idempotent
// batch of recipe-generation jobs.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wecook/internal/executor"
	"wecook/internal/metrics"
	"wecook/internal/shared"
)

// PreferenceSource supplies a user's saved request defaults.
type PreferenceSource interface {
	Get(ctx context.Context, userID string) (RawRequest, bool, error)
}

// UsageRecorder persists token usage for one generator call.
type UsageRecorder interface {
	RecordMeta(ctx context.Context, meta shared.AgentMeta) error
}

// Options configures a Planner. Every field is optional.
type Options struct {
	TitleAttempts int
	JobTTL        time.Duration
	Preferences   PreferenceSource
	Plans         *PlanRepository
	Usage         UsageRecorder
	Metrics       *metrics.Collectors
	Logger        *slog.Logger
	Now           func() time.Time
}

// Planner runs the whole submission pipeline for a request.
type Planner struct {
	titles      *TitleDeduplicator
	dispatcher  *Dispatcher
	preferences PreferenceSource
	plans       *PlanRepository
	usage       UsageRecorder
	metrics     *metrics.Collectors
	logger      *slog.Logger
	jobTTL      time.Duration
	now         func() time.Time
}

// NewPlanner creates a Planner.
func NewPlanner(proposer TitleProposer, exec executor.JobExecutor, opts Options) *Planner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Planner{
		titles: &TitleDeduplicator{
			Proposer:    proposer,
			MaxAttempts: opts.TitleAttempts,
			Metrics:     opts.Metrics,
			Logger:      logger,
		},
		dispatcher: &Dispatcher{
			Executor: exec,
			Metrics:  opts.Metrics,
			Logger:   logger,
		},
		preferences: opts.Preferences,
		plans:       opts.Plans,
		usage:       opts.Usage,
		metrics:     opts.Metrics,
		logger:      logger,
		jobTTL:      opts.JobTTL,
		now:         now,
	}
}

// Submission is the result of a successful Submit.
type Submission struct {
	Handle      executor.BatchHandle
	BatchKey    string
	SubmittedAt time.Time
	Request     PlanRequest
	Jobs        []executor.JobDescriptor
}

// Submit generates and dispatches a plan stamped with the current time.
func (p *Planner) Submit(ctx context.Context, userID string, raw RawRequest) (Submission, error) {
	return p.SubmitAt(ctx, userID, raw, p.now())
}

// SubmitAt is Submit with a caller-supplied submission timestamp. Repeating a
// call with the same user, request and timestamp yields the same keys, so the
// executor treats it as the original batch.
func (p *Planner) SubmitAt(ctx context.Context, userID string, raw RawRequest, submittedAt time.Time) (Submission, error) {
	sub, err := p.submit(ctx, userID, raw, submittedAt)
	p.metrics.PlanSubmitted(resultLabel(err))
	if err != nil {
		p.logger.Warn("Meal plan submission failed", "user_id", userID, "error", err)
		return Submission{}, err
	}
	p.logger.Info("Meal plan submitted", "user_id", userID, "batch_id", sub.Handle.BatchID, "jobs", len(sub.Jobs))
	return sub, nil
}

func (p *Planner) submit(ctx context.Context, userID string, raw RawRequest, submittedAt time.Time) (Submission, error) {
	if userID == "" {
		return Submission{}, &ValidationError{Field: "user_id", Reason: "is required"}
	}

	if p.preferences != nil {
		saved, ok, err := p.preferences.Get(ctx, userID)
		if err != nil {
			return Submission{}, fmt.Errorf("failed to load saved preferences: %w", err)
		}
		if ok {
			raw = raw.WithDefaults(saved)
		}
	}

	req, err := Normalize(raw)
	if err != nil {
		return Submission{}, err
	}

	slots := AdjustAll(ExpandFrom(req, WeekdayOffset(submittedAt)), req)

	titled, err := p.titles.AssignTitles(ctx, slots, req)
	p.recordUsage(ctx, titled.Metas)
	if err != nil {
		return Submission{}, err
	}

	jobs := BuildDescriptors(userID, req, titled.Slots, submittedAt, submittedAt, p.jobTTL)
	batchKey := BatchKey(userID, submittedAt)

	handle, err := p.dispatcher.Dispatch(ctx, jobs, batchKey)
	if err != nil {
		var de *DispatchError
		if errors.As(err, &de) {
			de.SubmittedAt = submittedAt
		}
		return Submission{}, err
	}

	if p.plans != nil {
		// The batch is already with the executor; history is best effort.
		if err := p.plans.Save(ctx, StoredPlan{
			UserID:         userID,
			BatchID:        handle.BatchID,
			AccessToken:    handle.AccessToken,
			IdempotencyKey: batchKey,
			JobCount:       handle.JobCount,
			Request:        raw,
			CreatedAt:      submittedAt,
		}); err != nil {
			p.logger.Error("Failed to record meal plan history", "batch_id", handle.BatchID, "error", err)
		}
	}

	return Submission{
		Handle:      handle,
		BatchKey:    batchKey,
		SubmittedAt: submittedAt,
		Request:     req,
		Jobs:        SortDescriptors(jobs),
	}, nil
}

func (p *Planner) recordUsage(ctx context.Context, metas []shared.AgentMeta) {
	if p.usage == nil {
		return
	}
	for _, meta := range metas {
		if err := p.usage.RecordMeta(ctx, meta); err != nil {
			p.logger.Warn("Failed to record token usage", "agent", meta.AgentName, "error", err)
		}
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeAccepted
	case errors.Is(err, ErrInvalidParameters):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeError
	}
}
