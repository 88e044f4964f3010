package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// JobsStream holds recipe generation jobs awaiting a worker.
	JobsStream = "RECIPE_JOBS"
	// JobsSubjectPrefix is followed by the job's concurrency key.
	JobsSubjectPrefix = "recipes.generate."
	// BatchesBucket maps encoded batch keys to their stored handle.
	BatchesBucket = "MEAL_PLAN_BATCHES"
	// RunsBucket holds one RunStatus per job, keyed <batchId>.<jobId>.
	RunsBucket = "RECIPE_RUNS"

	// HeaderJobTTL carries the job's time-to-live as a Go duration string.
	HeaderJobTTL = "Wecook-Job-Ttl"
	// HeaderBatchID carries the id of the batch the job belongs to.
	HeaderBatchID = "Wecook-Batch-Id"

	// DefaultDuplicateWindow is how long the stream remembers job message ids.
	DefaultDuplicateWindow = 24 * time.Hour
)

// JobMessage is the body published for each job.
type JobMessage struct {
	JobID   string        `json:"job_id"`
	BatchID string        `json:"batch_id"`
	Job     JobDescriptor `json:"job"`
}

type batchRecord struct {
	BatchKey  string      `json:"batch_key"`
	Handle    BatchHandle `json:"handle"`
	UserID    string      `json:"user_id"`
	CreatedAt time.Time   `json:"created_at"`
}

// JetStream submits jobs to a NATS JetStream stream and tracks run status in
// a KV bucket that workers update.
type JetStream struct {
	js      jetstream.JetStream
	batches jetstream.KeyValue
	runs    jetstream.KeyValue
	tokens  TokenIssuer
	logger  *slog.Logger
	now     func() time.Time
}

// JetStreamOption configures a JetStream executor.
type JetStreamOption func(*jetStreamOptions)

type jetStreamOptions struct {
	duplicateWindow time.Duration
	logger          *slog.Logger
}

// WithDuplicateWindow sets the stream's message deduplication window.
func WithDuplicateWindow(d time.Duration) JetStreamOption {
	return func(o *jetStreamOptions) { o.duplicateWindow = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) JetStreamOption {
	return func(o *jetStreamOptions) { o.logger = l }
}

// NewJetStream ensures the stream and buckets exist and returns the executor.
func NewJetStream(ctx context.Context, nc *nats.Conn, tokens TokenIssuer, opts ...JetStreamOption) (*JetStream, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection required")
	}
	o := jetStreamOptions{
		duplicateWindow: DefaultDuplicateWindow,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        JobsStream,
		Description: "Recipe generation jobs",
		Subjects:    []string{JobsSubjectPrefix + ">"},
		Retention:   jetstream.WorkQueuePolicy,
		Duplicates:  o.duplicateWindow,
	}); err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", JobsStream, err)
	}

	batches, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BatchesBucket,
		Description: "Submitted meal plan batches by idempotency key",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update kv bucket %s: %w", BatchesBucket, err)
	}

	runs, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      RunsBucket,
		Description: "Recipe generation run status",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update kv bucket %s: %w", RunsBucket, err)
	}

	return &JetStream{
		js:      js,
		batches: batches,
		runs:    runs,
		tokens:  tokens,
		logger:  o.logger,
		now:     time.Now,
	}, nil
}

// TriggerBatch publishes every job and records the batch. A batch key that was
// already recorded returns the stored handle without publishing.
func (e *JetStream) TriggerBatch(ctx context.Context, jobs []JobDescriptor, batchKey string) (BatchHandle, error) {
	if batchKey == "" {
		return BatchHandle{}, errors.New("batch key is required")
	}
	if len(jobs) == 0 {
		return BatchHandle{}, errors.New("batch has no jobs")
	}

	recordKey := encodeKey(batchKey)
	if handle, ok, err := e.storedHandle(ctx, recordKey); err != nil {
		return BatchHandle{}, err
	} else if ok {
		e.logger.Info("Batch already submitted", "batch_id", handle.BatchID)
		return handle, nil
	}

	batchID := BatchIDFor(batchKey)
	for _, job := range jobs {
		if err := e.publishJob(ctx, batchID, job); err != nil {
			return BatchHandle{}, err
		}
	}

	userID := jobs[0].Payload.UserID
	token, err := e.tokens.IssueBatchToken(batchID, userID)
	if err != nil {
		return BatchHandle{}, fmt.Errorf("failed to issue batch token: %w", err)
	}

	record := batchRecord{
		BatchKey:  batchKey,
		Handle:    BatchHandle{BatchID: batchID, AccessToken: token, JobCount: len(jobs)},
		UserID:    userID,
		CreatedAt: e.now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return BatchHandle{}, fmt.Errorf("failed to marshal batch record: %w", err)
	}

	if _, err := e.batches.Create(ctx, recordKey, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			// Lost a race with a concurrent submission of the same batch.
			handle, ok, getErr := e.storedHandle(ctx, recordKey)
			if getErr != nil {
				return BatchHandle{}, getErr
			}
			if ok {
				return handle, nil
			}
		}
		return BatchHandle{}, fmt.Errorf("failed to record batch: %w", err)
	}

	e.logger.Info("Batch submitted", "batch_id", batchID, "user_id", userID, "jobs", len(jobs))
	return record.Handle, nil
}

func (e *JetStream) storedHandle(ctx context.Context, recordKey string) (BatchHandle, bool, error) {
	entry, err := e.batches.Get(ctx, recordKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return BatchHandle{}, false, nil
		}
		return BatchHandle{}, false, fmt.Errorf("failed to look up batch: %w", err)
	}

	var record batchRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return BatchHandle{}, false, fmt.Errorf("failed to parse batch record: %w", err)
	}
	return record.Handle, true, nil
}

func (e *JetStream) publishJob(ctx context.Context, batchID string, job JobDescriptor) error {
	jobID := JobIDFor(job.IdempotencyKey)
	body, err := json.Marshal(JobMessage{JobID: jobID, BatchID: batchID, Job: job})
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.IdempotencyKey, err)
	}

	msg := nats.NewMsg(JobsSubjectPrefix + subjectToken(job.ConcurrencyKey))
	msg.Data = body
	msg.Header.Set(HeaderBatchID, batchID)
	if job.TTL > 0 {
		msg.Header.Set(HeaderJobTTL, job.TTL.String())
	}

	ack, err := e.js.PublishMsg(ctx, msg, jetstream.WithMsgID(job.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.IdempotencyKey, err)
	}
	if ack.Duplicate {
		e.logger.Debug("Job already published", "job_id", jobID, "batch_id", batchID)
	}

	now := e.now()
	status, err := json.Marshal(RunStatus{
		JobID:          jobID,
		BatchID:        batchID,
		IdempotencyKey: job.IdempotencyKey,
		State:          StateQueued,
		CreatedAt:      now,
		QueuedAt:       &now,
		Tags:           job.Tags,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal run status: %w", err)
	}
	// A worker may already have moved the run past queued.
	if _, err := e.runs.Create(ctx, runKey(batchID, jobID), status); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("failed to seed run status for job %s: %w", jobID, err)
	}
	return nil
}

// UpdateStatus writes a run's status. Workers call this as runs progress.
func (e *JetStream) UpdateStatus(ctx context.Context, status RunStatus) error {
	if !status.State.Known() {
		return fmt.Errorf("unknown run state %q", status.State)
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal run status: %w", err)
	}
	if _, err := e.runs.Put(ctx, runKey(status.BatchID, status.JobID), data); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// List returns the current status of every run in the batch.
func (e *JetStream) List(ctx context.Context, batchID, accessToken string) ([]RunStatus, error) {
	if err := e.tokens.VerifyBatchToken(accessToken, batchID); err != nil {
		return nil, err
	}

	watcher, err := e.runs.Watch(ctx, batchID+".*", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("failed to watch runs: %w", err)
	}
	defer watcher.Stop()

	var statuses []RunStatus
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				return statuses, nil
			}
			// nil marks the end of the initial values.
			if entry == nil {
				if len(statuses) == 0 {
					return nil, ErrBatchNotFound
				}
				return statuses, nil
			}
			if st, ok := e.decode(entry); ok {
				statuses = append(statuses, st)
			}
		}
	}
}

// Subscribe streams every run's status and then each update until ctx is done.
func (e *JetStream) Subscribe(ctx context.Context, batchID, accessToken string) (<-chan RunStatus, error) {
	if err := e.tokens.VerifyBatchToken(accessToken, batchID); err != nil {
		return nil, err
	}

	watcher, err := e.runs.Watch(ctx, batchID+".*", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("failed to watch runs: %w", err)
	}

	out := make(chan RunStatus)
	go func() {
		defer close(out)
		defer watcher.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				st, ok := e.decode(entry)
				if !ok {
					continue
				}
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (e *JetStream) decode(entry jetstream.KeyValueEntry) (RunStatus, bool) {
	if entry.Operation() != jetstream.KeyValuePut {
		return RunStatus{}, false
	}
	var st RunStatus
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		e.logger.Warn("Failed to parse run status", "key", entry.Key(), "error", err)
		return RunStatus{}, false
	}
	return st, true
}
