package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process JobExecutor and StatusFeed. Nothing runs the jobs;
// callers drive run state with SetStatus.
type Memory struct {
	tokens TokenIssuer
	now    func() time.Time

	mu      sync.Mutex
	batches map[string]*memoryBatch // by batch key
	byID    map[string]*memoryBatch
	jobKeys map[string]struct{}
	enqueue int
}

type memoryBatch struct {
	handle  BatchHandle
	jobs    []JobDescriptor
	order   []string
	runs    map[string]*memoryRun
	version uint64
	notify  []chan struct{}
}

type memoryRun struct {
	status  RunStatus
	version uint64
}

// NewMemory creates an empty in-memory executor.
func NewMemory(tokens TokenIssuer) *Memory {
	return &Memory{
		tokens:  tokens,
		now:     time.Now,
		batches: make(map[string]*memoryBatch),
		byID:    make(map[string]*memoryBatch),
		jobKeys: make(map[string]struct{}),
	}
}

// TriggerBatch records the batch and seeds a queued run per new job.
func (m *Memory) TriggerBatch(ctx context.Context, jobs []JobDescriptor, batchKey string) (BatchHandle, error) {
	if err := ctx.Err(); err != nil {
		return BatchHandle{}, err
	}
	if batchKey == "" {
		return BatchHandle{}, errors.New("batch key is required")
	}
	if len(jobs) == 0 {
		return BatchHandle{}, errors.New("batch has no jobs")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.batches[batchKey]; ok {
		return b.handle, nil
	}

	batchID := BatchIDFor(batchKey)
	token, err := m.tokens.IssueBatchToken(batchID, jobs[0].Payload.UserID)
	if err != nil {
		return BatchHandle{}, fmt.Errorf("failed to issue batch token: %w", err)
	}

	b := &memoryBatch{
		handle: BatchHandle{BatchID: batchID, AccessToken: token, JobCount: len(jobs)},
		jobs:   append([]JobDescriptor(nil), jobs...),
		runs:   make(map[string]*memoryRun, len(jobs)),
	}
	now := m.now()
	for _, job := range jobs {
		jobID := JobIDFor(job.IdempotencyKey)
		if _, dup := b.runs[jobID]; dup {
			continue
		}
		b.order = append(b.order, jobID)
		b.runs[jobID] = &memoryRun{status: RunStatus{
			JobID:          jobID,
			BatchID:        batchID,
			IdempotencyKey: job.IdempotencyKey,
			State:          StateQueued,
			CreatedAt:      now,
			QueuedAt:       &now,
			Tags:           job.Tags,
		}}
		if _, seen := m.jobKeys[job.IdempotencyKey]; !seen {
			m.jobKeys[job.IdempotencyKey] = struct{}{}
			m.enqueue++
		}
	}

	m.batches[batchKey] = b
	m.byID[batchID] = b
	return b.handle, nil
}

// Enqueued returns how many distinct jobs have been accepted so far.
func (m *Memory) Enqueued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueue
}

// Jobs returns the descriptors submitted with a batch, in submission order.
func (m *Memory) Jobs(batchID string) []JobDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.byID[batchID]
	if !ok {
		return nil
	}
	return append([]JobDescriptor(nil), b.jobs...)
}

// JobIDs returns the run ids of a batch in submission order.
func (m *Memory) JobIDs(batchID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.byID[batchID]
	if !ok {
		return nil
	}
	return append([]string(nil), b.order...)
}

// SetStatus moves a run to state. output and errMsg are recorded as given.
func (m *Memory) SetStatus(batchID, jobID string, state State, output, errMsg string) error {
	if !state.Known() {
		return fmt.Errorf("unknown run state %q", state)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byID[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	run, ok := b.runs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found in batch %s", jobID, batchID)
	}

	now := m.now()
	run.status.State = state
	run.status.Output = output
	run.status.Error = errMsg
	switch {
	case state == StateExecuting && run.status.StartedAt == nil:
		run.status.StartedAt = &now
	case state.Terminal():
		run.status.FinishedAt = &now
	}

	b.version++
	run.version = b.version
	for _, ch := range b.notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// List returns the current status of every run in the batch.
func (m *Memory) List(ctx context.Context, batchID, accessToken string) ([]RunStatus, error) {
	if err := m.tokens.VerifyBatchToken(accessToken, batchID); err != nil {
		return nil, err
	}
	statuses, _, err := m.changedSince(batchID, nil)
	return statuses, err
}

// Subscribe streams every run's status, then each change until ctx is done.
// Rapid changes to the same run may be coalesced into its latest status.
func (m *Memory) Subscribe(ctx context.Context, batchID, accessToken string) (<-chan RunStatus, error) {
	if err := m.tokens.VerifyBatchToken(accessToken, batchID); err != nil {
		return nil, err
	}

	notify := make(chan struct{}, 1)
	m.mu.Lock()
	b, ok := m.byID[batchID]
	if ok {
		b.notify = append(b.notify, notify)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrBatchNotFound
	}

	out := make(chan RunStatus)
	go func() {
		defer close(out)
		defer m.unsubscribe(batchID, notify)

		seen := make(map[string]uint64)
		for {
			statuses, versions, err := m.changedSince(batchID, seen)
			if err != nil {
				return
			}
			for i, st := range statuses {
				select {
				case out <- st:
					seen[st.JobID] = versions[i]
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// changedSince returns runs whose version is newer than seen. A nil seen
// returns every run.
func (m *Memory) changedSince(batchID string, seen map[string]uint64) ([]RunStatus, []uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byID[batchID]
	if !ok {
		return nil, nil, ErrBatchNotFound
	}

	var statuses []RunStatus
	var versions []uint64
	for _, id := range b.order {
		run := b.runs[id]
		if v, ok := seen[id]; ok && v >= run.version {
			continue
		}
		statuses = append(statuses, run.status)
		versions = append(versions, run.version)
	}
	return statuses, versions, nil
}

func (m *Memory) unsubscribe(batchID string, notify chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byID[batchID]
	if !ok {
		return
	}
	for i, ch := range b.notify {
		if ch == notify {
			b.notify = append(b.notify[:i], b.notify[i+1:]...)
			return
		}
	}
}
