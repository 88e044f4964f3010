// Package executor defines the contract with the long-running task executor
// that generates recipes, plus the adapters that implement it.
package executor

import (
	"context"
	"errors"
	"time"
)

// ErrBatchNotFound is returned by a StatusFeed for an unknown batch id.
var ErrBatchNotFound = errors.New("batch not found")

// JobDescriptor is one recipe-generation job ready for submission.
type JobDescriptor struct {
	Payload        JobPayload    `json:"payload"`
	IdempotencyKey string        `json:"idempotency_key"`
	ConcurrencyKey string        `json:"concurrency_key"`
	TTL            time.Duration `json:"ttl"`
	Tags           []string      `json:"tags"`
}

// JobPayload carries every parameter the recipe generator needs for one slot.
type JobPayload struct {
	UserID      string `json:"user_id"`
	Date        string `json:"date"`
	DayIndex    int    `json:"day_index"`
	MealIndex   int    `json:"meal_index"`
	Meal        string `json:"meal"`
	IsWeekend   bool   `json:"is_weekend"`
	Title       string `json:"title"`
	Diet        string `json:"diet"`
	Allergies   string `json:"allergies,omitempty"`
	CookingTime string `json:"cooking_time"`
	SkillLevel  string `json:"skill_level"`
	Servings    int    `json:"servings"`
	Cuisine     string `json:"cuisine"`
	Spice       string `json:"spice"`
	Budget      string `json:"budget"`
	Notes       string `json:"notes,omitempty"`
}

// BatchHandle identifies a submitted batch and grants read access to its status.
type BatchHandle struct {
	BatchID     string `json:"batch_id"`
	AccessToken string `json:"access_token"`
	JobCount    int    `json:"job_count"`
}

// State is the lifecycle state of a single run.
type State string

const (
	StateQueued           State = "queued"
	StateExecuting        State = "executing"
	StateReattempting     State = "reattempting"
	StateWaitingForDeploy State = "waiting-for-deploy"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCrashed          State = "crashed"
	StateInterrupted      State = "interrupted"
	StateSystemFailure    State = "system-failure"
)

// Known reports whether s belongs to the closed set of run states.
func (s State) Known() bool {
	switch s {
	case StateQueued, StateExecuting, StateReattempting, StateWaitingForDeploy,
		StateCompleted, StateFailed, StateCrashed, StateInterrupted, StateSystemFailure:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCrashed, StateInterrupted, StateSystemFailure:
		return true
	}
	return false
}

// RunStatus is the executor's view of one job.
type RunStatus struct {
	JobID          string     `json:"job_id"`
	BatchID        string     `json:"batch_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	QueuedAt       *time.Time `json:"queued_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	Output         string     `json:"output,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
}

// JobExecutor accepts batches of jobs. A repeated batch key must return the
// original handle without enqueuing anything new.
type JobExecutor interface {
	TriggerBatch(ctx context.Context, jobs []JobDescriptor, batchKey string) (BatchHandle, error)
}

// StatusFeed exposes per-run status for a batch to holders of its access token.
type StatusFeed interface {
	// Subscribe streams the current status of every run followed by updates.
	// The channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context, batchID, accessToken string) (<-chan RunStatus, error)
	// List returns the current status of every run in the batch.
	List(ctx context.Context, batchID, accessToken string) ([]RunStatus, error)
}

// TokenIssuer mints and checks batch access tokens.
type TokenIssuer interface {
	IssueBatchToken(batchID, userID string) (string, error)
	VerifyBatchToken(token, batchID string) error
}
