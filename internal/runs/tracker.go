// Package runs turns per-job run status from the executor into a single
// batch progress view.
package runs

import (
	"math"
	"strings"
	"time"

	"wecook/internal/executor"
)

// Category groups run states for display.
type Category string

const (
	CategoryCompleted  Category = "completed"
	CategoryFailed     Category = "failed"
	CategoryInProgress Category = "in-progress"
	CategoryUnknown    Category = "unknown"
)

// CategoryOf maps a run state to its display category.
func CategoryOf(state executor.State) Category {
	switch state {
	case executor.StateCompleted:
		return CategoryCompleted
	case executor.StateFailed, executor.StateCrashed, executor.StateInterrupted, executor.StateSystemFailure:
		return CategoryFailed
	case executor.StateQueued, executor.StateExecuting, executor.StateReattempting, executor.StateWaitingForDeploy:
		return CategoryInProgress
	default:
		return CategoryUnknown
	}
}

// Icon returns the status icon for a category.
func Icon(c Category) string {
	switch c {
	case CategoryCompleted:
		return "✅"
	case CategoryFailed:
		return "❌"
	case CategoryInProgress:
		return "⏳"
	default:
		return "❔"
	}
}

// JobView is the client-facing detail of one job.
type JobView struct {
	JobID      string         `json:"job_id"`
	State      executor.State `json:"state"`
	Category   Category       `json:"category"`
	Icon       string         `json:"icon"`
	Meal       string         `json:"meal,omitempty"`
	Day        string         `json:"day,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	QueuedAt   *time.Time     `json:"queued_at,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	RecipeID   string         `json:"recipe_id,omitempty"`
}

// Snapshot is the aggregated state of a batch at one point in time.
type Snapshot struct {
	BatchID         string    `json:"batch_id"`
	Total           int       `json:"total"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	InProgress      int       `json:"in_progress"`
	ProgressPercent int       `json:"progress_percent"`
	Done            bool      `json:"done"`
	Jobs            []JobView `json:"jobs"`
	Errored         []JobView `json:"errored"`
}

// Tracker accumulates run status for one batch. It is not safe for
// concurrent use.
type Tracker struct {
	batchID  string
	jobCount int
	order    []string
	jobs     map[string]executor.RunStatus
}

// NewTracker creates a tracker for a batch expected to hold jobCount jobs.
func NewTracker(batchID string, jobCount int) *Tracker {
	return &Tracker{
		batchID:  batchID,
		jobCount: jobCount,
		jobs:     make(map[string]executor.RunStatus),
	}
}

// Apply records the latest status of a job. Statuses for other batches are
// ignored. It reports whether the tracker changed.
func (t *Tracker) Apply(st executor.RunStatus) bool {
	if st.BatchID != "" && st.BatchID != t.batchID {
		return false
	}
	prev, seen := t.jobs[st.JobID]
	if !seen {
		t.order = append(t.order, st.JobID)
	} else if prev.State.Terminal() && !st.State.Terminal() {
		// Late, out-of-order delivery of an earlier state.
		return false
	}
	t.jobs[st.JobID] = st
	return !seen || prev.State != st.State || prev.Output != st.Output || prev.Error != st.Error ||
		!sameTime(prev.QueuedAt, st.QueuedAt) || !sameTime(prev.StartedAt, st.StartedAt) || !sameTime(prev.FinishedAt, st.FinishedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Snapshot returns the aggregated view. Jobs appear in first-seen order.
func (t *Tracker) Snapshot() Snapshot {
	total := max(t.jobCount, len(t.order))
	snap := Snapshot{
		BatchID: t.batchID,
		Total:   total,
		Jobs:    make([]JobView, 0, len(t.order)),
	}

	terminal := 0
	for _, id := range t.order {
		view := viewOf(t.jobs[id])
		snap.Jobs = append(snap.Jobs, view)
		switch view.Category {
		case CategoryCompleted:
			snap.Completed++
		case CategoryFailed:
			snap.Failed++
			snap.Errored = append(snap.Errored, view)
		case CategoryInProgress:
			snap.InProgress++
		}
		if view.State.Terminal() {
			terminal++
		}
	}

	if total > 0 {
		snap.ProgressPercent = int(math.Round(100 * float64(snap.Completed) / float64(total)))
	}
	snap.Done = total > 0 && terminal == total
	return snap
}

func viewOf(st executor.RunStatus) JobView {
	cat := CategoryOf(st.State)
	view := JobView{
		JobID:      st.JobID,
		State:      st.State,
		Category:   cat,
		Icon:       Icon(cat),
		CreatedAt:  st.CreatedAt,
		QueuedAt:   st.QueuedAt,
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
		Error:      st.Error,
	}
	if cat == CategoryCompleted {
		view.RecipeID = st.Output
	}
	for _, tag := range st.Tags {
		if v, ok := strings.CutPrefix(tag, "meal:"); ok {
			view.Meal = v
		} else if v, ok := strings.CutPrefix(tag, "day:"); ok {
			view.Day = v
		}
	}
	return view
}
