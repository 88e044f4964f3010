package planner

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"wecook/internal/executor"
	"wecook/internal/metrics"
)

var mealOrder = map[Meal]int{
	MealBreakfast: 0,
	MealBrunch:    1,
	MealLunch:     2,
	MealDinner:    3,
	MealSnack:     4,
}

const unknownMealOrder = 5

// MealOrder ranks a meal category for dispatch ordering.
func MealOrder(meal string) int {
	if o, ok := mealOrder[Meal(strings.ToLower(meal))]; ok {
		return o
	}
	return unknownMealOrder
}

// SortDescriptors orders jobs by date, then by meal. Ties keep their order.
func SortDescriptors(jobs []executor.JobDescriptor) []executor.JobDescriptor {
	sorted := slices.Clone(jobs)
	slices.SortStableFunc(sorted, func(a, b executor.JobDescriptor) int {
		if c := strings.Compare(a.Payload.Date, b.Payload.Date); c != 0 {
			return c
		}
		return MealOrder(a.Payload.Meal) - MealOrder(b.Payload.Meal)
	})
	return sorted
}

// DispatchError reports a batch the executor did not accept.
// SubmittedAt is the timestamp the batch keys were derived from; retrying
// with it reuses the keys of any jobs already published.
type DispatchError struct {
	BatchKey    string
	SubmittedAt time.Time
	Err         error
}

func (e *DispatchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("failed to dispatch batch %s", e.BatchKey)
	}
	return fmt.Sprintf("failed to dispatch batch %s: %v", e.BatchKey, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExecutorFailure}
	}
	return []error{ErrExecutorFailure, e.Err}
}

// Dispatcher submits sorted batches to a job executor.
type Dispatcher struct {
	Executor executor.JobExecutor
	Metrics  *metrics.Collectors
	Logger   *slog.Logger
}

// Dispatch sorts jobs and submits them in one call. It never retries.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []executor.JobDescriptor, batchKey string) (executor.BatchHandle, error) {
	sorted := SortDescriptors(jobs)

	start := time.Now()
	handle, err := d.Executor.TriggerBatch(ctx, sorted, batchKey)
	d.Metrics.ObserveDispatch(start)
	if err != nil {
		return executor.BatchHandle{}, &DispatchError{BatchKey: batchKey, Err: err}
	}
	if handle.BatchID == "" {
		return executor.BatchHandle{}, &DispatchError{BatchKey: batchKey, Err: fmt.Errorf("executor returned no batch id")}
	}
	if handle.JobCount == 0 {
		handle.JobCount = len(sorted)
	}

	if d.Logger != nil {
		d.Logger.Info("Dispatched batch", "batch_id", handle.BatchID, "batch_key", batchKey, "jobs", len(sorted))
	}
	return handle, nil
}
