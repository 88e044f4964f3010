package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the planner collectors.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

// Collectors groups the Prometheus instruments for plan orchestration.
type Collectors struct {
	PlansSubmitted   *prometheus.CounterVec
	TitleAttempts    *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	StatusUpdates    *prometheus.CounterVec
}

// NewCollectors creates the collectors and registers them with reg.
// A nil registerer leaves them unregistered, which is what tests want.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		PlansSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wecook",
			Name:      "plans_submitted_total",
			Help:      "Meal plan submissions by result.",
		}, []string{"result"}),
		TitleAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wecook",
			Name:      "title_attempts_total",
			Help:      "Recipe title generation attempts by outcome.",
		}, []string{"outcome"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wecook",
			Name:      "batch_dispatch_duration_seconds",
			Help:      "Time spent submitting a batch to the job executor.",
			Buckets:   prometheus.DefBuckets,
		}),
		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wecook",
			Name:      "run_status_updates_total",
			Help:      "Run status updates observed by the aggregator, by state.",
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(c.PlansSubmitted, c.TitleAttempts, c.DispatchDuration, c.StatusUpdates)
	}
	return c
}

// ObserveDispatch records how long a dispatch starting at start took.
func (c *Collectors) ObserveDispatch(start time.Time) {
	if c == nil {
		return
	}
	c.DispatchDuration.Observe(time.Since(start).Seconds())
}

// PlanSubmitted counts a submission with the given result label.
func (c *Collectors) PlanSubmitted(result string) {
	if c == nil {
		return
	}
	c.PlansSubmitted.WithLabelValues(result).Inc()
}

// TitleAttempt counts a title generation attempt.
func (c *Collectors) TitleAttempt(outcome string) {
	if c == nil {
		return
	}
	c.TitleAttempts.WithLabelValues(outcome).Inc()
}

// StatusUpdate counts an observed run status update.
func (c *Collectors) StatusUpdate(state string) {
	if c == nil {
		return
	}
	c.StatusUpdates.WithLabelValues(state).Inc()
}
