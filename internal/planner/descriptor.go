package planner

import (
	"fmt"
	"strconv"
	"time"

	"wecook/internal/executor"
)

// DateLayout is the calendar date format carried in job payloads.
const DateLayout = "2006-01-02"

// DefaultJobTTL applies when no TTL is configured.
const DefaultJobTTL = 30 * time.Minute

// BuildDescriptor turns a titled slot into a job. seq is the slot's position
// in expansion order and submittedAt is the batch's captured timestamp.
func BuildDescriptor(userID string, req PlanRequest, s Slot, seq int, submittedAt, today time.Time, ttl time.Duration) executor.JobDescriptor {
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	date := today.AddDate(0, 0, s.DayIndex).Format(DateLayout)

	return executor.JobDescriptor{
		Payload: executor.JobPayload{
			UserID:      userID,
			Date:        date,
			DayIndex:    s.DayIndex,
			MealIndex:   s.MealIndex,
			Meal:        string(s.Meal),
			IsWeekend:   s.IsWeekend,
			Title:       s.Title,
			Diet:        req.Diet,
			Allergies:   req.Allergies,
			CookingTime: string(s.CookingTime),
			SkillLevel:  string(s.SkillLevel),
			Servings:    s.Servings,
			Cuisine:     req.Cuisine,
			Spice:       req.Spice,
			Budget:      req.Budget,
			Notes:       req.Notes,
		},
		IdempotencyKey: JobKey(userID, submittedAt, seq),
		ConcurrencyKey: "user-" + userID,
		TTL:            ttl,
		Tags: []string{
			"user:" + userID,
			"meal:" + string(s.Meal),
			"diet:" + req.Diet,
			"cuisine:" + req.Cuisine,
			"day:" + strconv.Itoa(s.DayIndex),
		},
	}
}

// BuildDescriptors builds a job for every slot, numbering them in order.
func BuildDescriptors(userID string, req PlanRequest, slots []Slot, submittedAt, today time.Time, ttl time.Duration) []executor.JobDescriptor {
	jobs := make([]executor.JobDescriptor, len(slots))
	for i, s := range slots {
		jobs[i] = BuildDescriptor(userID, req, s, i, submittedAt, today, ttl)
	}
	return jobs
}

// JobKey is the idempotency key of the seq-th job of a submission.
func JobKey(userID string, submittedAt time.Time, seq int) string {
	return fmt.Sprintf("recipe-%s-%d-%d", userID, submittedAt.UnixMilli(), seq)
}

// BatchKey is the idempotency key of a whole submission.
func BatchKey(userID string, submittedAt time.Time) string {
	return fmt.Sprintf("meal-plan-%s-%d", userID, submittedAt.UnixMilli())
}
