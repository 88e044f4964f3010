package planner

import "time"

// Slot is one (day, meal) unit of a plan before it becomes a job.
type Slot struct {
	DayIndex    int
	Meal        Meal
	MealIndex   int
	IsWeekend   bool
	CookingTime CookingTime
	SkillLevel  SkillLevel
	Servings    int
	Title       string
}

// Expand returns Days × enabled-meal slots, day-major, meals in canonical
// order. Day 0 is treated as a Monday.
func Expand(req PlanRequest) []Slot {
	return ExpandFrom(req, 0)
}

// ExpandFrom is Expand with day 0 falling weekdayOffset days after Monday.
// A slot is a weekend slot when (DayIndex+weekdayOffset) % 7 is 5 or 6.
func ExpandFrom(req PlanRequest, weekdayOffset int) []Slot {
	meals := req.EnabledMeals()
	slots := make([]Slot, 0, req.Days*len(meals))
	for day := 0; day < req.Days; day++ {
		weekday := (day + weekdayOffset) % 7
		for i, meal := range meals {
			slots = append(slots, Slot{
				DayIndex:    day,
				Meal:        meal,
				MealIndex:   i,
				IsWeekend:   weekday == 5 || weekday == 6,
				CookingTime: req.CookingTime,
				SkillLevel:  req.SkillLevel,
				Servings:    req.Servings,
			})
		}
	}
	return slots
}

// WeekdayOffset returns how many days t falls after the preceding Monday.
func WeekdayOffset(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
