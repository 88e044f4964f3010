package planner

// BatchServings is the minimum serving count for a slot cooked for leftovers.
const BatchServings = 4

// Adjust applies the weekend policy and then the leftover policy to s.
// It is idempotent.
func Adjust(s Slot, weekend WeekendPolicy, leftovers LeftoverPolicy) Slot {
	if s.IsWeekend {
		switch weekend {
		case WeekendMore:
			s.CookingTime = cookingTimes[len(cookingTimes)-1]
			s.SkillLevel = skillLevels[len(skillLevels)-1]
		case WeekendLess:
			s.CookingTime = cookingTimes[0]
			s.SkillLevel = skillLevels[0]
		}
	}

	var bump bool
	switch leftovers {
	case LeftoversLots:
		bump = s.DayIndex%3 == 0
	case LeftoversSome:
		bump = s.DayIndex%2 == 0
	}
	if bump && s.Servings < BatchServings {
		s.Servings = BatchServings
	}
	return s
}

// AdjustAll applies Adjust to every slot using the request's policies.
func AdjustAll(slots []Slot, req PlanRequest) []Slot {
	out := make([]Slot, len(slots))
	for i, s := range slots {
		out[i] = Adjust(s, req.WeekendCooking, req.Leftovers)
	}
	return out
}
