package planner

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxFreeTextLength caps allergies and notes, counted in characters.
const MaxFreeTextLength = 255

var (
	// ErrInvalidParameters is wrapped by every *ValidationError.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrTitlesExhausted means a slot ran out of title attempts.
	ErrTitlesExhausted = errors.New("title generation attempts exhausted")
	// ErrExecutorFailure is wrapped by every *DispatchError.
	ErrExecutorFailure = errors.New("executor failure")
)

// ValidationError names the request field that was rejected.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidParameters }

// Meal is a meal category.
type Meal string

const (
	MealBreakfast Meal = "breakfast"
	MealBrunch    Meal = "brunch"
	MealLunch     Meal = "lunch"
	MealDinner    Meal = "dinner"
	MealSnack     Meal = "snack"
)

// CanonicalMeals is the order enabled meals are expanded in.
var CanonicalMeals = []Meal{MealBreakfast, MealLunch, MealDinner, MealSnack}

// CookingTime buckets, shortest first.
type CookingTime string

const (
	CookUnder15 CookingTime = "under-15"
	Cook15To30  CookingTime = "15-30"
	Cook30To60  CookingTime = "30-60"
	Cook60AndUp CookingTime = "60-plus"
)

var cookingTimes = []CookingTime{CookUnder15, Cook15To30, Cook30To60, Cook60AndUp}

// SkillLevel tiers, lowest first.
type SkillLevel string

const (
	SkillBeginner     SkillLevel = "beginner"
	SkillIntermediate SkillLevel = "intermediate"
	SkillAdvanced     SkillLevel = "advanced"
)

var skillLevels = []SkillLevel{SkillBeginner, SkillIntermediate, SkillAdvanced}

// WeekendPolicy controls how weekend slots differ from weekdays.
type WeekendPolicy string

const (
	WeekendSame WeekendPolicy = "same"
	WeekendMore WeekendPolicy = "more"
	WeekendLess WeekendPolicy = "less"
)

// LeftoverPolicy controls how often slots are cooked in batch quantities.
type LeftoverPolicy string

const (
	LeftoversNone LeftoverPolicy = "none"
	LeftoversSome LeftoverPolicy = "some"
	LeftoversLots LeftoverPolicy = "lots"
)

var (
	allowedDays     = []int{3, 5, 7, 14, 28}
	allowedDiets    = []string{"none", "vegetarian", "vegan", "pescatarian", "keto", "paleo", "gluten-free", "dairy-free", "low-carb"}
	allowedCuisines = []string{"any", "american", "italian", "mexican", "french", "mediterranean", "middle-eastern", "indian", "asian"}
	allowedSpice    = []string{"mild", "medium", "hot", "extra-hot"}
	allowedBudgets  = []string{"$", "$$", "$$$"}
)

const (
	minServings = 1
	maxServings = 12
)

// RawRequest is a plan request as submitted by a client or loaded from saved
// preferences. Zero values mean the field was not provided.
type RawRequest struct {
	Days           int             `json:"days,omitempty"`
	Diet           string          `json:"diet,omitempty"`
	Allergies      string          `json:"allergies,omitempty"`
	CookingTime    string          `json:"cooking_time,omitempty"`
	SkillLevel     string          `json:"skill_level,omitempty"`
	Servings       int             `json:"servings,omitempty"`
	Cuisine        string          `json:"cuisine,omitempty"`
	Spice          string          `json:"spice,omitempty"`
	Budget         string          `json:"budget,omitempty"`
	Meals          map[string]bool `json:"meals,omitempty"`
	WeekendCooking string          `json:"weekend_cooking,omitempty"`
	Leftovers      string          `json:"leftovers,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

// WithDefaults fills every field missing from r with the value from saved.
func (r RawRequest) WithDefaults(saved RawRequest) RawRequest {
	out := r
	if out.Days == 0 {
		out.Days = saved.Days
	}
	if out.Servings == 0 {
		out.Servings = saved.Servings
	}
	if len(out.Meals) == 0 && len(saved.Meals) > 0 {
		out.Meals = make(map[string]bool, len(saved.Meals))
		for k, v := range saved.Meals {
			out.Meals[k] = v
		}
	}
	fill := func(dst *string, src string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = src
		}
	}
	fill(&out.Diet, saved.Diet)
	fill(&out.Allergies, saved.Allergies)
	fill(&out.CookingTime, saved.CookingTime)
	fill(&out.SkillLevel, saved.SkillLevel)
	fill(&out.Cuisine, saved.Cuisine)
	fill(&out.Spice, saved.Spice)
	fill(&out.Budget, saved.Budget)
	fill(&out.WeekendCooking, saved.WeekendCooking)
	fill(&out.Leftovers, saved.Leftovers)
	fill(&out.Notes, saved.Notes)
	return out
}

// PlanRequest is a validated, canonical plan request.
type PlanRequest struct {
	Days           int
	Diet           string
	Allergies      string
	CookingTime    CookingTime
	SkillLevel     SkillLevel
	Servings       int
	Cuisine        string
	Spice          string
	Budget         string
	Meals          map[Meal]bool
	WeekendCooking WeekendPolicy
	Leftovers      LeftoverPolicy
	Notes          string
}

// EnabledMeals returns the enabled meals in canonical order.
func (r PlanRequest) EnabledMeals() []Meal {
	var meals []Meal
	for _, m := range CanonicalMeals {
		if r.Meals[m] {
			meals = append(meals, m)
		}
	}
	return meals
}

// Normalize validates raw and returns its canonical form. Days and at least
// one enabled meal are required; other missing enums take neutral defaults.
func Normalize(raw RawRequest) (PlanRequest, error) {
	var req PlanRequest

	if raw.Days == 0 {
		return PlanRequest{}, &ValidationError{Field: "days", Reason: "is required"}
	}
	if !slices.Contains(allowedDays, raw.Days) {
		return PlanRequest{}, &ValidationError{Field: "days", Value: strconv.Itoa(raw.Days), Reason: "must be one of 3, 5, 7, 14, 28"}
	}
	req.Days = raw.Days

	var err error
	if req.Diet, err = oneOf("diet", raw.Diet, "none", allowedDiets); err != nil {
		return PlanRequest{}, err
	}
	if req.Cuisine, err = oneOf("cuisine", raw.Cuisine, "any", allowedCuisines); err != nil {
		return PlanRequest{}, err
	}
	if req.Spice, err = oneOf("spice", raw.Spice, "medium", allowedSpice); err != nil {
		return PlanRequest{}, err
	}
	if req.Budget, err = oneOf("budget", raw.Budget, "$$", allowedBudgets); err != nil {
		return PlanRequest{}, err
	}

	ct, err := oneOf("cooking_time", raw.CookingTime, string(Cook30To60), toStrings(cookingTimes))
	if err != nil {
		return PlanRequest{}, err
	}
	req.CookingTime = CookingTime(ct)

	skill, err := oneOf("skill_level", raw.SkillLevel, string(SkillIntermediate), toStrings(skillLevels))
	if err != nil {
		return PlanRequest{}, err
	}
	req.SkillLevel = SkillLevel(skill)

	weekend, err := oneOf("weekend_cooking", raw.WeekendCooking, string(WeekendSame), []string{"same", "more", "less"})
	if err != nil {
		return PlanRequest{}, err
	}
	req.WeekendCooking = WeekendPolicy(weekend)

	leftovers, err := oneOf("leftovers", raw.Leftovers, string(LeftoversNone), []string{"none", "some", "lots"})
	if err != nil {
		return PlanRequest{}, err
	}
	req.Leftovers = LeftoverPolicy(leftovers)

	switch {
	case raw.Servings == 0:
		req.Servings = 2
	case raw.Servings < minServings || raw.Servings > maxServings:
		return PlanRequest{}, &ValidationError{Field: "servings", Value: strconv.Itoa(raw.Servings), Reason: "must be between 1 and 12"}
	default:
		req.Servings = raw.Servings
	}

	req.Meals = make(map[Meal]bool, len(CanonicalMeals))
	for key, enabled := range raw.Meals {
		m := Meal(strings.ToLower(strings.TrimSpace(key)))
		if !slices.Contains(CanonicalMeals, m) {
			return PlanRequest{}, &ValidationError{Field: "meals", Value: key, Reason: "unknown meal category"}
		}
		req.Meals[m] = req.Meals[m] || enabled
	}
	if len(req.EnabledMeals()) == 0 {
		return PlanRequest{}, &ValidationError{Field: "meals", Reason: "at least one meal must be enabled"}
	}

	if req.Allergies, err = freeText("allergies", raw.Allergies); err != nil {
		return PlanRequest{}, err
	}
	if req.Notes, err = freeText("notes", raw.Notes); err != nil {
		return PlanRequest{}, err
	}

	return req, nil
}

func oneOf(field, value, fallback string, allowed []string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return fallback, nil
	}
	if !slices.Contains(allowed, v) {
		return "", &ValidationError{Field: field, Value: value, Reason: "must be one of " + strings.Join(allowed, ", ")}
	}
	return v, nil
}

func freeText(field, value string) (string, error) {
	if !utf8.ValidString(value) {
		return "", &ValidationError{Field: field, Reason: "must be valid UTF-8"}
	}
	if n := utf8.RuneCountInString(value); n > MaxFreeTextLength {
		return "", &ValidationError{Field: field, Reason: fmt.Sprintf("must be at most %d characters, got %d", MaxFreeTextLength, n)}
	}
	return value, nil
}

func toStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
