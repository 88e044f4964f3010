package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"wecook/internal/executor"
	"wecook/internal/llm"
	"wecook/internal/metrics"
	"wecook/internal/planner"
	"wecook/internal/runs"
)

// formatProgress renders a batch snapshot as a Markdown progress report.
func formatProgress(s runs.Snapshot) string {
	var sb strings.Builder
	header := "⏳ *Cooking up your plan*"
	if s.Done {
		header = "🍽️ *Your plan is ready*"
	}
	if s.Done && s.Failed > 0 {
		header = "⚠️ *Your plan finished with errors*"
	}
	fmt.Fprintf(&sb, "%s\n*Progress*: %d%% (%d/%d)\n", header, s.ProgressPercent, s.Completed, s.Total)
	if s.Failed > 0 {
		fmt.Fprintf(&sb, "*Failed*: %d\n", s.Failed)
	}

	if len(s.Jobs) > 0 {
		sb.WriteString("\n")
	}
	for _, j := range s.Jobs {
		fmt.Fprintf(&sb, "%s %s", j.Icon, jobLabel(j))
		if j.Error != "" {
			fmt.Fprintf(&sb, ": _%s_", escapeMarkdown(j.Error))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func jobLabel(j runs.JobView) string {
	label := ""
	if day, err := strconv.Atoi(j.Day); err == nil {
		label = fmt.Sprintf("*Day %d*", day+1)
	}
	if j.Meal != "" {
		if label != "" {
			label += " "
		}
		label += j.Meal
	}
	if label == "" {
		label = "`" + j.JobID + "`"
	}
	return label
}

func formatPreferences(p planner.RawRequest) string {
	var sb strings.Builder
	sb.WriteString("⚙️ *Saved preferences*\n\n")
	line := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&sb, "• *%s*: %s\n", name, escapeMarkdown(value))
		}
	}
	if p.Days > 0 {
		line("Days", strconv.Itoa(p.Days))
	}
	line("Diet", p.Diet)
	line("Allergies", p.Allergies)
	line("Cooking time", p.CookingTime)
	line("Skill level", p.SkillLevel)
	if p.Servings > 0 {
		line("Servings", strconv.Itoa(p.Servings))
	}
	line("Cuisine", p.Cuisine)
	line("Spice", p.Spice)
	line("Budget", p.Budget)
	var meals []string
	for _, m := range planner.CanonicalMeals {
		if p.Meals[string(m)] {
			meals = append(meals, string(m))
		}
	}
	line("Meals", strings.Join(meals, ", "))
	line("Weekend cooking", p.WeekendCooking)
	line("Leftovers", p.Leftovers)
	line("Notes", p.Notes)
	return strings.TrimRight(sb.String(), "\n")
}

func formatUsage(usage []metrics.DailyUsage) string {
	var sb strings.Builder
	sb.WriteString("📊 *Usage & Health Report*\n\n")
	if len(usage) == 0 {
		sb.WriteString("_No usage recorded in the last 7 days._")
		return sb.String()
	}
	var prompt, completion int
	for _, d := range usage {
		fmt.Fprintf(&sb, "📅 *%s*\n• Tokens: %d in / %d out\n• LLM time: %.1fs\n\n",
			d.Date, d.TotalPrompt, d.TotalCompletion, float64(d.TotalExecution)/1000)
		prompt += d.TotalPrompt
		completion += d.TotalCompletion
	}
	fmt.Fprintf(&sb, "*Total*: %d in / %d out", prompt, completion)
	return sb.String()
}

// formatError maps a submission or status failure to a chat reply.
func formatError(err error) string {
	var verr *planner.ValidationError
	switch {
	case errors.As(err, &verr):
		return fmt.Sprintf("❌ *Invalid request*: %s", escapeMarkdown(verr.Error()))
	case errors.Is(err, planner.ErrTitlesExhausted), llm.IsTransient(err):
		return "❌ Could not come up with distinct recipe titles. Please try again."
	case errors.Is(err, planner.ErrExecutorFailure):
		return "❌ Recipe queue is unavailable. Please try again later."
	case errors.Is(err, executor.ErrBatchNotFound):
		return "❔ That plan is no longer tracked."
	default:
		return "❌ Something went wrong."
	}
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
