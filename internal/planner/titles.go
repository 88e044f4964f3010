package planner

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"wecook/internal/llm"
	"wecook/internal/metrics"
	"wecook/internal/shared"
)

//go:embed title_prompt.md
var titlePrompt string

var titleTemplate = template.Must(template.New("title").Parse(titlePrompt))

// DefaultTitleAttempts is the per-slot attempt ceiling when none is configured.
const DefaultTitleAttempts = 3

// MaxTitleLength bounds an acceptable title, in characters.
const MaxTitleLength = 120

// SlotParams are the resolved parameters a title is proposed for.
type SlotParams struct {
	Meal        Meal
	DayIndex    int
	IsWeekend   bool
	Diet        string
	Allergies   string
	CookingTime CookingTime
	SkillLevel  SkillLevel
	Servings    int
	Cuisine     string
	Spice       string
	Budget      string
	Notes       string
}

// ParamsFor combines a slot with the request-wide preferences.
func ParamsFor(s Slot, req PlanRequest) SlotParams {
	return SlotParams{
		Meal:        s.Meal,
		DayIndex:    s.DayIndex,
		IsWeekend:   s.IsWeekend,
		Diet:        req.Diet,
		Allergies:   req.Allergies,
		CookingTime: s.CookingTime,
		SkillLevel:  s.SkillLevel,
		Servings:    s.Servings,
		Cuisine:     req.Cuisine,
		Spice:       req.Spice,
		Budget:      req.Budget,
		Notes:       req.Notes,
	}
}

// TitleProposal is one proposed title and what it cost to produce.
type TitleProposal struct {
	Title string
	Meta  shared.AgentMeta
}

// TitleProposer proposes a title for a slot, avoiding the excluded titles.
// A response that does not match the expected shape is a *SchemaError.
type TitleProposer interface {
	ProposeTitle(ctx context.Context, params SlotParams, exclude []string) (TitleProposal, error)
}

// SchemaError reports a generator response that could not be used as a title.
type SchemaError struct {
	Reason string
	Raw    string
}

func (e *SchemaError) Error() string {
	return "invalid title response: " + e.Reason
}

// TitleResult is the outcome of titling every slot of a plan.
type TitleResult struct {
	Slots    []Slot
	Accepted []string
	Metas    []shared.AgentMeta
}

// TitleDeduplicator assigns a unique title to every slot, one slot at a time.
type TitleDeduplicator struct {
	Proposer    TitleProposer
	MaxAttempts int
	Metrics     *metrics.Collectors
	Logger      *slog.Logger
}

// AssignTitles titles slots in order. A schema error or a repeat of an
// accepted title retries the same slot; running out of attempts on any slot
// fails the whole plan with ErrTitlesExhausted. Proposer errors of any other
// kind are returned immediately.
func (d *TitleDeduplicator) AssignTitles(ctx context.Context, slots []Slot, req PlanRequest) (TitleResult, error) {
	maxAttempts := d.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultTitleAttempts
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	res := TitleResult{
		Slots:    make([]Slot, len(slots)),
		Accepted: make([]string, 0, len(slots)),
	}
	copy(res.Slots, slots)
	used := make(map[string]struct{}, len(slots))

	for i := range res.Slots {
		slot := &res.Slots[i]
		params := ParamsFor(*slot, req)

		attempt := 0
		for slot.Title == "" {
			attempt++
			if attempt > maxAttempts {
				return TitleResult{}, fmt.Errorf("%w: day %d %s after %d attempts", ErrTitlesExhausted, slot.DayIndex, slot.Meal, maxAttempts)
			}

			// The proposer gets its own copy of the accepted list.
			exclude := append([]string(nil), res.Accepted...)
			proposal, err := d.Proposer.ProposeTitle(ctx, params, exclude)
			if proposal.Meta.AgentName != "" {
				proposal.Meta.Attempt = attempt
				res.Metas = append(res.Metas, proposal.Meta)
			}
			if err != nil {
				var schemaErr *SchemaError
				if errors.As(err, &schemaErr) {
					d.Metrics.TitleAttempt(metrics.OutcomeInvalid)
					logger.Warn("Rejected title response", "day", slot.DayIndex, "meal", slot.Meal, "attempt", attempt, "reason", schemaErr.Reason)
					continue
				}
				d.Metrics.TitleAttempt(metrics.OutcomeError)
				return TitleResult{}, fmt.Errorf("failed to propose title for day %d %s: %w", slot.DayIndex, slot.Meal, err)
			}

			title := strings.TrimSpace(proposal.Title)
			key := titleKey(title)
			if _, dup := used[key]; dup {
				d.Metrics.TitleAttempt(metrics.OutcomeDuplicate)
				logger.Debug("Rejected duplicate title", "day", slot.DayIndex, "meal", slot.Meal, "attempt", attempt, "title", title)
				continue
			}

			d.Metrics.TitleAttempt(metrics.OutcomeAccepted)
			used[key] = struct{}{}
			res.Accepted = append(res.Accepted, title)
			slot.Title = title
		}
	}

	return res, nil
}

func titleKey(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// LLMTitleProposer asks a text generator for a title as a JSON object.
type LLMTitleProposer struct {
	textGen llm.TextGenerator
	now     func() time.Time
}

// NewLLMTitleProposer creates a proposer backed by textGen.
func NewLLMTitleProposer(textGen llm.TextGenerator) *LLMTitleProposer {
	return &LLMTitleProposer{textGen: textGen, now: time.Now}
}

type titlePromptData struct {
	SlotParams
	DayNumber int
	Exclude   []string
}

type rawTitle struct {
	Title *string `json:"title"`
}

// ProposeTitle renders the title prompt and parses the generator's answer.
func (p *LLMTitleProposer) ProposeTitle(ctx context.Context, params SlotParams, exclude []string) (TitleProposal, error) {
	start := p.now()
	prompt, err := buildTitlePrompt(titlePromptData{
		SlotParams: params,
		DayNumber:  params.DayIndex + 1,
		Exclude:    exclude,
	})
	if err != nil {
		return TitleProposal{}, err
	}

	resp, err := p.textGen.GenerateContent(ctx, prompt)
	if err != nil {
		return TitleProposal{}, err
	}

	meta := shared.AgentMeta{
		AgentName: "TitleGenerator",
		Usage:     resp.Usage,
		Latency:   p.now().Sub(start),
	}
	title, err := parseTitle(resp.Content)
	if err != nil {
		return TitleProposal{Meta: meta}, err
	}
	return TitleProposal{Title: title, Meta: meta}, nil
}

func buildTitlePrompt(data titlePromptData) (string, error) {
	var buf bytes.Buffer
	if err := titleTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render title prompt: %w", err)
	}
	return buf.String(), nil
}

func parseTitle(content string) (string, error) {
	body := strings.TrimSpace(content)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")

	var raw rawTitle
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &raw); err != nil {
		return "", &SchemaError{Reason: "response is not a JSON object: " + err.Error(), Raw: content}
	}
	if raw.Title == nil {
		return "", &SchemaError{Reason: "missing title field", Raw: content}
	}
	title := strings.TrimSpace(*raw.Title)
	switch {
	case title == "":
		return "", &SchemaError{Reason: "empty title", Raw: content}
	case strings.ContainsAny(title, "\r\n"):
		return "", &SchemaError{Reason: "title spans multiple lines", Raw: content}
	case utf8.RuneCountInString(title) > MaxTitleLength:
		return "", &SchemaError{Reason: fmt.Sprintf("title longer than %d characters", MaxTitleLength), Raw: content}
	}
	return title, nil
}
