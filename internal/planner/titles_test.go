package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"wecook/internal/llm"
	"wecook/internal/shared"
)

type proposerCall struct {
	params  SlotParams
	exclude []string
}

// scriptedProposer returns its responses in order, then falls back to a
// title derived from the slot.
type scriptedProposer struct {
	responses []any // string title or error
	calls     []proposerCall
}

func (p *scriptedProposer) ProposeTitle(ctx context.Context, params SlotParams, exclude []string) (TitleProposal, error) {
	p.calls = append(p.calls, proposerCall{params: params, exclude: exclude})
	meta := shared.AgentMeta{AgentName: "Stub", Usage: shared.TokenUsage{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10}}
	if len(p.responses) > 0 {
		next := p.responses[0]
		p.responses = p.responses[1:]
		if err, ok := next.(error); ok {
			return TitleProposal{Meta: meta}, err
		}
		return TitleProposal{Title: next.(string), Meta: meta}, nil
	}
	return TitleProposal{Title: fmt.Sprintf("%s for day %d", params.Meal, params.DayIndex), Meta: meta}, nil
}

func twoSlots() []Slot {
	return []Slot{
		{DayIndex: 0, Meal: MealBreakfast},
		{DayIndex: 0, Meal: MealDinner, MealIndex: 1},
	}
}

func TestAssignTitles_RetriesDuplicateOnce(t *testing.T) {
	stub := &scriptedProposer{responses: []any{"Shakshuka", " shakshuka ", "Lamb Tagine"}}
	d := &TitleDeduplicator{Proposer: stub, MaxAttempts: 3}

	res, err := d.AssignTitles(context.Background(), twoSlots(), PlanRequest{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(stub.calls) != 3 {
		t.Fatalf("Expected exactly one retry (3 calls), got %d", len(stub.calls))
	}
	if stub.calls[1].params.Meal != MealDinner || stub.calls[2].params.Meal != MealDinner {
		t.Error("Expected the retry to target the same slot")
	}
	if got := stub.calls[2].exclude; len(got) != 1 || got[0] != "Shakshuka" {
		t.Errorf("Expected exclude list [Shakshuka], got %v", got)
	}
	if res.Slots[0].Title != "Shakshuka" || res.Slots[1].Title != "Lamb Tagine" {
		t.Errorf("Unexpected titles: %q, %q", res.Slots[0].Title, res.Slots[1].Title)
	}
	if len(res.Accepted) != 2 {
		t.Errorf("Expected 2 accepted titles, got %v", res.Accepted)
	}
	if len(res.Metas) != 3 || res.Metas[2].Attempt != 2 {
		t.Errorf("Expected a meta per call with attempt numbers, got %+v", res.Metas)
	}
}

func TestAssignTitles_RetriesSchemaErrors(t *testing.T) {
	stub := &scriptedProposer{responses: []any{&SchemaError{Reason: "empty title"}, "Porridge"}}
	d := &TitleDeduplicator{Proposer: stub, MaxAttempts: 2}

	res, err := d.AssignTitles(context.Background(), twoSlots()[:1], PlanRequest{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.Slots[0].Title != "Porridge" || len(stub.calls) != 2 {
		t.Errorf("Expected Porridge after 2 calls, got %q after %d", res.Slots[0].Title, len(stub.calls))
	}
}

func TestAssignTitles_Exhausted(t *testing.T) {
	stub := &scriptedProposer{responses: []any{"Pancakes", "Pancakes", "PANCAKES", &SchemaError{Reason: "bad"}}}
	d := &TitleDeduplicator{Proposer: stub, MaxAttempts: 3}

	in := twoSlots()
	_, err := d.AssignTitles(context.Background(), in, PlanRequest{})
	if !errors.Is(err, ErrTitlesExhausted) {
		t.Fatalf("Expected ErrTitlesExhausted, got %v", err)
	}
	if len(stub.calls) != 4 {
		t.Errorf("Expected 1 + 3 calls, got %d", len(stub.calls))
	}
	if in[0].Title != "" {
		t.Error("Expected input slots to be left untouched")
	}
}

func TestAssignTitles_TransportErrorAborts(t *testing.T) {
	boom := errors.New("connection reset")
	stub := &scriptedProposer{responses: []any{boom}}
	d := &TitleDeduplicator{Proposer: stub}

	_, err := d.AssignTitles(context.Background(), twoSlots(), PlanRequest{})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected transport error, got %v", err)
	}
	if errors.Is(err, ErrTitlesExhausted) {
		t.Error("Transport errors must not be reported as exhaustion")
	}
	if len(stub.calls) != 1 {
		t.Errorf("Expected no retry, got %d calls", len(stub.calls))
	}
}

type mockTextGenerator struct {
	content string
	err     error
	prompts []string
}

func (m *mockTextGenerator) GenerateContent(ctx context.Context, prompt string) (llm.ContentResponse, error) {
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return llm.ContentResponse{}, m.err
	}
	return llm.ContentResponse{
		Content: m.content,
		Usage:   shared.TokenUsage{PromptTokens: 120, CompletionTokens: 8, TotalTokens: 128, Model: "mock"},
	}, nil
}

func TestLLMTitleProposer(t *testing.T) {
	gen := &mockTextGenerator{content: "```json\n{\"title\": \"  Keto Cauliflower Mac \"}\n```"}
	p := NewLLMTitleProposer(gen)

	params := SlotParams{Meal: MealDinner, DayIndex: 5, IsWeekend: true, Diet: "keto", CookingTime: Cook60AndUp, Allergies: "nuts"}
	proposal, err := p.ProposeTitle(context.Background(), params, []string{"Egg Muffins"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if proposal.Title != "Keto Cauliflower Mac" {
		t.Errorf("Expected trimmed title, got %q", proposal.Title)
	}
	if proposal.Meta.AgentName != "TitleGenerator" || proposal.Meta.Usage.TotalTokens != 128 {
		t.Errorf("Unexpected meta: %+v", proposal.Meta)
	}

	prompt := gen.prompts[0]
	for _, want := range []string{"# Recipe Title Prompt", "dinner (day 6, weekend)", "- Egg Muffins", "must be avoided): nuts", "60-plus"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Expected prompt to contain %q", want)
		}
	}
}

func TestLLMTitleProposer_SchemaErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "Here is a title: Pasta"},
		{"missing field", `{"name": "Pasta"}`},
		{"empty", `{"title": "   "}`},
		{"multiline", `{"title": "Pasta\nwith sauce"}`},
		{"too long", `{"title": "` + strings.Repeat("x", MaxTitleLength+1) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewLLMTitleProposer(&mockTextGenerator{content: tt.content})
			_, err := p.ProposeTitle(context.Background(), SlotParams{Meal: MealLunch}, nil)
			var se *SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("Expected *SchemaError, got %v", err)
			}
		})
	}
}

func TestLLMTitleProposer_TransportError(t *testing.T) {
	p := NewLLMTitleProposer(&mockTextGenerator{err: errors.New("timeout")})
	_, err := p.ProposeTitle(context.Background(), SlotParams{Meal: MealLunch}, nil)
	var se *SchemaError
	if err == nil || errors.As(err, &se) {
		t.Fatalf("Expected a plain transport error, got %v", err)
	}
}
