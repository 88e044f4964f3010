package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"wecook/internal/auth"
	"wecook/internal/config"
	"wecook/internal/executor"
	"wecook/internal/metrics"
	"wecook/internal/planner"
	"wecook/internal/runs"
)

func TestFormatProgress(t *testing.T) {
	snap := runs.Snapshot{
		BatchID:         "b1",
		Total:           3,
		Completed:       1,
		Failed:          1,
		InProgress:      1,
		ProgressPercent: 33,
		Jobs: []runs.JobView{
			{JobID: "j1", Icon: "✅", Meal: "breakfast", Day: "0"},
			{JobID: "j2", Icon: "❌", Meal: "lunch", Day: "0", Error: "model_timeout"},
			{JobID: "j3", Icon: "⏳"},
		},
	}

	out := formatProgress(snap)

	if !strings.Contains(out, "⏳ *Cooking up your plan*") {
		t.Error("Missing in-progress header")
	}
	if !strings.Contains(out, "*Progress*: 33% (1/3)") {
		t.Errorf("Missing progress line in %q", out)
	}
	if !strings.Contains(out, "✅ *Day 1* breakfast") {
		t.Error("Missing completed job line")
	}
	if !strings.Contains(out, "❌ *Day 1* lunch: _model\\_timeout_") {
		t.Errorf("Missing escaped error line in %q", out)
	}
	if !strings.Contains(out, "⏳ `j3`") {
		t.Error("Jobs without tags should fall back to their ID")
	}

	snap.Done = true
	if out := formatProgress(snap); !strings.Contains(out, "⚠️ *Your plan finished with errors*") {
		t.Error("Missing finished-with-errors header")
	}
	snap.Failed = 0
	if out := formatProgress(snap); !strings.Contains(out, "🍽️ *Your plan is ready*") {
		t.Error("Missing ready header")
	}
}

func TestFormatPreferences(t *testing.T) {
	out := formatPreferences(planner.RawRequest{
		Days:      5,
		Diet:      "vegetarian",
		Allergies: "nuts",
		Meals:     map[string]bool{"dinner": true, "breakfast": true, "lunch": false},
	})

	for _, want := range []string{"⚙️ *Saved preferences*", "• *Days*: 5", "• *Diet*: vegetarian", "• *Allergies*: nuts", "• *Meals*: breakfast, dinner"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in %q", want, out)
		}
	}
	if strings.Contains(out, "Budget") {
		t.Error("Unset fields should be omitted")
	}
}

func TestFormatUsage(t *testing.T) {
	out := formatUsage([]metrics.DailyUsage{
		{Date: "2026-10-14", TotalPrompt: 100, TotalCompletion: 20, TotalExecution: 1500},
		{Date: "2026-10-13", TotalPrompt: 50, TotalCompletion: 10, TotalExecution: 500},
	})

	if !strings.Contains(out, "📊 *Usage & Health Report*") {
		t.Error("Missing usage header")
	}
	if !strings.Contains(out, "📅 *2026-10-14*\n• Tokens: 100 in / 20 out\n• LLM time: 1.5s") {
		t.Errorf("Missing day block in %q", out)
	}
	if !strings.Contains(out, "*Total*: 150 in / 30 out") {
		t.Error("Missing totals")
	}
	if out := formatUsage(nil); !strings.Contains(out, "No usage recorded") {
		t.Error("Missing empty usage message")
	}
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&planner.ValidationError{Field: "days", Reason: "must be between 1 and 14"}, "*Invalid request*"},
		{fmt.Errorf("slot 3: %w", planner.ErrTitlesExhausted), "distinct recipe titles"},
		{&planner.DispatchError{BatchKey: "k", Err: errors.New("down")}, "queue is unavailable"},
		{executor.ErrBatchNotFound, "no longer tracked"},
		{errors.New("boom"), "Something went wrong"},
	}
	for _, tt := range tests {
		if got := formatError(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("formatError(%v) = %q, want it to contain %q", tt.err, got, tt.want)
		}
	}
}

type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch m := c.(type) {
	case tgbotapi.MessageConfig:
		s.texts = append(s.texts, m.Text)
	case tgbotapi.EditMessageTextConfig:
		s.texts = append(s.texts, m.Text)
	}
	return tgbotapi.Message{MessageID: len(s.texts)}, nil
}

func (s *recordingSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return ""
	}
	return s.texts[len(s.texts)-1]
}

type fixedTitles struct{}

func (fixedTitles) ProposeTitle(ctx context.Context, p planner.SlotParams, exclude []string) (planner.TitleProposal, error) {
	return planner.TitleProposal{Title: fmt.Sprintf("%s %d", p.Meal, p.DayIndex)}, nil
}

// capturingExecutor reports every batch it triggers and fails the first
// failures attempts.
type capturingExecutor struct {
	*executor.Memory
	handles chan executor.BatchHandle

	mu        sync.Mutex
	failures  int
	batchKeys []string
}

func (c *capturingExecutor) TriggerBatch(ctx context.Context, jobs []executor.JobDescriptor, batchKey string) (executor.BatchHandle, error) {
	c.mu.Lock()
	c.batchKeys = append(c.batchKeys, batchKey)
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	c.mu.Unlock()
	if fail {
		return executor.BatchHandle{}, errors.New("nats: timeout")
	}
	h, err := c.Memory.TriggerBatch(ctx, jobs, batchKey)
	if err == nil {
		c.handles <- h
	}
	return h, err
}

func command(userID int64, text string) *tgbotapi.Message {
	name, _, _ := strings.Cut(text, " ")
	return &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID},
		Chat:     &tgbotapi.Chat{ID: userID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func TestBot_PlanCommandFollowsProgress(t *testing.T) {
	mem := executor.NewMemory(auth.NewTokens("secret", time.Hour))
	exec := &capturingExecutor{Memory: mem, handles: make(chan executor.BatchHandle, 1)}
	sender := &recordingSender{}
	b := newBot(sender, &config.Config{TelegramAllowedUserIDs: []int64{7}}, Deps{
		Planner: planner.NewPlanner(fixedTitles{}, exec, planner.Options{}),
		Status:  runs.NewAggregator(mem, nil, nil),
	})
	b.progressInterval = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.processMessage(context.Background(), command(7, "/plan 3"))
	}()

	var handle executor.BatchHandle
	select {
	case handle = <-exec.handles:
	case <-time.After(2 * time.Second):
		t.Fatal("Plan was never dispatched")
	}
	if handle.JobCount == 0 {
		t.Fatal("Expected at least one job")
	}

	for _, id := range mem.JobIDs(handle.BatchID) {
		if err := mem.SetStatus(handle.BatchID, id, executor.StateCompleted, "recipe-"+id, ""); err != nil {
			t.Fatalf("SetStatus failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Bot kept following a finished plan")
	}

	if !strings.Contains(sender.texts[0], "*Planning...*") {
		t.Errorf("Expected planning message first, got %q", sender.texts[0])
	}
	if out := sender.last(); !strings.Contains(out, "🍽️ *Your plan is ready*") || !strings.Contains(out, "100%") {
		t.Errorf("Expected final progress message, got %q", out)
	}
}

func TestBot_PlanRetriesDispatchWithSameKeys(t *testing.T) {
	mem := executor.NewMemory(auth.NewTokens("secret", time.Hour))
	exec := &capturingExecutor{Memory: mem, handles: make(chan executor.BatchHandle, 1), failures: 2}
	sender := &recordingSender{}
	b := newBot(sender, &config.Config{}, Deps{
		Planner: planner.NewPlanner(fixedTitles{}, exec, planner.Options{}),
		Status:  runs.NewAggregator(mem, nil, nil),
	})
	b.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	sub, err := b.submit(context.Background(), "tg-7", planner.RawRequest{Days: 3, Meals: map[string]bool{"dinner": true}})
	if err != nil {
		t.Fatalf("Expected the third attempt to succeed, got %v", err)
	}
	if len(exec.batchKeys) != 3 {
		t.Fatalf("Expected 3 dispatch attempts, got %d", len(exec.batchKeys))
	}
	for i, key := range exec.batchKeys {
		if key != sub.BatchKey {
			t.Errorf("attempt %d used batch key %s, want %s", i, key, sub.BatchKey)
		}
	}
	if mem.Enqueued() != 3 {
		t.Errorf("Expected 3 jobs enqueued once, got %d", mem.Enqueued())
	}
}

func TestBot_PlanDoesNotRetryInvalidRequests(t *testing.T) {
	mem := executor.NewMemory(auth.NewTokens("secret", time.Hour))
	exec := &capturingExecutor{Memory: mem, handles: make(chan executor.BatchHandle, 1)}
	b := newBot(&recordingSender{}, &config.Config{}, Deps{
		Planner: planner.NewPlanner(fixedTitles{}, exec, planner.Options{}),
	})
	b.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	_, err := b.submit(context.Background(), "tg-7", planner.RawRequest{Days: 4, Meals: map[string]bool{"dinner": true}})
	if !errors.Is(err, planner.ErrInvalidParameters) {
		t.Fatalf("Expected ErrInvalidParameters, got %v", err)
	}
	if len(exec.batchKeys) != 0 {
		t.Errorf("Expected no dispatch for an invalid request, got %d", len(exec.batchKeys))
	}
}

func TestBot_PlanCommandRejectsBadArgs(t *testing.T) {
	sender := &recordingSender{}
	b := newBot(sender, &config.Config{}, Deps{})

	b.processMessage(context.Background(), command(7, "/plan lots"))

	if !strings.Contains(sender.last(), "Usage: /plan") {
		t.Errorf("Expected usage hint, got %q", sender.last())
	}
}

func TestBot_MetricsIsAdminOnly(t *testing.T) {
	sender := &recordingSender{}
	b := newBot(sender, &config.Config{AdminTelegramID: 1}, Deps{})

	b.processMessage(context.Background(), command(7, "/metrics"))

	if !strings.Contains(sender.last(), "Access Denied") {
		t.Errorf("Expected access denied, got %q", sender.last())
	}
}

func TestBot_UnknownCommandShowsHelp(t *testing.T) {
	sender := &recordingSender{}
	b := newBot(sender, &config.Config{}, Deps{})

	b.processMessage(context.Background(), command(7, "/hello"))

	if sender.last() != helpText {
		t.Errorf("Expected help text, got %q", sender.last())
	}
}
