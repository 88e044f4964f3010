package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"wecook/internal/config"
	"wecook/internal/executor"
	"wecook/internal/metrics"
	"wecook/internal/planner"
	"wecook/internal/runs"
)

// Sender is the part of the Telegram API the bot uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Planner submits plans on behalf of a chat user.
type Planner interface {
	SubmitAt(ctx context.Context, userID string, raw planner.RawRequest, submittedAt time.Time) (planner.Submission, error)
}

// dispatchRetries is how many times a plan the executor rejected is
// resubmitted under its original timestamp.
const dispatchRetries = 2

// StatusReader reads and follows batch progress.
type StatusReader interface {
	Read(ctx context.Context, handle executor.BatchHandle) (runs.Snapshot, error)
	Watch(ctx context.Context, handle executor.BatchHandle) (*runs.Subscription, error)
}

// Deps holds the bot's collaborators.
type Deps struct {
	Planner     Planner
	Status      StatusReader
	Preferences planner.PreferenceSource
	History     interface {
		ListRecentByUserID(ctx context.Context, userID string, limit int) ([]planner.StoredPlan, error)
	}
	Usage interface {
		GetDailyUsage(ctx context.Context, days int) ([]metrics.DailyUsage, error)
	}
	Logger *slog.Logger
}

// Bot answers plan commands from allowed Telegram users.
type Bot struct {
	api     Sender
	deps    Deps
	allowed []int64
	adminID int64
	logger  *slog.Logger

	// progressInterval throttles live edits of the progress message.
	progressInterval time.Duration
	watchTimeout     time.Duration
	newBackOff       func() backoff.BackOff
}

// NewBot initializes the Telegram Bot and sets the Webhook.
func NewBot(cfg *config.Config, deps Deps) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram api: %w", err)
	}
	b := newBot(api, cfg, deps)
	b.logger.Info("Authorized on Telegram", "account", api.Self.UserName)

	if cfg.TelegramWebhookURL != "" {
		wh, err := tgbotapi.NewWebhook(cfg.TelegramWebhookURL)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook url %s: %w", cfg.TelegramWebhookURL, err)
		}
		resp, err := api.Request(wh)
		if err != nil {
			return nil, fmt.Errorf("failed to set webhook to %s: %w", cfg.TelegramWebhookURL, err)
		}
		b.logger.Info("Webhook set", "response", resp.Description)
	}
	return b, nil
}

func newBot(api Sender, cfg *config.Config, deps Deps) *Bot {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		api:              api,
		deps:             deps,
		allowed:          cfg.TelegramAllowedUserIDs,
		adminID:          cfg.AdminTelegramID,
		logger:           logger,
		progressInterval: 3 * time.Second,
		watchTimeout:     time.Hour,
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 2 * time.Second
			eb.MaxElapsedTime = 0
			return eb
		},
	}
}

// ServeHTTP handles webhook updates.
func (b *Bot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		b.logger.Warn("Error parsing update", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if !slices.Contains(b.allowed, msg.From.ID) {
		b.logger.Warn("⚠️ Unauthorized access attempt", "telegram_user_id", msg.From.ID, "username", msg.From.UserName)
		return
	}

	go b.processMessage(context.Background(), msg)
}

func (b *Bot) processMessage(ctx context.Context, msg *tgbotapi.Message) {
	command, args := msg.Command(), msg.CommandArguments()
	switch command {
	case "plan":
		b.handlePlanCommand(ctx, msg, args)
	case "status":
		b.handleStatusCommand(ctx, msg)
	case "prefs":
		b.handlePrefsCommand(ctx, msg)
	case "metrics":
		b.handleMetricsCommand(ctx, msg)
	default:
		b.reply(msg.Chat.ID, helpText)
	}
}

const helpText = "👋 *WeCook*\n\n" +
	"/plan `[days]` generate a meal plan (3, 5, 7, 14 or 28 days) from your saved preferences\n" +
	"/status show the progress of your latest plan\n" +
	"/prefs show your saved preferences"

func userIDFor(msg *tgbotapi.Message) string {
	return "tg-" + strconv.FormatInt(msg.From.ID, 10)
}

func (b *Bot) handlePlanCommand(ctx context.Context, msg *tgbotapi.Message, args string) {
	raw := planner.RawRequest{}
	if args = strings.TrimSpace(args); args != "" {
		days, err := strconv.Atoi(args)
		if err != nil {
			b.reply(msg.Chat.ID, "❌ Usage: /plan `[days]`, for example /plan 7")
			return
		}
		raw.Days = days
	}
	saved := b.savedPreferences(ctx, userIDFor(msg))
	if raw.Days == 0 && saved.Days == 0 {
		raw.Days = 7
	}
	if len(saved.Meals) == 0 {
		raw.Meals = map[string]bool{"breakfast": true, "lunch": true, "dinner": true}
	}

	sent, err := b.send(msg.Chat.ID, "🧑‍🍳 *Planning...*\n(Choosing recipe titles for every meal)")
	if err != nil {
		b.logger.Error("Failed to send initial reply", "error", err)
		return
	}

	sub, err := b.submit(ctx, userIDFor(msg), raw)
	if err != nil {
		b.edit(msg.Chat.ID, sent.MessageID, formatError(err))
		return
	}

	b.edit(msg.Chat.ID, sent.MessageID, fmt.Sprintf("📅 *Plan submitted*: %d recipes queued", sub.Handle.JobCount))
	b.followProgress(ctx, msg.Chat.ID, sent.MessageID, sub.Handle)
}

// submit captures the submission time once and retries executor failures
// with it, so jobs published before a failure keep their idempotency keys.
func (b *Bot) submit(ctx context.Context, userID string, raw planner.RawRequest) (planner.Submission, error) {
	submittedAt := time.Now()
	policy := backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), dispatchRetries), ctx)
	return backoff.RetryWithData(func() (planner.Submission, error) {
		sub, err := b.deps.Planner.SubmitAt(ctx, userID, raw, submittedAt)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, planner.ErrExecutorFailure) {
			return sub, backoff.Permanent(err)
		}
		b.logger.Warn("Plan dispatch failed, retrying with the same keys", "user_id", userID, "submitted_at", submittedAt.UnixMilli(), "error", err)
		return sub, err
	}, policy)
}

// savedPreferences returns the user's saved defaults, or the zero value when
// there are none. The planner seeds the request from the same record.
func (b *Bot) savedPreferences(ctx context.Context, userID string) planner.RawRequest {
	if b.deps.Preferences == nil {
		return planner.RawRequest{}
	}
	prefs, _, err := b.deps.Preferences.Get(ctx, userID)
	if err != nil {
		b.logger.Warn("Failed to load preferences", "user_id", userID, "error", err)
	}
	return prefs
}

// followProgress edits one message with batch progress until the batch is
// done or the watch times out.
func (b *Bot) followProgress(ctx context.Context, chatID int64, messageID int, handle executor.BatchHandle) {
	ctx, cancel := context.WithTimeout(ctx, b.watchTimeout)
	defer cancel()

	watch, err := b.deps.Status.Watch(ctx, handle)
	if err != nil {
		b.logger.Warn("Failed to follow batch", "batch_id", handle.BatchID, "error", err)
		return
	}
	defer watch.Close()

	var last time.Time
	var pending *runs.Snapshot
	flush := func() {
		if pending != nil {
			b.edit(chatID, messageID, formatProgress(*pending))
			pending = nil
			last = time.Now()
		}
	}

	ticker := time.NewTicker(b.progressInterval)
	defer ticker.Stop()
	for {
		select {
		case snap, ok := <-watch.Updates():
			if !ok {
				flush()
				return
			}
			pending = &snap
			if snap.Done || time.Since(last) >= b.progressInterval {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (b *Bot) handleStatusCommand(ctx context.Context, msg *tgbotapi.Message) {
	if b.deps.History == nil {
		b.reply(msg.Chat.ID, "_Plan history is not enabled_")
		return
	}
	plans, err := b.deps.History.ListRecentByUserID(ctx, userIDFor(msg), 1)
	if err != nil {
		b.logger.Error("Failed to load plan history", "error", err)
		b.reply(msg.Chat.ID, "❌ Error loading your plans.")
		return
	}
	if len(plans) == 0 {
		b.reply(msg.Chat.ID, "_No plans yet_. Send /plan to create one.")
		return
	}

	p := plans[0]
	snap, err := b.deps.Status.Read(ctx, executor.BatchHandle{BatchID: p.BatchID, AccessToken: p.AccessToken, JobCount: p.JobCount})
	if err != nil {
		b.reply(msg.Chat.ID, formatError(err))
		return
	}
	b.reply(msg.Chat.ID, formatProgress(snap))
}

func (b *Bot) handlePrefsCommand(ctx context.Context, msg *tgbotapi.Message) {
	if b.deps.Preferences == nil {
		b.reply(msg.Chat.ID, "_Preferences are not enabled_")
		return
	}
	prefs, ok, err := b.deps.Preferences.Get(ctx, userIDFor(msg))
	if err != nil {
		b.logger.Error("Failed to load preferences", "error", err)
		b.reply(msg.Chat.ID, "❌ Error loading your preferences.")
		return
	}
	if !ok {
		b.reply(msg.Chat.ID, "_No saved preferences_. Plans use the defaults.")
		return
	}
	b.reply(msg.Chat.ID, formatPreferences(prefs))
}

func (b *Bot) handleMetricsCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From.ID != b.adminID {
		b.reply(msg.Chat.ID, "⛔ *Access Denied*: Admin only.")
		return
	}
	if b.deps.Usage == nil {
		b.reply(msg.Chat.ID, "_Usage metrics are not enabled_")
		return
	}
	usage, err := b.deps.Usage.GetDailyUsage(ctx, 7)
	if err != nil {
		b.reply(msg.Chat.ID, "❌ Error fetching metrics.")
		return
	}
	b.reply(msg.Chat.ID, formatUsage(usage))
}

func (b *Bot) send(chatID int64, text string) (tgbotapi.Message, error) {
	m := tgbotapi.NewMessage(chatID, text)
	m.ParseMode = tgbotapi.ModeMarkdown
	return b.api.Send(m)
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.send(chatID, text); err != nil {
		b.logger.Warn("Failed to send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) edit(chatID int64, messageID int, text string) {
	e := tgbotapi.NewEditMessageText(chatID, messageID, text)
	e.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(e); err != nil {
		b.logger.Warn("Failed to edit message", "chat_id", chatID, "error", err)
	}
}
