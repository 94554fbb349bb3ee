// Package telegram relays Telegram direct messages into scheduler turns —
// the "chat inbox" external event source persistent mode listens on
// (spec.md §1/§5). Adapted from the teacher's interfaces/telegram.Adapter:
// same bot-api polling loop and allowlist gating, with the large
// command/admin/skill/cron/miniapp surface (coding-agent-specific, no
// SPEC_FULL.md component needs it) trimmed to a plain relay.
package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/memory"
	"github.com/ngoclaw/gro/internal/scheduler"
	"github.com/ngoclaw/gro/pkg/safego"
)

// Config controls bot construction, trimmed from the teacher's
// interfaces/telegram.Config to the fields a plain relay needs.
type Config struct {
	BotToken       string
	AllowedUserIDs []int64
	Debug          bool
}

// Relay polls Telegram for direct messages, feeds each into the scheduler's
// memory buffer, runs one turn, and replies with the outcome's final text.
type Relay struct {
	bot          *tgbotapi.BotAPI
	cfg          Config
	logger       *zap.Logger
	systemPrompt string
	sched        *scheduler.Scheduler
	mem          *memory.Memory
	cancel       context.CancelFunc
}

// NewRelay authorizes the bot token and wires it to sched/mem.
func NewRelay(cfg Config, systemPrompt string, sched *scheduler.Scheduler, mem *memory.Memory, logger *zap.Logger) (*Relay, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	logger.Info("telegram relay authorized", zap.String("username", bot.Self.UserName))

	return &Relay{bot: bot, cfg: cfg, logger: logger, systemPrompt: systemPrompt, sched: sched, mem: mem}, nil
}

// Start begins long-polling; updates are handled one goroutine per update,
// same concurrency shape as the teacher's adapter.
func (r *Relay) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	innerCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	updates := r.bot.GetUpdatesChan(u)
	r.logger.Info("starting telegram polling")

	safego.Go(r.logger, "telegram-poll", func() {
		for {
			select {
			case <-innerCtx.Done():
				r.bot.StopReceivingUpdates()
				return
			case update := <-updates:
				u := update
				safego.Go(r.logger, "telegram-update", func() { r.handleUpdate(innerCtx, u) })
			}
		}
	})

	return nil
}

// Stop ends the polling loop.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Relay) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := update.Message
	if !r.isAllowed(msg.From.ID) {
		r.logger.Warn("rejected message from unauthorized user", zap.Int64("user_id", msg.From.ID))
		return
	}

	if err := r.mem.Add(ctx, entity.Message{Role: entity.RoleUser, Content: msg.Text}); err != nil {
		r.reply(msg.Chat.ID, "error: "+err.Error())
		return
	}

	outcome := r.sched.RunSession(ctx, r.systemPrompt)
	r.reply(msg.Chat.ID, outcome.FinalText)
}

func (r *Relay) reply(chatID int64, text string) {
	if text == "" {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := r.bot.Send(msg); err != nil {
		r.logger.Error("telegram send failed", zap.Error(err))
	}
}

func (r *Relay) isAllowed(userID int64) bool {
	if len(r.cfg.AllowedUserIDs) == 0 {
		return true
	}
	for _, id := range r.cfg.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
