// Package notify turns sync lifecycle events into Telegram alerts.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"flowsync/internal/events"
	"flowsync/internal/logging"
	"flowsync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender is the part of the Telegram bot API used for alerts.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// NewTelegramSender connects to the bot API with token.
func NewTelegramSender(token string, debug bool) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	bot.Debug = debug
	return bot, nil
}

// Notifier posts alerts for failed runs, dead-lettered entries and health
// transitions to every configured chat.
type Notifier struct {
	sender  Sender
	chatIDs []int64
	logger  *zerolog.Logger

	mu         sync.Mutex
	lastHealth string
}

func New(sender Sender, chatIDs []int64, logger *zerolog.Logger) *Notifier {
	return &Notifier{
		sender:     sender,
		chatIDs:    chatIDs,
		logger:     logging.Component(logger, "notify"),
		lastHealth: string(models.HealthHealthy),
	}
}

// Register subscribes the notifier to bus.
func (n *Notifier) Register(bus *events.EventBus) {
	bus.Subscribe(events.EventRunFinished, n.onRunFinished)
	bus.Subscribe(events.EventRetryDeadLettered, n.onDeadLettered)
	bus.Subscribe(events.EventHealthChecked, n.onHealthChecked)
}

func (n *Notifier) onRunFinished(e *events.Event) error {
	var p events.RunPayload
	if err := e.Decode(&p); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	if p.Status != string(models.SyncStatusFailed) && p.Status != string(models.SyncStatusPartial) {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Sync %s for tenant %s\n", p.Status, p.TenantID)
	fmt.Fprintf(&b, "Type: %s\nRun: %s\n", p.SyncType, p.RunID)
	fmt.Fprintf(&b, "Workflows: %d, executions: %d, failed items: %d\n", p.WorkflowsProcessed, p.ExecutionsProcessed, p.Failed)
	if p.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", p.Error)
	}
	return n.broadcast(b.String())
}

func (n *Notifier) onDeadLettered(e *events.Event) error {
	var p events.DeadLetterPayload
	if err := e.Decode(&p); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	text := fmt.Sprintf("🪦 Gave up on %s %s of tenant %s after %d retries\nLast error: %s",
		p.EntityType, p.EntityID, p.TenantID, p.RetryCount, p.LastError)
	return n.broadcast(text)
}

// onHealthChecked only alerts when the overall status changes.
func (n *Notifier) onHealthChecked(e *events.Event) error {
	var p events.HealthPayload
	if err := e.Decode(&p); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}

	n.mu.Lock()
	prev := n.lastHealth
	n.lastHealth = p.Status
	n.mu.Unlock()
	if prev == p.Status {
		return nil
	}

	var b strings.Builder
	if p.Status == string(models.HealthHealthy) {
		fmt.Fprintf(&b, "✅ Remote engines healthy again (%d/%d)", p.Passed, p.Checked)
	} else {
		fmt.Fprintf(&b, "🚨 Remote engines %s: %d/%d probes passed", p.Status, p.Passed, p.Checked)
		if len(p.Failing) > 0 {
			fmt.Fprintf(&b, "\nFailing: %s", strings.Join(p.Failing, ", "))
		}
	}
	return n.broadcast(b.String())
}

// broadcast sends text to every chat, continuing past failed chats.
func (n *Notifier) broadcast(text string) error {
	var errs []error
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := n.sender.Send(msg); err != nil {
			n.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send alert")
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}
