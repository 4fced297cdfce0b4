// Package alert forwards operator-relevant lifecycle events to a Telegram chat.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"meetai/internal/bus"
	"meetai/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	maxMessageLen = 4000
	maxSendRetry  = 3
	queueSize     = 64
)

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier delivers alerts asynchronously. With a nil Sender alerts are only
// logged.
type Notifier struct {
	sender Sender
	chatID int64
	logger *slog.Logger
	queue  chan string
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewNotifier(sender Sender, chatID int64, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sender: sender,
		chatID: chatID,
		logger: logger.With("component", "alert"),
		queue:  make(chan string, queueSize),
		sleep:  sleepCtx,
	}
}

// NewTelegram connects a bot with the given token.
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	n := NewNotifier(bot, chatID, logger)
	n.logger.Info("telegram alerts enabled", "username", bot.Self.UserName, "chat_id", chatID)
	return n, nil
}

// Subscribe routes join failures, exhausted reconciliation and failed jobs to
// the notifier.
func (n *Notifier) Subscribe(eb *bus.EventBus) {
	for _, typ := range []string{bus.EventAgentJoinFailed, bus.EventReconcileExhausted, bus.EventJobFailed} {
		eb.On(typ, func(e bus.Event) { n.Enqueue(Format(e)) })
	}
}

// Enqueue schedules a message without blocking. When the queue is full the
// alert is logged and dropped.
func (n *Notifier) Enqueue(text string) {
	select {
	case n.queue <- text:
		metrics.AlertQueueDepth.Set(int64(len(n.queue)))
	default:
		n.logger.Warn("alert queue full, dropping alert", "text", text)
	}
}

// Run sends queued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			n.deliver(ctx, text)
		}
	}
}

// Drain sends whatever is queued and returns once the queue is empty or ctx
// is done. Short-lived commands call it instead of Run.
func (n *Notifier) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case text := <-n.queue:
			n.deliver(ctx, text)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, text string) {
	metrics.AlertQueueDepth.Set(int64(len(n.queue)))
	if err := n.Notify(ctx, text); err != nil && ctx.Err() == nil {
		n.logger.Error("alert delivery failed", "err", err)
	}
}

// Notify sends text synchronously, splitting it into message-sized chunks.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	if n.sender == nil {
		n.logger.Warn("alert", "text", text)
		return nil
	}
	for _, chunk := range split(text, maxMessageLen) {
		if err := n.sendChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) sendChunk(ctx context.Context, text string) error {
	var err error
	for attempt := 0; attempt <= maxSendRetry; attempt++ {
		_, err = n.sender.Send(tgbotapi.NewMessage(n.chatID, text))
		if err == nil {
			return nil
		}

		backoff := time.Duration(attempt+1) * time.Second
		if s := err.Error(); strings.Contains(s, "Too Many Requests") || strings.Contains(s, "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
			n.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			n.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}
		if attempt == maxSendRetry {
			break
		}
		if serr := n.sleep(ctx, backoff); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", maxSendRetry+1, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// split cuts text at newlines where possible.
func split(text string, maxLen int) []string {
	var out []string
	for len(text) > maxLen {
		cut := strings.LastIndex(text[:maxLen], "\n")
		if cut < maxLen/2 {
			cut = maxLen
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// Format renders a lifecycle event as an alert line.
func Format(e bus.Event) string {
	var sb strings.Builder
	switch e.Type {
	case bus.EventAgentJoinFailed:
		sb.WriteString("Agent failed to join meeting ")
	case bus.EventReconcileExhausted:
		sb.WriteString("Gave up joining an agent to meeting ")
	case bus.EventJobFailed:
		sb.WriteString("Post-processing failed for meeting ")
	default:
		sb.WriteString(e.Type + " for meeting ")
	}
	sb.WriteString(e.MeetingID)
	for _, k := range []string{"agent_id", "attempts", "job_id", "error"} {
		if v, ok := e.Payload[k]; ok {
			fmt.Fprintf(&sb, "\n%s: %v", k, v)
		}
	}
	return sb.String()
}
