package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"

	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/observability"
)

const channelTelegram = "telegram"

// Sender is the subset of *telebot.Bot used for delivery.
type Sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// chatRecipient addresses a chat by numeric id or @channel name.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

// TelegramNotifier sends one Markdown message per alert, with no retry.
type TelegramNotifier struct {
	sender Sender
	chat   chatRecipient
	logger *zap.Logger
}

// NewTelegramNotifier builds an offline bot (no getMe round trip at startup).
func NewTelegramNotifier(cfg Config, logger *zap.Logger) (*TelegramNotifier, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" || strings.TrimSpace(cfg.TelegramChatID) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	bot, err := telebot.NewBot(telebot.Settings{
		Token:   cfg.TelegramToken,
		URL:     cfg.TelegramAPIURL,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return NewTelegramNotifierWithSender(bot, cfg.TelegramChatID, logger), nil
}

func NewTelegramNotifierWithSender(sender Sender, chatID string, logger *zap.Logger) *TelegramNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramNotifier{sender: sender, chat: chatRecipient(chatID), logger: logger}
}

func (n *TelegramNotifier) Notify(ctx context.Context, a Alert) {
	if !shouldNotify(a) {
		observability.NotificationsTotal.WithLabelValues(channelTelegram, "skipped").Inc()
		return
	}
	if ctx.Err() != nil {
		observability.NotificationsTotal.WithLabelValues(channelTelegram, "failed").Inc()
		n.logger.Warn("alert not sent, context done",
			zap.String("neighborhood", a.Neighborhood), zap.Error(ctx.Err()))
		return
	}

	if _, err := n.sender.Send(n.chat, FormatAlert(a), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown}); err != nil {
		observability.NotificationsTotal.WithLabelValues(channelTelegram, "failed").Inc()
		n.logger.Error("telegram alert failed",
			zap.String("neighborhood", a.Neighborhood),
			zap.String("risk", a.Risk.String()),
			zap.Error(err))
		return
	}
	observability.NotificationsTotal.WithLabelValues(channelTelegram, "sent").Inc()
	n.logger.Info("telegram alert sent",
		zap.String("neighborhood", a.Neighborhood),
		zap.String("risk", a.Risk.String()))
}

// FormatAlert renders the Markdown alert body.
func FormatAlert(a Alert) string {
	icon := "⚠️"
	if a.Risk == models.RiskHigh {
		icon = "🚨"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *RAIN RISK ALERT* %s\n\n", icon, icon)
	fmt.Fprintf(&b, "📍 *Neighborhood:* %s\n", a.Neighborhood)
	fmt.Fprintf(&b, "📢 *Risk:* %s\n\n", strings.ToUpper(a.Risk.String()))
	fmt.Fprintf(&b, "💧 *Rain (1h):* %.1f mm\n", a.RainNowMM)
	fmt.Fprintf(&b, "⏪ *Accumulated:* %.1f mm\n", a.RainPastMM)
	fmt.Fprintf(&b, "⏩ *Forecast:* %.1f mm\n\n", a.RainNextMM)
	fmt.Fprintf(&b, "🕒 %s UTC", a.ObservedAt.UTC().Format("15:04"))
	return b.String()
}
