// Package notification delivers human-facing trade alerts over Telegram and
// a generic JSON webhook. Delivery is best effort; a failed send is logged
// and never blocks trading.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trend-portfolio-bot/internal/logging"
)

// Notification is one alert message
type Notification struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender is a single delivery channel
type Sender interface {
	Send(n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans one notification out to every configured channel
type Manager struct {
	senders []Sender
	enabled bool
	logger  *logging.Logger
}

// NewManager creates the notification manager
func NewManager(enabled bool, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		enabled: enabled,
		logger:  logger.WithComponent("notify"),
	}
}

// AddSender registers a delivery channel
func (m *Manager) AddSender(s Sender) {
	m.senders = append(m.senders, s)
}

// Notify sends a title and message to every enabled channel asynchronously.
// Satisfies the engine's Notifier interface.
func (m *Manager) Notify(title, message string) {
	if !m.enabled || len(m.senders) == 0 {
		return
	}

	n := &Notification{
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	}

	for _, s := range m.senders {
		if !s.IsEnabled() {
			continue
		}
		go func(s Sender) {
			if err := s.Send(n); err != nil {
				m.logger.WithError(err).Warn("notification delivery failed", "channel", s.Name())
			}
		}(s)
	}
}

// TelegramSender delivers alerts through the Telegram bot API
type TelegramSender struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram credentials
type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   string
}

// NewTelegramSender creates a Telegram channel
func NewTelegramSender(cfg TelegramConfig) *TelegramSender {
	return &TelegramSender{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSender) Name() string    { return "telegram" }
func (t *TelegramSender) IsEnabled() bool { return t.enabled }

func (t *TelegramSender) Send(n *Notification) error {
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// WebhookSender POSTs the notification as JSON to an operator-supplied URL
type WebhookSender struct {
	url     string
	enabled bool
	client  *http.Client
}

// WebhookConfig holds the generic webhook target
type WebhookConfig struct {
	Enabled bool
	URL     string
}

// NewWebhookSender creates a webhook channel
func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	return &WebhookSender{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSender) Name() string    { return "webhook" }
func (w *WebhookSender) IsEnabled() bool { return w.enabled }

func (w *WebhookSender) Send(n *Notification) error {
	jsonData, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
