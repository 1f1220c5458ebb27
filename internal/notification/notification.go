package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"wyckoff-signal-bot/internal/fuser"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifySignal NotificationType = "signal"
	NotifyError  NotificationType = "error"
	NotifyInfo   NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Direction string
	Price     float64
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers. Delivery is best
// effort: provider errors are logged and never propagate to callers.
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				log.Printf("[NOTIFY] %s delivery failed: %v", n.Name(), err)
				lastErr = err
			}
		}
	}
	return lastErr
}

// PublishSignal formats and fans out an emitted trade signal. Implements
// the fuser's Publisher interface; delivery failures are swallowed.
func (m *Manager) PublishSignal(sig *fuser.Signal) {
	emoji := "🟢"
	if sig.Direction == "SHORT" {
		emoji = "🔴"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s (%s)\n", sig.Direction, sig.Symbol, sig.Timeframe, tierLabel(sig.Tier))
	fmt.Fprintf(&b, "Confidence: %.0f%%\n", sig.Confidence*100)
	fmt.Fprintf(&b, "Entry: %.4f\n", sig.Entry)
	fmt.Fprintf(&b, "SL: %.4f\n", sig.StopLoss)
	fmt.Fprintf(&b, "TP1: %.4f | TP2: %.4f | TP3: %.4f", sig.TP1, sig.TP2, sig.TP3)

	m.Send(&Notification{
		Type:      NotifySignal,
		Title:     fmt.Sprintf("%s Signal: %s", emoji, sig.Symbol),
		Message:   b.String(),
		Symbol:    sig.Symbol,
		Direction: string(sig.Direction),
		Price:     sig.Entry,
		Timestamp: sig.CreatedAt,
		Extra: map[string]interface{}{
			"tier":       sig.Tier,
			"timeframe":  sig.Timeframe,
			"confidence": sig.Confidence,
		},
	})
}

// SendInfo sends an informational notice (startup, shutdown)
func (m *Manager) SendInfo(title, message string) {
	m.Send(&Notification{
		Type:      NotifyInfo,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// SendError sends an error notification
func (m *Manager) SendError(title, message string) {
	m.Send(&Notification{
		Type:      NotifyError,
		Title:     fmt.Sprintf("⚠️ %s", title),
		Message:   message,
		Timestamp: time.Now(),
	})
}

func tierLabel(tier string) string {
	return "Tier " + tier
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	if notification.Direction == "SHORT" {
		color = 0xFF4500 // Orange-red
	}
	if notification.Type == NotifyError {
		color = 0xFF0000 // Red
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", notification.Price), "inline": true,
			})
		}
		if tf, ok := notification.Extra["timeframe"]; ok {
			fields = append(fields, map[string]interface{}{
				"name": "Timeframe", "value": fmt.Sprintf("%v", tf), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
