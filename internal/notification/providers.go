package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	api     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   int64
	Enabled  bool
	// APIEndpoint overrides tgbotapi.APIEndpoint, e.g. for a local bot API.
	APIEndpoint string
}

// NewTelegramNotifier authorizes the bot. A disabled or incomplete config
// yields a disabled notifier without touching the network.
func NewTelegramNotifier(config TelegramConfig) (*TelegramNotifier, error) {
	if !config.Enabled || config.BotToken == "" || config.ChatID == 0 {
		return &TelegramNotifier{}, nil
	}
	endpoint := config.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithClient(config.BotToken, endpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{api: api, chatID: config.ChatID, enabled: true}, nil
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, notification *Notification) error {
	if !t.enabled {
		return nil
	}
	msg := tgbotapi.NewMessage(t.chatID, notification.Text())
	msg.DisableWebPagePreview = true
	msg.DisableNotification = notification.Severity < SeverityWarning
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
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
	client     *resty.Client
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
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
			}),
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	switch notification.Severity {
	case SeverityWarning:
		color = 0xFFA500
	case SeverityCritical:
		color = 0xFF0000
	}

	embed := discordEmbed{
		Title:       notification.Severity.emoji() + " " + notification.Title,
		Description: notification.Message,
		Color:       color,
		Timestamp:   notification.Timestamp.UTC().Format(time.RFC3339),
	}
	if notification.Symbol != "" {
		embed.Fields = append(embed.Fields, discordField{Name: "Symbol", Value: notification.Symbol, Inline: true})
	}
	for _, k := range notification.fieldNames() {
		embed.Fields = append(embed.Fields, discordField{Name: k, Value: notification.Fields[k], Inline: true})
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(discordPayload{Embeds: []discordEmbed{embed}}).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode())
	}
	return nil
}
