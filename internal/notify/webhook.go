// Package notify sends webhook notifications for solved blocks.
package notify

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ckstats/ckstatsd/internal/config"
	"github.com/ckstats/ckstatsd/internal/util"
)

const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

const telegramAPIBase = "https://api.telegram.org"

// BlockEvent describes a block solved by the pool.
type BlockEvent struct {
	Height  int64
	Hash    string
	Finder  string
	Reward  float64
	FoundAt time.Time
}

// Notifier delivers block notifications to Discord and Telegram.
type Notifier struct {
	cfg      config.NotifyConfig
	poolName string
	poolURL  string
	client   *http.Client

	// overridable for tests
	telegramBase string
}

func NewNotifier(cfg config.NotifyConfig, pool config.PoolConfig) *Notifier {
	return &Notifier{
		cfg:          cfg,
		poolName:     pool.Name,
		poolURL:      pool.URL,
		client:       &http.Client{Timeout: 10 * time.Second},
		telegramBase: telegramAPIBase,
	}
}

// NotifyBlockFound fans the event out to every configured channel.
func (n *Notifier) NotifyBlockFound(ev BlockEvent) {
	if n == nil || !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscord(ev)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegram(ev)
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscord(ev BlockEvent) {
	embed := DiscordEmbed{
		Title:       "Block Found!",
		Description: fmt.Sprintf("**%s** solved a new block!", n.poolName),
		Color:       0x00FF00, // Green
		Fields: []DiscordField{
			{Name: "Height", Value: fmt.Sprintf("%d", ev.Height), Inline: true},
			{Name: "Reward", Value: fmt.Sprintf("%.8f BTC", ev.Reward), Inline: true},
			{Name: "Finder", Value: util.TruncateAddress(ev.Finder), Inline: true},
			{Name: "Hash", Value: truncateHash(ev.Hash), Inline: false},
		},
		Timestamp: ev.FoundAt.UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.poolName,
		},
	}

	if n.poolURL != "" {
		embed.URL = n.poolURL
	}

	n.postWithRetry(n.cfg.DiscordURL, DiscordMessage{Embeds: []DiscordEmbed{embed}}, "Discord")
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegram(ev BlockEvent) {
	text := fmt.Sprintf(
		"*Block Found!*\n\n"+
			"Height: `%d`\n"+
			"Reward: `%.8f BTC`\n"+
			"Finder: `%s`\n"+
			"Hash: `%s`",
		ev.Height, ev.Reward,
		util.TruncateAddress(ev.Finder), truncateHash(ev.Hash),
	)

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramBase, n.cfg.TelegramBot)
	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	n.postWithRetry(url, msg, "Telegram")
}

// postWithRetry posts JSON with exponential backoff: 2s, 4s, 8s.
func (n *Notifier) postWithRetry(url string, payload interface{}, channel string) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		util.Warnf("Failed to marshal %s message: %v", channel, err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}

		// Rate limited - wait longer
		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send %s notification after %d retries: %v", channel, MaxRetries, lastErr)
	}
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
