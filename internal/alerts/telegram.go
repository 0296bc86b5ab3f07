package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"premium-hedge-bot/internal/config"

	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

// Telegram posts alerts to one chat. Repeats of a key are sent as
// replies to that key's previous message so each condition reads as a
// thread; info alerts arrive silently.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger

	mu      sync.Mutex
	threads map[string]int64
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
		threads: make(map[string]int64),
	}
}

type sendMessage struct {
	ChatID                   string `json:"chat_id"`
	Text                     string `json:"text"`
	ParseMode                string `json:"parse_mode"`
	DisableNotification      bool   `json:"disable_notification,omitempty"`
	ReplyToMessageID         int64  `json:"reply_to_message_id,omitempty"`
	AllowSendingWithoutReply bool   `json:"allow_sending_without_reply,omitempty"`
}

func (t *Telegram) Send(ctx context.Context, alert Alert) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(alert.Text) == "" {
		return errors.New("telegram message is empty")
	}
	msg := sendMessage{
		ChatID:              t.chatID,
		Text:                renderTelegram(alert),
		ParseMode:           "HTML",
		DisableNotification: alert.Level == LevelInfo,
	}
	if alert.Key != "" {
		t.mu.Lock()
		msg.ReplyToMessageID = t.threads[alert.Key]
		t.mu.Unlock()
		msg.AllowSendingWithoutReply = msg.ReplyToMessageID != 0
	}
	var sent Message
	if err := t.call(ctx, "sendMessage", msg, &sent); err != nil {
		return err
	}
	if alert.Key != "" && sent.MessageID != 0 {
		t.mu.Lock()
		t.threads[alert.Key] = sent.MessageID
		t.mu.Unlock()
	}
	t.log.Debug("telegram alert sent",
		zap.String("key", alert.Key),
		zap.String("level", string(alert.Level)),
		zap.Int64("reply_to", msg.ReplyToMessageID),
	)
	return nil
}

// renderTelegram formats an alert as Telegram HTML: level and key on the
// first line, the escaped text below.
func renderTelegram(alert Alert) string {
	level := alert.Level
	if level == "" {
		level = LevelInfo
	}
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(strings.ToUpper(string(level)))
	b.WriteString("</b>")
	if alert.Key != "" {
		b.WriteString(" <code>")
		b.WriteString(html.EscapeString(alert.Key))
		b.WriteString("</code>")
	}
	b.WriteString("\n")
	b.WriteString(html.EscapeString(alert.Text))
	return b.String()
}

// call posts payload to a Bot API method and decodes its result into out.
func (t *Telegram) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram %s failed: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram %s: decode response: %w", method, err)
	}
	if !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram %s failed: %s", method, desc)
	}
	if out == nil || len(result.Result) == 0 {
		return nil
	}
	return json.Unmarshal(result.Result, out)
}
