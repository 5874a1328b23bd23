package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Bot API base URL
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramSender delivers messages through the Telegram Bot API
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a Telegram sender
func NewTelegramSender(token, chatID string, timeout time.Duration) *TelegramSender {
	return &TelegramSender{
		baseURL: DefaultTelegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: timeout},
	}
}

// WithBaseURL points the sender at another API host
func (s *TelegramSender) WithBaseURL(baseURL string) *TelegramSender {
	s.baseURL = strings.TrimRight(baseURL, "/")
	return s
}

func (s *TelegramSender) Name() string {
	return "telegram"
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send calls sendMessage
func (s *TelegramSender) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(telegramMessage{
		ChatID:                s.chatID,
		Text:                  msg.Title + "\n\n" + msg.Text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("failed to encode telegram message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	if err := postJSON(ctx, s.client, url, data); err != nil {
		// the url carries the bot token, keep it out of logs
		return fmt.Errorf("telegram sendMessage: %s", strings.ReplaceAll(err.Error(), s.token, "***"))
	}
	return nil
}
