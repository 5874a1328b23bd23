package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook payload formats
const (
	FormatGeneric = "generic"
	FormatSlack   = "slack"
	FormatDiscord = "discord"
)

// Sender delivers a message over one channel
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// WebhookSender posts messages as JSON to a webhook URL
type WebhookSender struct {
	url    string
	format string
	client *http.Client
}

// NewWebhookSender creates a webhook sender. Unknown formats fall back to generic.
func NewWebhookSender(url, format string, timeout time.Duration) *WebhookSender {
	switch format {
	case FormatSlack, FormatDiscord:
	default:
		format = FormatGeneric
	}
	return &WebhookSender{
		url:    url,
		format: format,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSender) Name() string {
	return "webhook"
}

type genericPayload struct {
	Event               Kind        `json:"event"`
	Title               string      `json:"title"`
	Message             string      `json:"message"`
	Server              string      `json:"server"`
	Status              string      `json:"status"`
	CorrelationID       string      `json:"correlationId"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	Attempt             interface{} `json:"attempt"`
}

type slackPayload struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

func (s *WebhookSender) payload(msg Message) interface{} {
	switch s.format {
	case FormatSlack:
		return slackPayload{Text: fmt.Sprintf("*%s*\n%s", msg.Title, msg.Text)}
	case FormatDiscord:
		return discordPayload{Embeds: []discordEmbed{{
			Title:       msg.Title,
			Description: msg.Text,
			Color:       discordColor(msg.Kind),
		}}}
	}
	return genericPayload{
		Event:               msg.Kind,
		Title:               msg.Title,
		Message:             msg.Text,
		Server:              msg.Attempt.ServerName,
		Status:              string(msg.Attempt.Status),
		CorrelationID:       msg.Attempt.CorrelationID,
		ConsecutiveFailures: msg.ConsecutiveFailures,
		Attempt:             msg.Attempt,
	}
}

func discordColor(kind Kind) int {
	switch kind {
	case KindFailure:
		return 0xE74C3C
	case KindPartial:
		return 0xF39C12
	}
	return 0x2ECC71
}

// Send posts the message
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(s.payload(msg))
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	return postJSON(ctx, s.client, s.url, data)
}

func postJSON(ctx context.Context, client *http.Client, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
