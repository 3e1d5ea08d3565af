// Package webhook posts operational notifications (source health changes)
// to a Discord-compatible webhook. A client with an empty URL is a no-op,
// so callers never need to branch on whether alerting is configured.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Message struct {
	Content string  `json:"content"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

type Embed struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Color       int       `json:"color"`
	Timestamp   time.Time `json:"timestamp"`
	Fields      []Field   `json:"fields,omitempty"`
}

type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type Client struct {
	webhookURL string
	httpClient *http.Client
}

func NewClient(webhookURL string) *Client {
	return &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Send(msg Message) error {
	if c.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook message: %w", err)
	}

	req, err := http.NewRequest("POST", c.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook request failed with status: %d", resp.StatusCode)
	}

	return nil
}

// SendDegraded announces that a source crossed the consecutive failure
// threshold.
func (c *Client) SendDegraded(source string, consecutiveFailures int, lastErr error) error {
	embed := Embed{
		Title:       "🚨 Ingestion source degraded",
		Description: fmt.Sprintf("Source %s has failed %d consecutive cycles", source, consecutiveFailures),
		Color:       0xFF0000,
		Timestamp:   time.Now(),
	}
	if lastErr != nil {
		embed.Fields = append(embed.Fields, Field{
			Name:  "last_error",
			Value: lastErr.Error(),
		})
	}
	return c.Send(Message{Embeds: []Embed{embed}})
}

// SendRecovered announces that a degraded source completed a cycle again.
func (c *Client) SendRecovered(source string) error {
	return c.Send(Message{Embeds: []Embed{{
		Title:       "✅ Ingestion source recovered",
		Description: fmt.Sprintf("Source %s completed a cycle after being degraded", source),
		Color:       0x00FF00,
		Timestamp:   time.Now(),
	}}})
}
