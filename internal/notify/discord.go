package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

const (
	// Colors for Discord embeds
	colorRed    = 15158332 // 0xE74C3C
	colorOrange = 15105570 // 0xE67E22
	colorGreen  = 5763719  // 0x57F287

	defaultWebhookTimeout = 10 * time.Second

	// Max attempts when Discord rate limits us
	maxRetries = 3
)

// WebhookPayload represents a Discord webhook message
type WebhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Embed represents a Discord embed
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

// NewJobDroppedPayload builds the alert for a match whose retry budget ran out.
func NewJobDroppedPayload(matchID int64, retries int, lastErr error) WebhookPayload {
	reason := "unknown"
	if lastErr != nil {
		reason = truncate(lastErr.Error(), 1000)
	}
	return WebhookPayload{
		Embeds: []Embed{
			{
				Title: "⚠️ Match Dropped",
				Color: colorOrange,
				Fields: []EmbedField{
					{Name: "Match", Value: strconv.FormatInt(matchID, 10), Inline: true},
					{Name: "Retries", Value: strconv.Itoa(retries), Inline: true},
					{Name: "Last Error", Value: reason},
				},
				Footer:    &EmbedFooter{Text: "Retry budget exhausted; the match will not be fetched again this run"},
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			},
		},
	}
}

// NewStartupFailedPayload builds the alert sent before the observer exits.
func NewStartupFailedPayload(err error) WebhookPayload {
	return WebhookPayload{
		Content: "@here Observer failed to start",
		Embeds: []Embed{
			{
				Title:       "🛑 Startup Failed",
				Description: truncate(err.Error(), 2000),
				Color:       colorRed,
				Timestamp:   time.Now().UTC().Format(time.RFC3339),
			},
		},
	}
}

// NewStartedPayload announces a fresh observer process.
func NewStartedPayload(players, queued, stored int) WebhookPayload {
	return WebhookPayload{
		Embeds: []Embed{
			{
				Title: "✅ Observer Started",
				Color: colorGreen,
				Fields: []EmbedField{
					{Name: "Tracked Players", Value: formatNumber(players), Inline: true},
					{Name: "Queued Jobs", Value: formatNumber(queued), Inline: true},
					{Name: "Stored Matches", Value: formatNumber(stored), Inline: true},
				},
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			},
		},
	}
}

// Discord sends notifications to a Discord webhook.
type Discord struct {
	webhookURL string
	httpClient *http.Client
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: defaultWebhookTimeout,
		},
	}
}

func (d *Discord) Started(ctx context.Context, players, queued, stored int) error {
	return d.sendPayload(ctx, NewStartedPayload(players, queued, stored))
}

func (d *Discord) JobDropped(ctx context.Context, matchID int64, retries int, lastErr error) error {
	return d.sendPayload(ctx, NewJobDroppedPayload(matchID, retries, lastErr))
}

func (d *Discord) StartupFailed(ctx context.Context, err error) error {
	return d.sendPayload(ctx, NewStartupFailedPayload(err))
}

// sendPayload posts a payload, retrying when Discord answers 429.
func (d *Discord) sendPayload(ctx context.Context, payload WebhookPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		resp.Body.Close()

		// Discord returns 204 No Content
		if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
			return nil
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := time.Second
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
				wait = time.Duration(secs) * time.Second
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}

		return fmt.Errorf("webhook request failed with status %d", resp.StatusCode)
	}

	return fmt.Errorf("webhook request failed after %d retries", maxRetries)
}

// formatNumber formats a number with commas (e.g., 47832 -> "47,832")
func formatNumber(n int) string {
	s := strconv.Itoa(n)
	if n < 1000 {
		return s
	}

	var b bytes.Buffer
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
