// Package notify delivers operator alerts.
package notify

import "context"

// Notifier is told about events an operator should see without reading logs.
type Notifier interface {
	Started(ctx context.Context, players, queued, stored int) error
	JobDropped(ctx context.Context, matchID int64, retries int, lastErr error) error
	StartupFailed(ctx context.Context, err error) error
}

// Nop discards every alert.
type Nop struct{}

func (Nop) Started(context.Context, int, int, int) error { return nil }
func (Nop) JobDropped(context.Context, int64, int, error) error { return nil }
func (Nop) StartupFailed(context.Context, error) error { return nil }

// New returns a Discord notifier for webhookURL, or Nop when it is empty.
func New(webhookURL string) Notifier {
	if webhookURL == "" {
		return Nop{}
	}
	return NewDiscord(webhookURL)
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*Discord)(nil)
)
