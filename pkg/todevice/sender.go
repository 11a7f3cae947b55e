// Package todevice is the send path for to-device messages: a single
// network-attempt Sender supplied by the transport layer, plus a retrying
// wrapper with caller-chosen attempt bounds.
package todevice

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Messages is the standard to-device fan-out shape: per-user, per-device
// payloads.
type Messages = map[id.UserID]map[id.DeviceID]*event.Content

// Sender performs exactly one network attempt per call. Retrying is the
// caller's business.
type Sender interface {
	SendToDevice(ctx context.Context, eventType event.Type, messages Messages) error
}

// RetrySender wraps a Sender with a bounded exponential backoff.
type RetrySender struct {
	Sender      Sender
	Log         zerolog.Logger
	MaxAttempts uint64
	// InitialInterval overrides the backoff seed, mainly for tests.
	InitialInterval time.Duration
}

// Send attempts the underlying send up to MaxAttempts times, backing off
// between attempts. Attempts for a given call are sequential; there is no
// ordering across concurrent calls.
func (rs *RetrySender) Send(ctx context.Context, eventType event.Type, messages Messages) error {
	attempts := rs.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	if rs.InitialInterval > 0 {
		bo.InitialInterval = rs.InitialInterval
	}
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := rs.Sender.SendToDevice(ctx, eventType, messages)
		if err != nil {
			rs.Log.Warn().Err(err).
				Str("event_type", eventType.Type).
				Int("attempt", attempt).
				Msg("To-device send attempt failed")
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx))
	if err != nil {
		return fmt.Errorf("to-device send exhausted after %d attempts: %w", attempt, err)
	}
	return nil
}
