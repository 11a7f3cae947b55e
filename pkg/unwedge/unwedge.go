// Package unwedge repairs desynchronized olm sessions. When a device can
// no longer decrypt a peer's messages, the coordinator forces a brand-new
// session with that peer and sends a canary so the peer learns about it.
package unwedge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/todevice"
)

// MinForcePeriod is the cool-down between forced session creations for
// one device. It is the sole gate against re-keying churn: a flaky peer
// or an attacker replaying bad messages cannot force more than one new
// session per period.
const MinForcePeriod = time.Hour

// CanarySendAttempts bounds retries of the post-repair dummy send.
const CanarySendAttempts = 3

// SessionForcer is the ratchet-library face of session repair.
type SessionForcer interface {
	// ForceNewSession discards any existing olm session with the device
	// and establishes a fresh one, persisting it.
	ForceNewSession(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error
	// EncryptToDevice encrypts a to-device payload for the device over
	// its current (just forced) session.
	EncryptToDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID, eventType event.Type, content *event.Content) (*event.Content, error)
}

type deviceRef struct {
	userID   id.UserID
	deviceID id.DeviceID
}

// Coordinator rate-limits and executes session repair. The last-forced
// map is owned state injected at construction, never a package global.
type Coordinator struct {
	forcer SessionForcer
	sender *todevice.RetrySender
	log    zerolog.Logger
	clock  func() time.Time

	mu         sync.Mutex
	lastForced map[deviceRef]time.Time

	inFlight sync.WaitGroup
}

type Option func(*Coordinator)

// WithClock replaces the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithRetryInterval overrides the canary retry backoff seed.
func WithRetryInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		c.sender.InitialInterval = interval
	}
}

func NewCoordinator(forcer SessionForcer, sender todevice.Sender, log zerolog.Logger, opts ...Option) *Coordinator {
	logger := log.With().Str("component", "session repair").Logger()
	c := &Coordinator{
		forcer: forcer,
		sender: &todevice.RetrySender{
			Sender:      sender,
			Log:         logger,
			MaxAttempts: CanarySendAttempts,
		},
		log:        logger,
		clock:      time.Now,
		lastForced: make(map[deviceRef]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MarkForRepair requests a forced re-key with (userID, deviceID). The
// cool-down check and the timestamp update are one critical section, so
// two near-simultaneous triggers cannot both pass; the loser is a no-op.
// The repair itself runs in the background and is never surfaced to the
// caller: failures are logged and the next decryption failure after the
// cool-down retries naturally.
func (c *Coordinator) MarkForRepair(userID id.UserID, deviceID id.DeviceID) {
	ref := deviceRef{userID: userID, deviceID: deviceID}
	now := c.clock()
	c.mu.Lock()
	if last, ok := c.lastForced[ref]; ok && now.Sub(last) < MinForcePeriod {
		c.mu.Unlock()
		c.log.Debug().
			Str("user_id", userID.String()).
			Str("device_id", deviceID.String()).
			Time("last_forced", last).
			Msg("Not forcing new session, last attempt was too recent")
		return
	}
	// Recorded before the repair runs so duplicate triggers in the same
	// tick are already suppressed.
	c.lastForced[ref] = now
	c.mu.Unlock()

	c.inFlight.Add(1)
	go func() {
		defer c.inFlight.Done()
		c.repair(context.Background(), userID, deviceID)
	}()
}

// Flush waits for in-flight repairs, for shutdown and tests.
func (c *Coordinator) Flush() {
	c.inFlight.Wait()
}

func (c *Coordinator) repair(ctx context.Context, userID id.UserID, deviceID id.DeviceID) {
	log := c.log.With().
		Str("user_id", userID.String()).
		Str("device_id", deviceID.String()).
		Logger()
	log.Info().Msg("Forcing new olm session")
	if err := c.forcer.ForceNewSession(ctx, userID, deviceID); err != nil {
		log.Warn().Err(err).Msg("Failed to force new session")
		return
	}
	if err := c.sendCanary(ctx, userID, deviceID); err != nil {
		// Best effort: the next real exchange re-triggers repair if the
		// session is still wedged.
		log.Warn().Err(err).Msg("Failed to send canary over new session")
		return
	}
	log.Info().Msg("Session repaired, canary sent")
}

// sendCanary encrypts an m.dummy event over the fresh session and sends
// it, so the peer switches to the new session too.
func (c *Coordinator) sendCanary(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error {
	canary := &event.Content{Parsed: &event.DummyEventContent{}}
	encrypted, err := c.forcer.EncryptToDevice(ctx, userID, deviceID, event.ToDeviceDummy, canary)
	if err != nil {
		return fmt.Errorf("failed to encrypt canary: %w", err)
	}
	return c.sender.Send(ctx, event.ToDeviceEncrypted, todevice.Messages{
		userID: {deviceID: encrypted},
	})
}
