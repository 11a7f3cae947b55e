// Package gossip implements the room key request protocol: tracking
// requests received from other devices, and issuing, deduplicating, and
// cancelling this device's own requests.
package gossip

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/store"
	"github.com/highesttt/matrix-e2ee-core/pkg/todevice"
)

const requestSendAttempts = 3

// ShareFunc performs the actual key share for an approved incoming
// request (building and sending the forwarded room key is the key-share
// policy's business, not this manager's).
type ShareFunc func(ctx context.Context, request *store.IncomingKeyRequest) error

// Manager is the gossiping state machine. All request state transitions
// go through its mutex, so a network-driven cancellation and a
// user-driven share decision for the same request are linearized: exactly
// one wins.
type Manager struct {
	store       store.Store
	sender      *todevice.RetrySender
	share       ShareFunc
	ownDeviceID id.DeviceID
	log         zerolog.Logger
	clock       func() time.Time

	mu sync.Mutex

	// onIncoming, if set, is told about new pending incoming requests so
	// the caller can prompt the user.
	onIncoming func(request *store.IncomingKeyRequest)
}

type Option func(*Manager)

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithRetryInterval overrides the send retry backoff seed.
func WithRetryInterval(interval time.Duration) Option {
	return func(m *Manager) {
		m.sender.InitialInterval = interval
	}
}

// WithIncomingRequestListener registers a callback for newly stored
// incoming requests.
func WithIncomingRequestListener(fn func(request *store.IncomingKeyRequest)) Option {
	return func(m *Manager) {
		m.onIncoming = fn
	}
}

func NewManager(st store.Store, sender todevice.Sender, share ShareFunc, ownDeviceID id.DeviceID, log zerolog.Logger, opts ...Option) *Manager {
	logger := log.With().Str("component", "gossip").Logger()
	m := &Manager{
		store: st,
		sender: &todevice.RetrySender{
			Sender:      sender,
			Log:         logger,
			MaxAttempts: requestSendAttempts,
		},
		share:       share,
		ownDeviceID: ownDeviceID,
		log:         logger,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleRequestEvent processes an m.room_key_request to-device event.
// Malformed bodies are dropped at parse time: they are not requests we
// understand, so there is nothing to store and nothing to raise.
func (m *Manager) HandleRequestEvent(ctx context.Context, evt *event.Event) {
	if err := evt.Content.ParseRaw(event.ToDeviceRoomKeyRequest); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		m.log.Debug().Err(err).Str("sender", evt.Sender.String()).Msg("Dropping unparseable key request")
		return
	}
	content, ok := evt.Content.Parsed.(*event.RoomKeyRequestEventContent)
	if !ok || content.RequestID == "" || content.RequestingDeviceID == "" {
		m.log.Debug().Str("sender", evt.Sender.String()).Msg("Dropping key request without request/device id")
		return
	}
	switch content.Action {
	case event.KeyRequestActionRequest:
		m.handleIncomingRequest(evt.Sender, content)
	case event.KeyRequestActionCancel:
		m.handleIncomingCancellation(evt.Sender, content)
	default:
		m.log.Debug().
			Str("action", string(content.Action)).
			Str("sender", evt.Sender.String()).
			Msg("Dropping key request with unknown action")
	}
}

func (m *Manager) handleIncomingRequest(sender id.UserID, content *event.RoomKeyRequestEventContent) {
	body := content.Body
	if body.RoomID == "" || body.SessionID == "" || body.Algorithm == "" {
		m.log.Debug().
			Str("sender", sender.String()).
			Str("request_id", content.RequestID).
			Msg("Dropping key request with incomplete body")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, err := m.store.GetIncomingRequest(sender, content.RequestingDeviceID, content.RequestID)
	if err != nil {
		m.log.Warn().Err(err).Msg("Incoming request lookup failed")
		return
	}
	if existing != nil {
		return
	}
	request := &store.IncomingKeyRequest{
		UserID:    sender,
		DeviceID:  content.RequestingDeviceID,
		RequestID: content.RequestID,
		Body:      body,
		State:     store.IncomingStateRequested,
		CreatedAt: jsontime.UM(m.clock()),
	}
	if err := m.store.PutIncomingRequest(request); err != nil {
		m.log.Warn().Err(err).Msg("Failed to store incoming key request")
		return
	}
	m.log.Info().
		Str("user_id", sender.String()).
		Str("device_id", content.RequestingDeviceID.String()).
		Str("request_id", content.RequestID).
		Str("session_id", body.SessionID.String()).
		Msg("Received room key request")
	if m.onIncoming != nil {
		m.onIncoming(request)
	}
}

// handleIncomingCancellation deletes a still-pending request. There is
// nothing to show the user once the requester gave up, so the record is
// removed rather than moved to a terminal state. A request that was
// already shared or ignored stays as it is.
func (m *Manager) handleIncomingCancellation(sender id.UserID, content *event.RoomKeyRequestEventContent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, err := m.store.GetIncomingRequest(sender, content.RequestingDeviceID, content.RequestID)
	if err != nil {
		m.log.Warn().Err(err).Msg("Incoming request lookup failed")
		return
	}
	if existing == nil || existing.State != store.IncomingStateRequested {
		return
	}
	if err := m.store.DeleteIncomingRequest(sender, content.RequestingDeviceID, content.RequestID); err != nil {
		m.log.Warn().Err(err).Msg("Failed to delete cancelled key request")
		return
	}
	m.log.Info().
		Str("user_id", sender.String()).
		Str("request_id", content.RequestID).
		Msg("Room key request cancelled by requester")
}

// ShareRequestedKey approves the pending request with the given id and
// performs the share. Terminal requests are left untouched.
func (m *Manager) ShareRequestedKey(ctx context.Context, requestID string) error {
	return m.decide(ctx, requestID, store.IncomingStateShared)
}

// IgnoreRequestedKey marks the pending request as ignored. Ignoring an
// already-shared request is a no-op.
func (m *Manager) IgnoreRequestedKey(ctx context.Context, requestID string) error {
	return m.decide(ctx, requestID, store.IncomingStateIgnored)
}

func (m *Manager) decide(ctx context.Context, requestID string, decision store.IncomingRequestState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, err := m.findIncoming(requestID)
	if err != nil {
		return err
	}
	if request == nil {
		m.log.Debug().Str("request_id", requestID).Msg("No pending request with this id, ignoring decision")
		return nil
	}
	// Terminal states are monotonic: a second decision never wins.
	if request.State.Terminal() {
		return nil
	}
	if decision == store.IncomingStateShared {
		if m.share == nil {
			return errors.New("no share action configured")
		}
		if err := m.share(ctx, request); err != nil {
			return err
		}
	}
	request.State = decision
	if err := m.store.PutIncomingRequest(request); err != nil {
		return err
	}
	m.log.Info().
		Str("request_id", requestID).
		Str("state", string(decision)).
		Msg("Room key request decided")
	return nil
}

// findIncoming resolves a pending request by request id alone. Request
// ids are transaction ids chosen by the requester; collisions across
// requesters are resolved to the oldest pending record.
func (m *Manager) findIncoming(requestID string) (*store.IncomingKeyRequest, error) {
	pending, err := m.store.GetPendingIncomingRequests()
	if err != nil {
		return nil, err
	}
	var found *store.IncomingKeyRequest
	for _, request := range pending {
		if request.RequestID != requestID {
			continue
		}
		if found == nil || request.CreatedAt.Before(found.CreatedAt.Time) {
			found = request
		}
	}
	return found, nil
}
