package gossip

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/store"
	"github.com/highesttt/matrix-e2ee-core/pkg/todevice"
)

// RequestKey asks the given recipients to share the key described by
// body. At most one live request per (roomID, sessionID, senderKey)
// exists: a second logical request for the same key extends the existing
// request's recipient set instead of creating a duplicate, and an
// already-sent request is re-sent only to the newly added devices.
func (m *Manager) RequestKey(ctx context.Context, body event.RequestedKeyInfo, recipients map[id.UserID][]id.DeviceID) (*store.OutgoingKeyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, err := m.store.GetOutgoingRequestByBody(body)
	if err != nil {
		return nil, fmt.Errorf("outgoing request lookup: %w", err)
	}
	if existing != nil && existing.State == store.OutgoingStateCancellationPending {
		// A half-cancelled request for the same key blocks a fresh one.
		// Finish the cancellation first, then fall through to create.
		if err := m.finishCancellation(ctx, existing); err != nil {
			return nil, err
		}
		existing = nil
	}
	if existing != nil {
		return m.augmentRequest(ctx, existing, recipients)
	}

	request := &store.OutgoingKeyRequest{
		RequestID:  uuid.NewString(),
		Body:       body,
		Recipients: recipients,
		State:      store.OutgoingStateUnsent,
		CreatedAt:  jsontime.UM(m.clock()),
	}
	if err := m.store.PutOutgoingRequest(request); err != nil {
		return nil, fmt.Errorf("failed to store outgoing request: %w", err)
	}
	m.log.Info().
		Str("request_id", request.RequestID).
		Str("session_id", body.SessionID.String()).
		Msg("Issuing room key request")
	if err := m.sendRequest(ctx, request, request.Recipients); err != nil {
		// Stays UNSENT; SendPending retries it later.
		m.log.Warn().Err(err).Str("request_id", request.RequestID).Msg("Failed to dispatch key request")
		return request, nil
	}
	request.State = store.OutgoingStateSent
	if err := m.store.PutOutgoingRequest(request); err != nil {
		return nil, fmt.Errorf("failed to mark request sent: %w", err)
	}
	return request, nil
}

// augmentRequest merges newly discovered devices into an existing live
// request. For a request that already went out, only the new devices get
// a send; re-sending to the whole set would spam devices that already
// answered or declined.
func (m *Manager) augmentRequest(ctx context.Context, request *store.OutgoingKeyRequest, recipients map[id.UserID][]id.DeviceID) (*store.OutgoingKeyRequest, error) {
	added := make(map[id.UserID][]id.DeviceID)
	for userID, devices := range recipients {
		known := make(map[id.DeviceID]bool, len(request.Recipients[userID]))
		for _, deviceID := range request.Recipients[userID] {
			known[deviceID] = true
		}
		for _, deviceID := range devices {
			if !known[deviceID] {
				added[userID] = append(added[userID], deviceID)
				request.Recipients[userID] = append(request.Recipients[userID], deviceID)
			}
		}
	}
	if len(added) == 0 {
		return request, nil
	}
	if err := m.store.PutOutgoingRequest(request); err != nil {
		return nil, fmt.Errorf("failed to extend outgoing request: %w", err)
	}
	m.log.Debug().
		Str("request_id", request.RequestID).
		Int("new_recipients", len(added)).
		Msg("Extended recipients of existing key request")
	if request.State == store.OutgoingStateSent {
		if err := m.sendRequest(ctx, request, added); err != nil {
			m.log.Warn().Err(err).Str("request_id", request.RequestID).Msg("Failed to re-send key request to new devices")
		}
	}
	return request, nil
}

// CancelRequest stops asking for a key, typically because it arrived via
// another path. The cancellation reuses the original request id as the
// transaction id so recipients can correlate it.
func (m *Manager) CancelRequest(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, err := m.store.GetOutgoingRequest(requestID)
	if err != nil {
		return fmt.Errorf("outgoing request lookup: %w", err)
	}
	if request == nil || request.State.Terminal() {
		return nil
	}
	if request.State == store.OutgoingStateUnsent {
		// Nothing went out, so there is nothing to cancel on the wire.
		request.State = store.OutgoingStateCancelled
		return m.store.PutOutgoingRequest(request)
	}
	request.State = store.OutgoingStateCancellationPending
	if err := m.store.PutOutgoingRequest(request); err != nil {
		return fmt.Errorf("failed to mark request for cancellation: %w", err)
	}
	return m.finishCancellation(ctx, request)
}

func (m *Manager) finishCancellation(ctx context.Context, request *store.OutgoingKeyRequest) error {
	content := &event.Content{Parsed: &event.RoomKeyRequestEventContent{
		Action:             event.KeyRequestActionCancel,
		RequestingDeviceID: m.ownDeviceID,
		RequestID:          request.RequestID,
	}}
	if err := m.sender.Send(ctx, event.ToDeviceRoomKeyRequest, fanOut(request.Recipients, content)); err != nil {
		return fmt.Errorf("failed to send cancellation: %w", err)
	}
	request.State = store.OutgoingStateCancelled
	if err := m.store.PutOutgoingRequest(request); err != nil {
		return fmt.Errorf("failed to mark request cancelled: %w", err)
	}
	m.log.Info().Str("request_id", request.RequestID).Msg("Room key request cancelled")
	return nil
}

// SendPending re-dispatches requests that never made it out and finishes
// interrupted cancellations. Called after startup once the send path is
// up.
func (m *Manager) SendPending(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, err := m.store.GetPendingOutgoingRequests()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to load pending outgoing requests")
		return
	}
	for _, request := range pending {
		switch request.State {
		case store.OutgoingStateUnsent:
			if err := m.sendRequest(ctx, request, request.Recipients); err != nil {
				m.log.Warn().Err(err).Str("request_id", request.RequestID).Msg("Failed to dispatch pending key request")
				continue
			}
			request.State = store.OutgoingStateSent
			if err := m.store.PutOutgoingRequest(request); err != nil {
				m.log.Warn().Err(err).Str("request_id", request.RequestID).Msg("Failed to mark pending request sent")
			}
		case store.OutgoingStateCancellationPending:
			if err := m.finishCancellation(ctx, request); err != nil {
				m.log.Warn().Err(err).Str("request_id", request.RequestID).Msg("Failed to finish pending cancellation")
			}
		}
	}
}

func (m *Manager) sendRequest(ctx context.Context, request *store.OutgoingKeyRequest, recipients map[id.UserID][]id.DeviceID) error {
	content := &event.Content{Parsed: &event.RoomKeyRequestEventContent{
		Body:               request.Body,
		Action:             event.KeyRequestActionRequest,
		RequestingDeviceID: m.ownDeviceID,
		RequestID:          request.RequestID,
	}}
	return m.sender.Send(ctx, event.ToDeviceRoomKeyRequest, fanOut(recipients, content))
}

func fanOut(recipients map[id.UserID][]id.DeviceID, content *event.Content) todevice.Messages {
	messages := make(todevice.Messages, len(recipients))
	for userID, devices := range recipients {
		messages[userID] = make(map[id.DeviceID]*event.Content, len(devices))
		for _, deviceID := range devices {
			messages[userID][deviceID] = content
		}
	}
	return messages
}
