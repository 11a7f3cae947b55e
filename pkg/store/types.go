package store

import (
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DeviceIdentity is one remote device as learned from a key query.
// Identities are never deleted implicitly; forgetting a device is an
// explicit store operation.
type DeviceIdentity struct {
	UserID      id.UserID     `json:"user_id"`
	DeviceID    id.DeviceID   `json:"device_id"`
	IdentityKey id.Curve25519 `json:"identity_key"`
	SigningKey  id.Ed25519    `json:"signing_key"`
	Trust       id.TrustState `json:"trust_state"`
	Blocked     bool          `json:"blocked"`
}

// DirectSession is this side's copy of a 1:1 olm session with a remote
// device. RatchetState is an opaque pickle owned by the ratchet library.
// At most one live session per sender key; repair replaces the whole
// record rather than mutating it.
type DirectSession struct {
	SenderKey    id.SenderKey `json:"sender_key"`
	SessionID    id.SessionID `json:"session_id"`
	RatchetState []byte       `json:"ratchet_state"`
}

// InboundGroupSession is the receiving side's copy of a megolm session.
// Identity is the (SessionID, SenderKey) pair and is immutable once
// created; only BackedUp and Trust may change afterwards.
type InboundGroupSession struct {
	SessionID    id.SessionID  `json:"session_id"`
	SenderKey    id.SenderKey  `json:"sender_key"`
	RoomID       id.RoomID     `json:"room_id"`
	RatchetState []byte        `json:"ratchet_state"`
	BackedUp     bool          `json:"backed_up"`
	Trust        id.TrustState `json:"trust_state"`
}

// WithheldRecord remembers that a sender deliberately refused to share a
// room key, so the caller can render "permanently undecryptable" instead
// of "waiting for key".
type WithheldRecord struct {
	RoomID    id.RoomID                 `json:"room_id"`
	Algorithm id.Algorithm              `json:"algorithm"`
	SessionID id.SessionID              `json:"session_id"`
	SenderKey id.SenderKey              `json:"sender_key"`
	Code      event.RoomKeyWithheldCode `json:"code"`
	Reason    string                    `json:"reason,omitempty"`
}

type IncomingRequestState string

const (
	IncomingStateRequested IncomingRequestState = "requested"
	IncomingStateShared    IncomingRequestState = "shared"
	IncomingStateIgnored   IncomingRequestState = "ignored"
)

// Terminal reports whether the state may never change again.
func (s IncomingRequestState) Terminal() bool {
	return s == IncomingStateShared || s == IncomingStateIgnored
}

// IncomingKeyRequest is a room key request received from another device,
// pending a share/ignore decision.
type IncomingKeyRequest struct {
	UserID    id.UserID              `json:"user_id"`
	DeviceID  id.DeviceID            `json:"device_id"`
	RequestID string                 `json:"request_id"`
	Body      event.RequestedKeyInfo `json:"body"`
	State     IncomingRequestState   `json:"state"`
	CreatedAt jsontime.UnixMilli     `json:"created_at"`
}

type OutgoingRequestState string

const (
	OutgoingStateUnsent              OutgoingRequestState = "unsent"
	OutgoingStateSent                OutgoingRequestState = "sent"
	OutgoingStateCancellationPending OutgoingRequestState = "cancellation_pending"
	OutgoingStateCancelled           OutgoingRequestState = "cancelled"
)

func (s OutgoingRequestState) Terminal() bool {
	return s == OutgoingStateCancelled
}

// OutgoingKeyRequest is a room key request this client has issued (or is
// about to issue) to other devices. Recipients maps each user to the
// devices known to need the request.
type OutgoingKeyRequest struct {
	RequestID  string                      `json:"request_id"`
	Body       event.RequestedKeyInfo      `json:"body"`
	Recipients map[id.UserID][]id.DeviceID `json:"recipients"`
	State      OutgoingRequestState        `json:"state"`
	CreatedAt  jsontime.UnixMilli          `json:"created_at"`
}
