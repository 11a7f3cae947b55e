package store

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Store is the persistence collaborator for the session-management core.
// Implementations must make each call all-or-nothing; lookups return
// (nil, nil) when the record does not exist.
type Store interface {
	GetDevice(userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error)
	GetUserDevices(userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error)
	PutDevice(device *DeviceIdentity) error

	GetDirectSession(senderKey id.SenderKey) (*DirectSession, error)
	PutDirectSession(session *DirectSession) error

	GetGroupSession(sessionID id.SessionID, senderKey id.SenderKey) (*InboundGroupSession, error)
	PutGroupSession(session *InboundGroupSession) error

	GetWithheldRecord(sessionID id.SessionID, senderKey id.SenderKey) (*WithheldRecord, error)
	PutWithheldRecord(record *WithheldRecord) error

	GetIncomingRequest(userID id.UserID, deviceID id.DeviceID, requestID string) (*IncomingKeyRequest, error)
	PutIncomingRequest(request *IncomingKeyRequest) error
	DeleteIncomingRequest(userID id.UserID, deviceID id.DeviceID, requestID string) error
	GetPendingIncomingRequests() ([]*IncomingKeyRequest, error)

	GetOutgoingRequest(requestID string) (*OutgoingKeyRequest, error)
	// GetOutgoingRequestByBody finds the live (non-terminal) request for a
	// requested key, if any.
	GetOutgoingRequestByBody(body event.RequestedKeyInfo) (*OutgoingKeyRequest, error)
	PutOutgoingRequest(request *OutgoingKeyRequest) error
	GetPendingOutgoingRequests() ([]*OutgoingKeyRequest, error)
}
