package store

import (
	"fmt"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MemoryStore is an in-memory Store. Each call holds the store lock for
// its whole duration, which gives the all-or-nothing semantics the
// interface requires. It is the default store for tests and for clients
// that keep session state in the account database themselves.
type MemoryStore struct {
	mu sync.RWMutex

	devices         map[id.UserID]map[id.DeviceID]*DeviceIdentity
	directSessions  map[id.SenderKey]*DirectSession
	groupSessions   map[string]*InboundGroupSession
	withheld        map[string]*WithheldRecord
	incomingByKey   map[string]*IncomingKeyRequest
	outgoingByReqID map[string]*OutgoingKeyRequest
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:         make(map[id.UserID]map[id.DeviceID]*DeviceIdentity),
		directSessions:  make(map[id.SenderKey]*DirectSession),
		groupSessions:   make(map[string]*InboundGroupSession),
		withheld:        make(map[string]*WithheldRecord),
		incomingByKey:   make(map[string]*IncomingKeyRequest),
		outgoingByReqID: make(map[string]*OutgoingKeyRequest),
	}
}

func sessionKey(sessionID id.SessionID, senderKey id.SenderKey) string {
	return fmt.Sprintf("%s|%s", sessionID, senderKey)
}

func incomingKey(userID id.UserID, deviceID id.DeviceID, requestID string) string {
	return fmt.Sprintf("%s|%s|%s", userID, deviceID, requestID)
}

func (ms *MemoryStore) GetDevice(userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	dev := ms.devices[userID][deviceID]
	if dev == nil {
		return nil, nil
	}
	cp := *dev
	return &cp, nil
}

func (ms *MemoryStore) GetUserDevices(userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make(map[id.DeviceID]*DeviceIdentity, len(ms.devices[userID]))
	for devID, dev := range ms.devices[userID] {
		cp := *dev
		out[devID] = &cp
	}
	return out, nil
}

func (ms *MemoryStore) PutDevice(device *DeviceIdentity) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.devices[device.UserID] == nil {
		ms.devices[device.UserID] = make(map[id.DeviceID]*DeviceIdentity)
	}
	cp := *device
	ms.devices[device.UserID][device.DeviceID] = &cp
	return nil
}

func (ms *MemoryStore) GetDirectSession(senderKey id.SenderKey) (*DirectSession, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	sess := ms.directSessions[senderKey]
	if sess == nil {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

// PutDirectSession replaces the session for the sender key wholesale.
// One live session per device: a repair overwrites, it never merges.
func (ms *MemoryStore) PutDirectSession(session *DirectSession) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *session
	ms.directSessions[session.SenderKey] = &cp
	return nil
}

func (ms *MemoryStore) GetGroupSession(sessionID id.SessionID, senderKey id.SenderKey) (*InboundGroupSession, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	sess := ms.groupSessions[sessionKey(sessionID, senderKey)]
	if sess == nil {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

// PutGroupSession creates the session if absent. If a session with the
// same (sessionID, senderKey) already exists, only BackedUp and Trust are
// taken from the argument; the stored ratchet state is never overwritten.
func (ms *MemoryStore) PutGroupSession(session *InboundGroupSession) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	key := sessionKey(session.SessionID, session.SenderKey)
	if existing, ok := ms.groupSessions[key]; ok {
		existing.BackedUp = session.BackedUp
		existing.Trust = session.Trust
		return nil
	}
	cp := *session
	ms.groupSessions[key] = &cp
	return nil
}

func (ms *MemoryStore) GetWithheldRecord(sessionID id.SessionID, senderKey id.SenderKey) (*WithheldRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	rec := ms.withheld[sessionKey(sessionID, senderKey)]
	if rec == nil {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (ms *MemoryStore) PutWithheldRecord(record *WithheldRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *record
	ms.withheld[sessionKey(record.SessionID, record.SenderKey)] = &cp
	return nil
}

func (ms *MemoryStore) GetIncomingRequest(userID id.UserID, deviceID id.DeviceID, requestID string) (*IncomingKeyRequest, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	req := ms.incomingByKey[incomingKey(userID, deviceID, requestID)]
	if req == nil {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (ms *MemoryStore) PutIncomingRequest(request *IncomingKeyRequest) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *request
	ms.incomingByKey[incomingKey(request.UserID, request.DeviceID, request.RequestID)] = &cp
	return nil
}

func (ms *MemoryStore) DeleteIncomingRequest(userID id.UserID, deviceID id.DeviceID, requestID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.incomingByKey, incomingKey(userID, deviceID, requestID))
	return nil
}

func (ms *MemoryStore) GetPendingIncomingRequests() ([]*IncomingKeyRequest, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []*IncomingKeyRequest
	for _, req := range ms.incomingByKey {
		if !req.State.Terminal() {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (ms *MemoryStore) GetOutgoingRequest(requestID string) (*OutgoingKeyRequest, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	req := ms.outgoingByReqID[requestID]
	if req == nil {
		return nil, nil
	}
	return copyOutgoing(req), nil
}

func (ms *MemoryStore) GetOutgoingRequestByBody(body event.RequestedKeyInfo) (*OutgoingKeyRequest, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	for _, req := range ms.outgoingByReqID {
		if req.State.Terminal() {
			continue
		}
		if req.Body.RoomID == body.RoomID && req.Body.SessionID == body.SessionID && req.Body.SenderKey == body.SenderKey {
			return copyOutgoing(req), nil
		}
	}
	return nil, nil
}

func (ms *MemoryStore) PutOutgoingRequest(request *OutgoingKeyRequest) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.outgoingByReqID[request.RequestID] = copyOutgoing(request)
	return nil
}

func (ms *MemoryStore) GetPendingOutgoingRequests() ([]*OutgoingKeyRequest, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []*OutgoingKeyRequest
	for _, req := range ms.outgoingByReqID {
		if !req.State.Terminal() {
			out = append(out, copyOutgoing(req))
		}
	}
	return out, nil
}

func copyOutgoing(req *OutgoingKeyRequest) *OutgoingKeyRequest {
	cp := *req
	cp.Recipients = make(map[id.UserID][]id.DeviceID, len(req.Recipients))
	for userID, devices := range req.Recipients {
		cp.Recipients[userID] = append([]id.DeviceID(nil), devices...)
	}
	return &cp
}
