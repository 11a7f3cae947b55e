package decrypt_test

import (
	"context"
	"sync/atomic"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/store"
)

const ownIdentityKey = id.Curve25519("OwnCurveKey")

type fakeDirectRatchet struct {
	plaintext []byte
	err       error
	calls     atomic.Int32
}

func (f *fakeDirectRatchet) DecryptDirect(_ context.Context, _ id.SenderKey, _ id.OlmMsgType, _ string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.plaintext, nil
}

type fakeGroupRatchet struct {
	plaintext []byte
	index     uint32
	err       error
}

func (f *fakeGroupRatchet) DecryptGroup(_ context.Context, _ *store.InboundGroupSession, _ []byte) ([]byte, uint32, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.plaintext, f.index, nil
}

func (f *fakeGroupRatchet) ImportSessionKey(_ context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, _ string) (*store.InboundGroupSession, error) {
	return &store.InboundGroupSession{
		SessionID:    sessionID,
		SenderKey:    senderKey,
		RoomID:       roomID,
		RatchetState: []byte("imported"),
	}, nil
}

type fakeRepairer struct {
	calls    atomic.Int32
	lastUser id.UserID
	lastDev  id.DeviceID
}

func (f *fakeRepairer) MarkForRepair(userID id.UserID, deviceID id.DeviceID) {
	f.calls.Add(1)
	f.lastUser = userID
	f.lastDev = deviceID
}

func megolmEvent(roomID id.RoomID, sessionID id.SessionID, senderKey id.SenderKey) *event.Event {
	return &event.Event{
		ID:     "$megolm-event",
		RoomID: roomID,
		Sender: "@alice:example.org",
		Type:   event.EventEncrypted,
		Content: event.Content{Parsed: &event.EncryptedEventContent{
			Algorithm:        id.AlgorithmMegolmV1,
			SenderKey:        senderKey,
			SessionID:        sessionID,
			MegolmCiphertext: []byte("ciphertext"),
		}},
	}
}

func olmEvent(senderKey id.SenderKey) *event.Event {
	return &event.Event{
		ID:     "$olm-event",
		Sender: "@alice:example.org",
		Type:   event.ToDeviceEncrypted,
		Content: event.Content{Parsed: &event.EncryptedEventContent{
			Algorithm: id.AlgorithmOlmV1,
			SenderKey: senderKey,
			OlmCiphertext: event.OlmCiphertexts{
				ownIdentityKey: {Body: "ciphertext", Type: id.OlmMsgTypeMsg},
			},
		}},
	}
}
