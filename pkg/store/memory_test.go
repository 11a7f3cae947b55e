package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/store"
)

func TestGroupSessionIdentityImmutable(t *testing.T) {
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutGroupSession(&store.InboundGroupSession{
		SessionID:    "S1",
		SenderKey:    "KEY",
		RoomID:       "!room:example.org",
		RatchetState: []byte("pickle-v1"),
	}))

	// A second put for the same identity must not overwrite the ratchet
	// state, only the mutable metadata.
	require.NoError(t, ms.PutGroupSession(&store.InboundGroupSession{
		SessionID:    "S1",
		SenderKey:    "KEY",
		RoomID:       "!other:example.org",
		RatchetState: []byte("attacker-pickle"),
		BackedUp:     true,
	}))

	sess, err := ms.GetGroupSession("S1", "KEY")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, []byte("pickle-v1"), sess.RatchetState)
	assert.Equal(t, id.RoomID("!room:example.org"), sess.RoomID)
	assert.True(t, sess.BackedUp)
}

func TestGroupSessionCompositeKey(t *testing.T) {
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutGroupSession(&store.InboundGroupSession{SessionID: "S1", SenderKey: "KEY-A"}))

	sess, err := ms.GetGroupSession("S1", "KEY-B")
	require.NoError(t, err)
	assert.Nil(t, sess, "same session id with different sender key is a different session")
}

func TestDirectSessionReplacedWholesale(t *testing.T) {
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutDirectSession(&store.DirectSession{SenderKey: "KEY", SessionID: "old", RatchetState: []byte("old")}))
	require.NoError(t, ms.PutDirectSession(&store.DirectSession{SenderKey: "KEY", SessionID: "new", RatchetState: []byte("new")}))

	sess, err := ms.GetDirectSession("KEY")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, id.SessionID("new"), sess.SessionID)
}

func TestGetReturnsCopies(t *testing.T) {
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutDevice(&store.DeviceIdentity{UserID: "@alice:example.org", DeviceID: "DEV", IdentityKey: "KEY"}))

	dev, err := ms.GetDevice("@alice:example.org", "DEV")
	require.NoError(t, err)
	dev.Blocked = true

	again, err := ms.GetDevice("@alice:example.org", "DEV")
	require.NoError(t, err)
	assert.False(t, again.Blocked, "mutating a returned record must not touch the store")
}

func TestOutgoingRequestLookupByBody(t *testing.T) {
	ms := store.NewMemoryStore()
	body := event.RequestedKeyInfo{
		Algorithm: id.AlgorithmMegolmV1,
		RoomID:    "!room:example.org",
		SenderKey: "KEY",
		SessionID: "S1",
	}
	require.NoError(t, ms.PutOutgoingRequest(&store.OutgoingKeyRequest{
		RequestID: "req-1",
		Body:      body,
		State:     store.OutgoingStateCancelled,
	}))

	found, err := ms.GetOutgoingRequestByBody(body)
	require.NoError(t, err)
	assert.Nil(t, found, "terminal requests are not live")

	require.NoError(t, ms.PutOutgoingRequest(&store.OutgoingKeyRequest{
		RequestID: "req-2",
		Body:      body,
		State:     store.OutgoingStateSent,
	}))
	found, err = ms.GetOutgoingRequestByBody(body)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "req-2", found.RequestID)
}

func TestPendingIncomingExcludesTerminal(t *testing.T) {
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutIncomingRequest(&store.IncomingKeyRequest{
		UserID: "@a:x", DeviceID: "D1", RequestID: "r1", State: store.IncomingStateRequested,
	}))
	require.NoError(t, ms.PutIncomingRequest(&store.IncomingKeyRequest{
		UserID: "@a:x", DeviceID: "D1", RequestID: "r2", State: store.IncomingStateShared,
	}))

	pending, err := ms.GetPendingIncomingRequests()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].RequestID)
}
