package decrypt_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/decrypt"
	"github.com/highesttt/matrix-e2ee-core/pkg/store"
)

func newRegistry(t *testing.T) (*decrypt.Registry, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	reg := decrypt.NewRegistry(ms, &fakeDirectRatchet{}, &fakeGroupRatchet{}, ownIdentityKey, zerolog.Nop())
	return reg, ms
}

func TestRegistryIdempotentUnderConcurrency(t *testing.T) {
	reg, _ := newRegistry(t)

	const workers = 16
	results := make([]decrypt.Decryptor, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dec, err := reg.GetOrCreate("!room:example.org", id.AlgorithmMegolmV1)
			require.NoError(t, err)
			results[i] = dec
		}(i)
	}
	wg.Wait()

	cached := reg.GetRoomDecryptor("!room:example.org", id.AlgorithmMegolmV1)
	require.NotNil(t, cached)
	for i := 0; i < workers; i++ {
		assert.Same(t, cached, results[i])
	}
}

func TestRegistryUnsupportedAlgorithm(t *testing.T) {
	reg, _ := newRegistry(t)

	for _, algorithm := range []id.Algorithm{"", "m.made.up.v9"} {
		dec, err := reg.GetOrCreate("!room:example.org", algorithm)
		assert.Nil(t, dec)
		assert.ErrorIs(t, err, decrypt.ErrUnsupportedAlgorithm)
	}
}

func TestRegistryUncachedWithoutRoom(t *testing.T) {
	reg, _ := newRegistry(t)

	first, err := reg.GetOrCreate("", id.AlgorithmOlmV1)
	require.NoError(t, err)
	second, err := reg.GetOrCreate("", id.AlgorithmOlmV1)
	require.NoError(t, err)
	assert.NotSame(t, first, second, "room-less decryptors are caller-owned, not cached")
	assert.Nil(t, reg.GetRoomDecryptor("", id.AlgorithmOlmV1))
}

func TestNewSessionListenerIsolation(t *testing.T) {
	reg, ms := newRegistry(t)

	var notified []id.SessionID
	reg.AddNewSessionListener(func(_ id.RoomID, _ id.SessionID, _ id.SenderKey) {
		panic("listener bug")
	})
	reg.AddNewSessionListener(func(_ id.RoomID, sessionID id.SessionID, _ id.SenderKey) {
		notified = append(notified, sessionID)
	})

	dec, err := reg.GetOrCreate("!room:example.org", id.AlgorithmMegolmV1)
	require.NoError(t, err)
	megolm := dec.(*decrypt.MegolmDecryptor)

	err = megolm.HandleRoomKey(context.Background(), "SenderKey", &event.RoomKeyEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     "!room:example.org",
		SessionID:  "S1",
		SessionKey: "exported-session-key",
	})
	require.NoError(t, err)

	assert.Equal(t, []id.SessionID{"S1"}, notified, "panicking listener must not block the rest")
	sess, err := ms.GetGroupSession("S1", "SenderKey")
	require.NoError(t, err)
	require.NotNil(t, sess)
}

func TestHandleRoomKeyIgnoresKnownSession(t *testing.T) {
	reg, ms := newRegistry(t)
	require.NoError(t, ms.PutGroupSession(&store.InboundGroupSession{
		SessionID: "S1", SenderKey: "SenderKey", RatchetState: []byte("original"),
	}))

	dec, err := reg.GetOrCreate("!room:example.org", id.AlgorithmMegolmV1)
	require.NoError(t, err)
	megolm := dec.(*decrypt.MegolmDecryptor)

	var notified int
	reg.AddNewSessionListener(func(id.RoomID, id.SessionID, id.SenderKey) { notified++ })

	err = megolm.HandleRoomKey(context.Background(), "SenderKey", &event.RoomKeyEventContent{
		Algorithm: id.AlgorithmMegolmV1, RoomID: "!room:example.org", SessionID: "S1", SessionKey: "new-key",
	})
	require.NoError(t, err)
	assert.Zero(t, notified)

	sess, err := ms.GetGroupSession("S1", "SenderKey")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), sess.RatchetState)
}
