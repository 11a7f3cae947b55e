package decrypt

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/store"
)

// ErrUnsupportedAlgorithm is returned for empty or unknown algorithms.
// Not fatal for the registry, only for the event that carried it.
var ErrUnsupportedAlgorithm = fmt.Errorf("unsupported encryption algorithm")

// NewSessionListener is told when a new inbound group session has been
// established for a room.
type NewSessionListener func(roomID id.RoomID, sessionID id.SessionID, senderKey id.SenderKey)

type registryKey struct {
	roomID    id.RoomID
	algorithm id.Algorithm
}

// Registry owns one decryptor per (room, algorithm). It is explicit
// injected state: construct one per client, never share it globally.
type Registry struct {
	store  store.Store
	direct DirectRatchet
	group  GroupRatchet
	ownKey id.Curve25519
	log    zerolog.Logger

	mu         sync.Mutex
	decryptors map[registryKey]Decryptor
	listeners  []NewSessionListener
}

func NewRegistry(st store.Store, direct DirectRatchet, group GroupRatchet, ownIdentityKey id.Curve25519, log zerolog.Logger) *Registry {
	return &Registry{
		store:      st,
		direct:     direct,
		group:      group,
		ownKey:     ownIdentityKey,
		log:        log.With().Str("component", "decryptor registry").Logger(),
		decryptors: make(map[registryKey]Decryptor),
	}
}

// GetOrCreate returns the decryptor for (roomID, algorithm), creating and
// caching it on first use. With an empty roomID the caller gets a fresh
// uncached instance it owns itself; that is the one case where duplicate
// instances are allowed, used before the room context is known.
// Decryptor construction performs no I/O, so racing creators are safe:
// the mutex guarantees at most one instance is ever stored.
func (r *Registry) GetOrCreate(roomID id.RoomID, algorithm id.Algorithm) (Decryptor, error) {
	if roomID == "" {
		dec := r.build(algorithm)
		if dec == nil {
			r.log.Warn().Str("algorithm", string(algorithm)).Msg("No decryptor for algorithm")
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
		}
		return dec, nil
	}
	key := registryKey{roomID: roomID, algorithm: algorithm}
	r.mu.Lock()
	defer r.mu.Unlock()
	if dec, ok := r.decryptors[key]; ok {
		return dec, nil
	}
	dec := r.build(algorithm)
	if dec == nil {
		r.log.Warn().
			Str("room_id", roomID.String()).
			Str("algorithm", string(algorithm)).
			Msg("No decryptor for algorithm")
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	r.decryptors[key] = dec
	return dec, nil
}

// GetRoomDecryptor returns the cached decryptor for (roomID, algorithm),
// or nil if none has been created yet.
func (r *Registry) GetRoomDecryptor(roomID id.RoomID, algorithm id.Algorithm) Decryptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decryptors[registryKey{roomID: roomID, algorithm: algorithm}]
}

func (r *Registry) build(algorithm id.Algorithm) Decryptor {
	switch algorithm {
	case id.AlgorithmOlmV1:
		return &OlmDecryptor{
			ratchet:        r.direct,
			ownIdentityKey: r.ownKey,
			log:            r.log,
		}
	case id.AlgorithmMegolmV1:
		return &MegolmDecryptor{
			ratchet: r.group,
			store:   r.store,
			log:     r.log,
			notify:  r.notifyNewSession,
		}
	default:
		return nil
	}
}

// AddNewSessionListener registers a listener for new inbound group
// sessions. Listeners run synchronously on the importing goroutine.
func (r *Registry) AddNewSessionListener(listener NewSessionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// notifyNewSession fans out to all listeners. A panicking listener is
// logged and must not stop the others.
func (r *Registry) notifyNewSession(roomID id.RoomID, sessionID id.SessionID, senderKey id.SenderKey) {
	r.mu.Lock()
	listeners := append([]NewSessionListener(nil), r.listeners...)
	r.mu.Unlock()
	for _, listener := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error().
						Any("panic", p).
						Str("session_id", sessionID.String()).
						Msg("New-session listener panicked")
				}
			}()
			listener(roomID, sessionID, senderKey)
		}()
	}
}
