package decrypt

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/store"
)

// MegolmDecryptor handles m.megolm.v1.aes-sha2 room message payloads. It
// also imports room keys shared with this device, which is where new
// inbound group sessions enter the store.
type MegolmDecryptor struct {
	ratchet GroupRatchet
	store   store.Store
	log     zerolog.Logger
	// notify announces a newly established inbound session to the
	// registry's listeners. Nil for uncached (room-less) instances.
	notify func(roomID id.RoomID, sessionID id.SessionID, senderKey id.SenderKey)

	// seenIndexes detects megolm replays: the same (session, index) pair
	// must always resolve to the same event within a timeline.
	seenMu      sync.Mutex
	seenIndexes map[string]id.EventID
}

var _ Decryptor = (*MegolmDecryptor)(nil)

func (md *MegolmDecryptor) Algorithm() id.Algorithm {
	return id.AlgorithmMegolmV1
}

func (md *MegolmDecryptor) Decrypt(ctx context.Context, evt *event.Event, timelineID string) (*DecryptedEvent, error) {
	content, err := parseEncrypted(evt)
	if err != nil {
		return nil, err
	}
	if len(content.MegolmCiphertext) == 0 || content.SessionID == "" {
		return nil, errorf(KindMissingContent, "event %s has no megolm ciphertext", evt.ID)
	}
	session, err := md.store.GetGroupSession(content.SessionID, content.SenderKey)
	if err != nil {
		return nil, errorf(KindBadEncryptedMessage, "group session lookup: %w", err)
	}
	if session == nil {
		return nil, md.unknownSession(content)
	}
	plaintext, messageIndex, err := md.ratchet.DecryptGroup(ctx, session, content.MegolmCiphertext)
	if err != nil {
		md.log.Debug().Err(err).
			Str("session_id", content.SessionID.String()).
			Str("event_id", evt.ID.String()).
			Msg("Megolm decryption failed")
		return nil, newError(KindBadEncryptedMessage, err)
	}
	if err := md.checkReplay(evt.ID, content.SessionID, messageIndex, timelineID); err != nil {
		return nil, err
	}
	envelope, err := decodeCleartext(plaintext)
	if err != nil {
		return nil, err
	}
	if envelope.RoomID != "" && envelope.RoomID != evt.RoomID {
		return nil, errorf(KindBadEncryptedMessage, "megolm payload was encrypted for %s, not %s", envelope.RoomID, evt.RoomID)
	}
	return &DecryptedEvent{
		Source:    evt,
		Type:      envelope.Type,
		Content:   envelope.Content,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
	}, nil
}

// unknownSession classifies a missing group session, attaching the
// withheld record when the sender told us it will never share the key.
func (md *MegolmDecryptor) unknownSession(content *event.EncryptedEventContent) error {
	decErr := errorf(KindUnknownSession, "no inbound group session %s from %s", content.SessionID, content.SenderKey)
	withheld, err := md.store.GetWithheldRecord(content.SessionID, content.SenderKey)
	if err != nil {
		md.log.Warn().Err(err).Str("session_id", content.SessionID.String()).Msg("Withheld record lookup failed")
	} else if withheld != nil {
		decErr.Withheld = withheld
	}
	return decErr
}

func (md *MegolmDecryptor) checkReplay(eventID id.EventID, sessionID id.SessionID, messageIndex uint32, timelineID string) error {
	if timelineID == "" {
		return nil
	}
	key := fmt.Sprintf("%s|%d|%s", sessionID, messageIndex, timelineID)
	md.seenMu.Lock()
	defer md.seenMu.Unlock()
	if md.seenIndexes == nil {
		md.seenIndexes = make(map[string]id.EventID)
	}
	if seen, ok := md.seenIndexes[key]; ok && seen != eventID {
		return errorf(KindBadEncryptedMessage, "duplicate megolm message index %d for session %s", messageIndex, sessionID)
	}
	md.seenIndexes[key] = eventID
	return nil
}

// HandleRoomKey imports a room key shared with this device, stores the
// resulting inbound session, and notifies new-session listeners. A
// session that already exists is left untouched.
func (md *MegolmDecryptor) HandleRoomKey(ctx context.Context, senderKey id.SenderKey, content *event.RoomKeyEventContent) error {
	if content.Algorithm != id.AlgorithmMegolmV1 || content.SessionID == "" || content.SessionKey == "" {
		return fmt.Errorf("malformed room key for session %q", content.SessionID)
	}
	existing, err := md.store.GetGroupSession(content.SessionID, senderKey)
	if err != nil {
		return fmt.Errorf("group session lookup: %w", err)
	}
	if existing != nil {
		md.log.Debug().Str("session_id", content.SessionID.String()).Msg("Ignoring room key for known session")
		return nil
	}
	session, err := md.ratchet.ImportSessionKey(ctx, content.RoomID, senderKey, content.SessionID, content.SessionKey)
	if err != nil {
		return fmt.Errorf("failed to import session key: %w", err)
	}
	if err := md.store.PutGroupSession(session); err != nil {
		return fmt.Errorf("failed to store group session: %w", err)
	}
	md.log.Info().
		Str("room_id", content.RoomID.String()).
		Str("session_id", content.SessionID.String()).
		Msg("Established new inbound group session")
	if md.notify != nil {
		md.notify(content.RoomID, content.SessionID, senderKey)
	}
	return nil
}
