// Package decrypt turns encrypted room events back into cleartext. It
// owns the per-room decryptor registry, the olm and megolm decryptors,
// and the dispatcher that serializes ratchet work onto a dedicated
// worker.
package decrypt

import (
	"context"
	"encoding/json"
	"errors"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/store"
)

// DecryptedEvent is the cleartext result of decrypting one event.
type DecryptedEvent struct {
	// Source is the encrypted wire event this was decrypted from.
	Source *event.Event
	// Type and Content are the inner (cleartext) event type and body.
	Type    event.Type
	Content event.Content
	// SenderKey identifies the session the cleartext came from.
	SenderKey id.SenderKey
	SessionID id.SessionID
	// ClaimedSigningKey is the ed25519 key the sender claimed in the olm
	// plaintext; empty for megolm.
	ClaimedSigningKey id.Ed25519
}

// Decryptor decrypts events of one algorithm. Implementations classify
// every failure as a DecryptionError; no raw ratchet or storage error
// escapes.
type Decryptor interface {
	Algorithm() id.Algorithm
	Decrypt(ctx context.Context, evt *event.Event, timelineID string) (*DecryptedEvent, error)
}

// DirectRatchet is the 1:1 (olm) half of the black-box ratchet library.
type DirectRatchet interface {
	// DecryptDirect decrypts one olm message from senderKey, advancing
	// or lazily creating the session as needed.
	DecryptDirect(ctx context.Context, senderKey id.SenderKey, msgType id.OlmMsgType, ciphertext string) ([]byte, error)
}

// GroupRatchet is the group (megolm) half of the black-box ratchet
// library.
type GroupRatchet interface {
	DecryptGroup(ctx context.Context, session *store.InboundGroupSession, ciphertext []byte) (plaintext []byte, messageIndex uint32, err error)
	// ImportSessionKey builds an inbound session from an exported session
	// key received in a room key share.
	ImportSessionKey(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, sessionKey string) (*store.InboundGroupSession, error)
}

// parseEncrypted extracts the m.room.encrypted content from an event,
// tolerating content that was already parsed upstream.
func parseEncrypted(evt *event.Event) (*event.EncryptedEventContent, error) {
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		return nil, newError(KindMissingContent, err)
	}
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, errorf(KindMissingContent, "event %s has no encrypted content", evt.ID)
	}
	return content, nil
}

// decodeCleartext parses the plaintext JSON produced by the ratchet into
// the inner event shape shared by olm and megolm payloads.
type cleartextEnvelope struct {
	Type    event.Type    `json:"type"`
	Content event.Content `json:"content"`
	RoomID  id.RoomID     `json:"room_id,omitempty"`
	Sender  id.UserID     `json:"sender,omitempty"`
	Keys    struct {
		Ed25519 id.Ed25519 `json:"ed25519"`
	} `json:"keys"`
}

func decodeCleartext(plaintext []byte) (*cleartextEnvelope, error) {
	var envelope cleartextEnvelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return nil, errorf(KindBadEncryptedMessage, "malformed cleartext payload: %w", err)
	}
	return &envelope, nil
}
