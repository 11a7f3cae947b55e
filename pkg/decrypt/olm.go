package decrypt

import (
	"context"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// OlmDecryptor handles m.olm.v1.curve25519-aes-sha2 to-device payloads:
// 1:1 session traffic such as key shares and repair canaries.
type OlmDecryptor struct {
	ratchet        DirectRatchet
	ownIdentityKey id.Curve25519
	log            zerolog.Logger
}

var _ Decryptor = (*OlmDecryptor)(nil)

func (od *OlmDecryptor) Algorithm() id.Algorithm {
	return id.AlgorithmOlmV1
}

func (od *OlmDecryptor) Decrypt(ctx context.Context, evt *event.Event, _ string) (*DecryptedEvent, error) {
	content, err := parseEncrypted(evt)
	if err != nil {
		return nil, err
	}
	ciphertext, ok := content.OlmCiphertext[od.ownIdentityKey]
	if !ok {
		return nil, errorf(KindMissingContent, "event %s has no olm ciphertext for this device", evt.ID)
	}
	plaintext, err := od.ratchet.DecryptDirect(ctx, content.SenderKey, ciphertext.Type, ciphertext.Body)
	if err != nil {
		od.log.Debug().Err(err).
			Str("sender_key", content.SenderKey.String()).
			Str("event_id", evt.ID.String()).
			Msg("Olm decryption failed")
		return nil, newError(KindBadEncryptedMessage, err)
	}
	envelope, err := decodeCleartext(plaintext)
	if err != nil {
		return nil, err
	}
	if envelope.Sender != "" && envelope.Sender != evt.Sender {
		return nil, errorf(KindBadEncryptedMessage, "olm payload sender %s does not match event sender %s", envelope.Sender, evt.Sender)
	}
	return &DecryptedEvent{
		Source:            evt,
		Type:              envelope.Type,
		Content:           envelope.Content,
		SenderKey:         content.SenderKey,
		ClaimedSigningKey: envelope.Keys.Ed25519,
	}, nil
}
