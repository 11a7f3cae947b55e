// Package session wires the decryption, repair, gossip, and migration
// components into the surface the rest of the client talks to. All
// shared state lives inside the components it belongs to; this package
// only assembles and routes.
package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/backup"
	"github.com/highesttt/matrix-e2ee-core/pkg/decrypt"
	"github.com/highesttt/matrix-e2ee-core/pkg/gossip"
	"github.com/highesttt/matrix-e2ee-core/pkg/store"
	"github.com/highesttt/matrix-e2ee-core/pkg/todevice"
	"github.com/highesttt/matrix-e2ee-core/pkg/unwedge"
)

// Config carries the collaborators the core is built from. Store, the
// ratchet interfaces, Sender, and the backup collaborators are external;
// everything else is owned here.
type Config struct {
	Store          store.Store
	Direct         decrypt.DirectRatchet
	Group          decrypt.GroupRatchet
	Forcer         unwedge.SessionForcer
	Sender         todevice.Sender
	Share          gossip.ShareFunc
	OwnIdentityKey id.Curve25519
	OwnDeviceID    id.DeviceID

	BackupClient   backup.VersionClient
	SecretStore    backup.SecretStore
	RecoveryKeeper backup.RecoveryKeeper

	Log zerolog.Logger
}

// Core is the end-to-end-encryption session-management core.
type Core struct {
	Registry   *decrypt.Registry
	Dispatcher *decrypt.Dispatcher
	Unwedger   *unwedge.Coordinator
	Gossip     *gossip.Manager
	Migrator   *backup.Coordinator

	store store.Store
	log   zerolog.Logger
}

func New(cfg Config) *Core {
	registry := decrypt.NewRegistry(cfg.Store, cfg.Direct, cfg.Group, cfg.OwnIdentityKey, cfg.Log)
	unwedger := unwedge.NewCoordinator(cfg.Forcer, cfg.Sender, cfg.Log)
	core := &Core{
		Registry:   registry,
		Dispatcher: decrypt.NewDispatcher(registry, cfg.Store, unwedger, cfg.Log),
		Unwedger:   unwedger,
		Gossip:     gossip.NewManager(cfg.Store, cfg.Sender, cfg.Share, cfg.OwnDeviceID, cfg.Log),
		store:      cfg.Store,
		log:        cfg.Log.With().Str("component", "e2ee core").Logger(),
	}
	if cfg.BackupClient != nil && cfg.SecretStore != nil && cfg.RecoveryKeeper != nil {
		core.Migrator = backup.NewCoordinator(cfg.BackupClient, cfg.SecretStore, cfg.RecoveryKeeper, cfg.Log)
	}
	return core
}

// Close stops the crypto worker and waits for in-flight repairs.
func (c *Core) Close() {
	c.Dispatcher.Close()
	c.Unwedger.Flush()
}

func (c *Core) DecryptEvent(ctx context.Context, evt *event.Event, timelineID string) (*decrypt.DecryptedEvent, error) {
	return c.Dispatcher.DecryptEvent(ctx, evt, timelineID)
}

func (c *Core) DecryptEventAsync(evt *event.Event, timelineID string, onResult func(*decrypt.DecryptedEvent, error)) {
	c.Dispatcher.DecryptEventAsync(evt, timelineID, onResult)
}

func (c *Core) GetOrCreateRoomDecryptor(roomID id.RoomID, algorithm id.Algorithm) (decrypt.Decryptor, error) {
	return c.Registry.GetOrCreate(roomID, algorithm)
}

func (c *Core) ShareRequestedKey(ctx context.Context, requestID string) error {
	return c.Gossip.ShareRequestedKey(ctx, requestID)
}

func (c *Core) IgnoreRequestedKey(ctx context.Context, requestID string) error {
	return c.Gossip.IgnoreRequestedKey(ctx, requestID)
}

// MigrateKeyBackup runs the one-shot key-backup secret migration.
func (c *Core) MigrateKeyBackup(ctx context.Context, params backup.Params) backup.Result {
	if c.Migrator == nil {
		return backup.Result{Kind: backup.ResultErrorFailure, Cause: fmt.Errorf("backup collaborators not configured")}
	}
	return c.Migrator.Migrate(ctx, params)
}

// HandleToDeviceEvent routes the to-device traffic this core consumes.
// Unknown types are ignored; the sync layer sends everything here.
func (c *Core) HandleToDeviceEvent(ctx context.Context, evt *event.Event) {
	switch evt.Type {
	case event.ToDeviceRoomKeyRequest:
		c.Gossip.HandleRequestEvent(ctx, evt)
	case event.ToDeviceRoomKeyWithheld:
		c.handleWithheld(evt)
	}
}

// HandleRoomKey imports a room key that arrived in a decrypted olm
// payload. senderKey is the olm session's sender key, not anything the
// payload claims.
func (c *Core) HandleRoomKey(ctx context.Context, senderKey id.SenderKey, content *event.RoomKeyEventContent) error {
	dec, err := c.Registry.GetOrCreate(content.RoomID, content.Algorithm)
	if err != nil {
		return err
	}
	megolm, ok := dec.(*decrypt.MegolmDecryptor)
	if !ok {
		return fmt.Errorf("room key for non-group algorithm %q", content.Algorithm)
	}
	return megolm.HandleRoomKey(ctx, senderKey, content)
}

func (c *Core) handleWithheld(evt *event.Event) {
	if err := evt.Content.ParseRaw(evt.Type); err != nil && evt.Content.Parsed == nil {
		c.log.Debug().Err(err).Msg("Dropping unparseable withheld notice")
		return
	}
	content, ok := evt.Content.Parsed.(*event.RoomKeyWithheldEventContent)
	if !ok || content.SessionID == "" {
		return
	}
	record := &store.WithheldRecord{
		RoomID:    content.RoomID,
		Algorithm: content.Algorithm,
		SessionID: content.SessionID,
		SenderKey: content.SenderKey,
		Code:      content.Code,
		Reason:    content.Reason,
	}
	if err := c.store.PutWithheldRecord(record); err != nil {
		c.log.Warn().Err(err).Str("session_id", content.SessionID.String()).Msg("Failed to store withheld record")
		return
	}
	c.log.Debug().
		Str("session_id", content.SessionID.String()).
		Str("code", string(content.Code)).
		Msg("Recorded withheld room key")
}
