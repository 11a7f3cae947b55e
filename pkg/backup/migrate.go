// Package backup migrates a legacy key-backup secret into unified secret
// storage, so the user ends up with one recovery secret guarding both.
package backup

import (
	"context"
	"encoding/base64"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// MegolmBackupSecretName is the unified-secret-storage name under which
// the legacy backup private key is filed.
const MegolmBackupSecretName = "m.megolm_backup.v1"

// AuthData is the server-declared auth data of a backup version. The KDF
// fields are present only for passphrase-created backups.
type AuthData struct {
	PublicKey            id.Curve25519 `json:"public_key"`
	PrivateKeySalt       string        `json:"private_key_salt,omitempty"`
	PrivateKeyIterations int           `json:"private_key_iterations,omitempty"`
	PrivateKeyBits       int           `json:"private_key_bits,omitempty"`
}

// Version describes one server-side key backup version.
type Version struct {
	Version   string       `json:"version"`
	Algorithm id.Algorithm `json:"algorithm"`
	AuthData  AuthData     `json:"auth_data"`
}

// VersionClient is the backup half of the network collaborator.
type VersionClient interface {
	// GetBackupVersion returns the current backup version, or nil when no
	// backup exists.
	GetBackupVersion(ctx context.Context) (*Version, error)
	// IsValidRecoveryKey checks raw key material against the version's
	// auth data.
	IsValidRecoveryKey(ctx context.Context, raw []byte, version *Version) (bool, error)
	// RestoreWithRecoveryKey downloads and imports backed-up keys.
	// onDone is called once with the import counts or the failure.
	RestoreWithRecoveryKey(ctx context.Context, version *Version, raw []byte, onDone func(imported, total int, err error))
}

// KeyCreationInfo is what the secret storage service reports for a newly
// generated storage key.
type KeyCreationInfo struct {
	KeyID       string
	RecoveryKey string
}

// SecretStore is the unified secret storage service.
type SecretStore interface {
	GenerateKeyFromPassphrase(ctx context.Context, keyID, name, passphrase string) (*KeyCreationInfo, error)
	GenerateKeyFromRawBytes(ctx context.Context, keyID, name string, raw []byte) (*KeyCreationInfo, error)
	StoreSecret(ctx context.Context, name, base64Value string, keyIDs []string) error
}

// RecoveryKeeper persists the legacy backup recovery key locally so it
// can be gossiped to this user's other devices later.
type RecoveryKeeper interface {
	SaveBackupRecoveryKey(recoveryKey string, version string) error
}

// ResultKind discriminates migration outcomes. Migration is the one flow
// in this core whose failures are surfaced synchronously: it is
// user-initiated and security-sensitive, so silent failure is not
// acceptable.
type ResultKind string

const (
	ResultSuccess ResultKind = "success"
	// ResultNoKeyBackupVersion: no legacy backup exists, nothing to do.
	ResultNoKeyBackupVersion ResultKind = "no_key_backup_version"
	// ResultInvalidRecoverySecret: the derived or supplied secret does
	// not validate against the backup version. Nothing was written.
	ResultInvalidRecoverySecret ResultKind = "invalid_recovery_secret"
	// ResultIllegalParams: neither passphrase nor recovery key supplied,
	// or a passphrase was given but the backup has no KDF parameters.
	ResultIllegalParams ResultKind = "illegal_params"
	ResultErrorFailure  ResultKind = "error_failure"
)

// Result is the discriminated outcome of one migration run. Cause is set
// for ResultErrorFailure; KeyID for ResultSuccess.
type Result struct {
	Kind  ResultKind
	KeyID string
	Cause error
}

// Params select the secret for a migration run. Exactly one of
// Passphrase or RecoveryKey should be set.
type Params struct {
	Passphrase  string
	RecoveryKey string
	// Progress receives human-readable stage labels, best effort. A
	// panicking callback never aborts the migration.
	Progress func(stage string)
}

// Coordinator runs the one-shot migration. It is not retryable by
// design: a failed run is reported and the user decides whether to try
// again.
type Coordinator struct {
	client  VersionClient
	secrets SecretStore
	keeper  RecoveryKeeper
	log     zerolog.Logger
}

func NewCoordinator(client VersionClient, secrets SecretStore, keeper RecoveryKeeper, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		client:  client,
		secrets: secrets,
		keeper:  keeper,
		log:     log.With().Str("component", "backup migration").Logger(),
	}
}

// Migrate re-derives the legacy backup secret, validates it, republishes
// it under a fresh unified-secret-storage key, and kicks off a restore
// of historical keys. The restore is fire-and-forget: its outcome never
// changes the migration result. The whole operation is a sequential
// pipeline with no internal parallelism and is not cancellable
// mid-flight; its steps are not individually reversible.
func (c *Coordinator) Migrate(ctx context.Context, params Params) Result {
	if params.Passphrase == "" && params.RecoveryKey == "" {
		return Result{Kind: ResultIllegalParams}
	}

	c.progress(params, "Fetching key backup version")
	version, err := c.client.GetBackupVersion(ctx)
	if err != nil {
		return Result{Kind: ResultErrorFailure, Cause: err}
	}
	if version == nil {
		c.log.Info().Msg("No key backup to migrate")
		return Result{Kind: ResultNoKeyBackupVersion}
	}

	c.progress(params, "Deriving backup secret")
	var raw []byte
	if params.Passphrase != "" {
		raw, err = deriveFromPassphrase(params.Passphrase, &version.AuthData)
		if err != nil {
			return Result{Kind: ResultIllegalParams}
		}
	} else {
		raw, err = DecodeRecoveryKey(params.RecoveryKey)
		if err != nil {
			c.log.Warn().Err(err).Msg("Supplied recovery key does not parse")
			return Result{Kind: ResultInvalidRecoverySecret}
		}
	}

	c.progress(params, "Validating secret against backup")
	valid, err := c.client.IsValidRecoveryKey(ctx, raw, version)
	if err != nil {
		return Result{Kind: ResultErrorFailure, Cause: err}
	}
	if !valid {
		c.log.Warn().Str("backup_version", version.Version).Msg("Secret does not match backup, aborting migration")
		return Result{Kind: ResultInvalidRecoverySecret}
	}

	// Random id; uniqueness is the storage layer's constraint, not
	// pre-checked here.
	c.progress(params, "Creating secret storage key")
	keyID := uuid.NewString()
	var info *KeyCreationInfo
	if params.Passphrase != "" {
		info, err = c.secrets.GenerateKeyFromPassphrase(ctx, keyID, "Default Key", params.Passphrase)
	} else {
		info, err = c.secrets.GenerateKeyFromRawBytes(ctx, keyID, "Default Key", raw)
	}
	if err != nil {
		return Result{Kind: ResultErrorFailure, Cause: err}
	}

	c.progress(params, "Storing backup secret")
	encoded := base64.StdEncoding.EncodeToString(raw)
	if err := c.secrets.StoreSecret(ctx, MegolmBackupSecretName, encoded, []string{info.KeyID}); err != nil {
		return Result{Kind: ResultErrorFailure, Cause: err}
	}

	c.progress(params, "Saving recovery key locally")
	if err := c.keeper.SaveBackupRecoveryKey(EncodeRecoveryKey(raw), version.Version); err != nil {
		return Result{Kind: ResultErrorFailure, Cause: err}
	}

	c.progress(params, "Restoring backed-up keys")
	go c.client.RestoreWithRecoveryKey(context.WithoutCancel(ctx), version, raw, func(imported, total int, err error) {
		if err != nil {
			c.log.Warn().Err(err).Msg("Post-migration key restore failed")
			return
		}
		c.log.Info().Int("imported", imported).Int("total", total).Msg("Post-migration key restore finished")
	})

	c.log.Info().
		Str("backup_version", version.Version).
		Str("key_id", info.KeyID).
		Msg("Key backup secret migrated to secret storage")
	return Result{Kind: ResultSuccess, KeyID: info.KeyID}
}

func (c *Coordinator) progress(params Params, stage string) {
	if params.Progress == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			c.log.Warn().Any("panic", p).Str("stage", stage).Msg("Progress callback panicked")
		}
	}()
	params.Progress(stage)
}
