package backup_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/highesttt/matrix-e2ee-core/pkg/backup"
)

func TestRecoveryKeyRoundTrip(t *testing.T) {
	for _, raw := range [][]byte{
		bytes.Repeat([]byte{0x00}, 32),
		bytes.Repeat([]byte{0xFF}, 32),
		append(bytes.Repeat([]byte{0x00}, 16), bytes.Repeat([]byte{0xA7}, 16)...),
	} {
		encoded := backup.EncodeRecoveryKey(raw)
		decoded, err := backup.DecodeRecoveryKey(encoded)
		require.NoError(t, err, "key %q", encoded)
		assert.True(t, bytes.Equal(raw, decoded))
	}
}

func TestRecoveryKeyWhitespaceInsensitive(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, 32)
	encoded := backup.EncodeRecoveryKey(raw)

	squashed := strings.ReplaceAll(encoded, " ", "")
	decoded, err := backup.DecodeRecoveryKey("  " + squashed + "\n")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(raw, decoded))
}

func TestRecoveryKeyRejectsCorruption(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, 32)
	encoded := strings.ReplaceAll(backup.EncodeRecoveryKey(raw), " ", "")

	// Truncated and extended keys both fail the length check.
	_, err := backup.DecodeRecoveryKey(encoded[:len(encoded)-2])
	assert.Error(t, err)
	_, err = backup.DecodeRecoveryKey(encoded + "22")
	assert.Error(t, err)
}

func TestRecoveryKeyRejectsGarbage(t *testing.T) {
	for _, input := range []string{
		"",
		"   ",
		"0OIl",         // not base58
		"EsTcLW2KPGiF", // far too short
	} {
		_, err := backup.DecodeRecoveryKey(input)
		assert.Error(t, err, "input %q", input)
	}
}
