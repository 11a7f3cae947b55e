package backup

import (
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const defaultKeyBits = 256

// deriveFromPassphrase runs the PBKDF2-SHA512 derivation declared in the
// backup's auth data, reproducing the key the backup was created with.
func deriveFromPassphrase(passphrase string, authData *AuthData) ([]byte, error) {
	if authData.PrivateKeySalt == "" || authData.PrivateKeyIterations <= 0 {
		return nil, fmt.Errorf("backup auth data has no key derivation parameters")
	}
	bits := authData.PrivateKeyBits
	if bits <= 0 {
		bits = defaultKeyBits
	}
	return pbkdf2.Key([]byte(passphrase), []byte(authData.PrivateKeySalt), authData.PrivateKeyIterations, bits/8, sha512.New), nil
}
