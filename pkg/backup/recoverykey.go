package backup

import (
	"fmt"
	"math/big"
	"strings"
)

// Recovery keys are 32 bytes of key material wrapped in the standard
// client format: a two-byte prefix, the key, and a parity byte, base58
// encoded and grouped in blocks of four.

var recoveryKeyPrefix = []byte{0x8B, 0x01}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// EncodeRecoveryKey renders raw key material in the shareable recovery
// key format.
func EncodeRecoveryKey(raw []byte) string {
	buf := make([]byte, 0, len(recoveryKeyPrefix)+len(raw)+1)
	buf = append(buf, recoveryKeyPrefix...)
	buf = append(buf, raw...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)
	encoded := encodeBase58(buf)
	var grouped strings.Builder
	for i, r := range encoded {
		if i > 0 && i%4 == 0 {
			grouped.WriteByte(' ')
		}
		grouped.WriteRune(r)
	}
	return grouped.String()
}

// DecodeRecoveryKey parses a user-supplied recovery key string back into
// the 32 raw key bytes, checking prefix and parity.
func DecodeRecoveryKey(recoveryKey string) ([]byte, error) {
	stripped := strings.Join(strings.Fields(recoveryKey), "")
	if stripped == "" {
		return nil, fmt.Errorf("empty recovery key")
	}
	decoded, err := decodeBase58(stripped)
	if err != nil {
		return nil, err
	}
	if len(decoded) != len(recoveryKeyPrefix)+32+1 {
		return nil, fmt.Errorf("recovery key has wrong length %d", len(decoded))
	}
	if decoded[0] != recoveryKeyPrefix[0] || decoded[1] != recoveryKeyPrefix[1] {
		return nil, fmt.Errorf("recovery key has wrong prefix")
	}
	var parity byte
	for _, b := range decoded {
		parity ^= b
	}
	if parity != 0 {
		return nil, fmt.Errorf("recovery key parity check failed")
	}
	return decoded[len(recoveryKeyPrefix) : len(decoded)-1], nil
}

func encodeBase58(input []byte) string {
	num := new(big.Int).SetBytes(input)
	radix := big.NewInt(58)
	mod := new(big.Int)
	var out []byte
	for num.Sign() > 0 {
		num.DivMod(num, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, b := range input {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func decodeBase58(input string) ([]byte, error) {
	num := big.NewInt(0)
	radix := big.NewInt(58)
	for _, r := range input {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", r)
		}
		num.Mul(num, radix)
		num.Add(num, big.NewInt(int64(idx)))
	}
	decoded := num.Bytes()
	var leading int
	for _, r := range input {
		if r != rune(base58Alphabet[0]) {
			break
		}
		leading++
	}
	return append(make([]byte, leading), decoded...), nil
}
