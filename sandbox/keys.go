package sandbox

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// KeyEncoding is the prefix of an encoded signing key.
type KeyEncoding string

const (
	Base64             KeyEncoding = "b64"
	Base58             KeyEncoding = "b58"
	Hex                KeyEncoding = "hex"
	DefaultKeyEncoding             = Base58
)

// EncodeSigningKey encodes the seed of a signing key, prefixed with its
// encoding, e.g. "b58:...".
func EncodeSigningKey(key ed25519.PrivateKey, encoding ...KeyEncoding) string {
	enc := DefaultKeyEncoding
	if len(encoding) > 0 {
		enc = encoding[0]
	}

	seed := key.Seed()

	var encoded string
	switch enc {
	case Hex:
		encoded = hex.EncodeToString(seed)
	case Base64:
		encoded = base64.StdEncoding.EncodeToString(seed)
	default:
		enc = Base58
		encoded = base58.Encode(seed)
	}

	return string(enc) + ":" + encoded
}

// ParseSigningKey decodes a key produced by EncodeSigningKey. Both a 32 byte
// seed and a 64 byte private key are accepted.
func ParseSigningKey(value string) (ed25519.PrivateKey, error) {
	prefix, encoded, ok := strings.Cut(value, ":")
	if !ok {
		return nil, errors.New("invalid encoded key format")
	}

	var raw []byte
	var err error
	switch KeyEncoding(prefix) {
	case Base58:
		raw, err = base58.Decode(encoded)
	case Hex:
		raw, err = hex.DecodeString(encoded)
	case Base64:
		raw, err = base64.StdEncoding.DecodeString(encoded)
	default:
		return nil, fmt.Errorf("unsupported key encoding: %s", prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("invalid key length: %d", len(raw))
	}
}
