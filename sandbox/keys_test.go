package sandbox

import (
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func TestSigningKeyEncoding(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	for _, tt := range []struct {
		name     string
		encoding KeyEncoding
	}{
		{"Base64", Base64},
		{"Base58", Base58},
		{"Hex", Hex},
		{"Default", DefaultKeyEncoding},
	} {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeSigningKey(priv, tt.encoding)
			require.True(t, strings.HasPrefix(encoded, string(tt.encoding)+":"))

			decoded, err := ParseSigningKey(encoded)
			require.NoError(t, err)
			require.True(t, priv.Equal(decoded))
		})
	}

	require.True(t, strings.HasPrefix(EncodeSigningKey(priv), "b58:"))

	full, err := ParseSigningKey("b58:" + base58.Encode(priv))
	require.NoError(t, err)
	require.True(t, priv.Equal(full))
}

func TestSigningKeyEncoding_Invalid(t *testing.T) {
	for _, value := range []string{
		"",
		"no-prefix",
		"b32:abcd",
		"hex:zz",
		"hex:0102",
	} {
		_, err := ParseSigningKey(value)
		require.Error(t, err, value)
	}
}
