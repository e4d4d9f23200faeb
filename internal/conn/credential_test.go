package conn

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCredential(t *testing.T) {
	creds, err := DecodeCredential(EncodeCredential("id", "se:cret"))
	require.NoError(t, err)
	assert.Equal(t, "id", creds.AccessKeyID)
	assert.Equal(t, "se:cret", creds.SecretAccessKey)
	assert.Equal(t, "trove", creds.Source)
}

func TestDecodeCredential_TrimsWhitespace(t *testing.T) {
	_, err := DecodeCredential("  " + EncodeCredential("id", "secret") + "\n")
	require.NoError(t, err)
}

func TestDecodeCredential_Malformed(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not base64", "%%%"},
		{"empty", ""},
		{"no separator", base64.StdEncoding.EncodeToString([]byte("justanid"))},
		{"empty id", base64.StdEncoding.EncodeToString([]byte(":secret"))},
		{"empty secret", base64.StdEncoding.EncodeToString([]byte("id:"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCredential(tt.key)
			assert.ErrorIs(t, err, ErrMalformedCredential)
		})
	}
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "abcd...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "*****", maskKey("short"))
	assert.Equal(t, "", maskKey(""))
}
