package tunnel

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidDescriptor(t *testing.T) {
	userinfo := base64.StdEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:s3cr3t"))
	line := "ss://" + userinfo + "@tunnel.example.com:8388/?plugin=obfs-local"

	d, err := Parse(line)
	require.NoError(t, err)

	assert.Equal(t, "tunnel.example.com", d.Host)
	assert.Equal(t, 8388, d.Port)
	assert.Equal(t, "chacha20-ietf-poly1305", d.Method)
	assert.Equal(t, "s3cr3t", d.Password)
	assert.Equal(t, "obfs-local", d.PluginOpts)
	assert.Equal(t, "tunnel.example.com:8388", d.Endpoint())
	assert.Equal(t, "tunnel.example.com:8388", d.ID)
}

func TestParseUnpaddedBase64(t *testing.T) {
	userinfo := base64.RawStdEncoding.EncodeToString([]byte("aes-256-gcm:password"))
	line := "ss://" + userinfo + "@127.0.0.1:1234"

	d, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, "aes-256-gcm", d.Method)
	assert.Equal(t, "password", d.Password)
}

func TestParseRejectsNonSSScheme(t *testing.T) {
	_, err := Parse("https://example.com")
	assert.Error(t, err)
}

func TestParseRejectsMissingUserinfo(t *testing.T) {
	_, err := Parse("ss://tunnel.example.com:8388")
	assert.Error(t, err)
}

func TestParseRejectsMissingPort(t *testing.T) {
	userinfo := base64.StdEncoding.EncodeToString([]byte("aes-256-gcm:password"))
	_, err := Parse("ss://" + userinfo + "@tunnel.example.com")
	assert.Error(t, err)
}

func TestDeriveKeyIsDeterministicAndSized(t *testing.T) {
	k1, err := deriveKey("shared-secret")
	require.NoError(t, err)
	k2, err := deriveKey("shared-secret")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)

	k3, err := deriveKey("different-secret")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}
