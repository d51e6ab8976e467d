package provider

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	body, err := fetch(t.Context(), srv.Client(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestFetchNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fetch(t.Context(), srv.Client(), srv.URL, 5*time.Second)
	assert.Error(t, err)
}

func TestDecodeBase64LinesPadded(t *testing.T) {
	in := base64.StdEncoding.EncodeToString([]byte("line one\nline two"))

	out, err := decodeBase64Lines([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", string(out))
}

func TestDecodeBase64LinesUnpadded(t *testing.T) {
	in := base64.RawStdEncoding.EncodeToString([]byte("line one\nline two"))

	out, err := decodeBase64Lines([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", string(out))
}

func TestDecodeBase64LinesInvalid(t *testing.T) {
	_, err := decodeBase64Lines([]byte("not base64 !!!"))
	assert.Error(t, err)
}
