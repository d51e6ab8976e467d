package sniff

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniffHTTPHost(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com:8080\r\nUser-Agent: test\r\n\r\n"))
	}()

	res, err := Sniff(t.Context(), server, time.Second)
	require.NoError(t, err)
	assert.Equal(t, HTTPHost, res.Kind)
	assert.Equal(t, "example.com", res.Name)
	assert.NotEmpty(t, res.Preamble)
}

func TestSniffTLSSNI(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	hello := buildClientHello("sni.example.com")

	go func() {
		_, _ = client.Write(hello)
	}()

	res, err := Sniff(t.Context(), server, time.Second)
	require.NoError(t, err)
	assert.Equal(t, TLSSNI, res.Kind)
	assert.Equal(t, "sni.example.com", res.Name)
}

func TestSniffUnknownOnTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("xx"))
	}()

	res, err := Sniff(t.Context(), server, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Unknown, res.Kind)
	assert.Equal(t, []byte("xx"), res.Preamble)
}

func TestStripPort(t *testing.T) {
	assert.Equal(t, "example.com", stripPort("example.com:443"))
	assert.Equal(t, "example.com", stripPort("example.com"))
	assert.Equal(t, "[::1]", stripPort("[::1]:8080"))
}

// buildClientHello constructs a minimal, syntactically valid TLS record
// containing a ClientHello with a single server_name extension, enough to
// exercise tryTLS/parseClientHelloSNI without a real TLS library.
func buildClientHello(sni string) []byte {
	var ext []byte
	serverNameEntry := append([]byte{0x00}, u16(uint16(len(sni)))...)
	serverNameEntry = append(serverNameEntry, sni...)
	serverNameList := append(u16(uint16(len(serverNameEntry))), serverNameEntry...)
	ext = append(ext, u16(extensionServerName)...)
	ext = append(ext, u16(uint16(len(serverNameList)))...)
	ext = append(ext, serverNameList...)

	var body []byte
	body = append(body, make([]byte, 2)...)  // client_version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session id len
	body = append(body, u16(0)...)           // cipher suites len
	body = append(body, 0x00)                // compression methods len
	body = append(body, u16(uint16(len(ext)))...)
	body = append(body, ext...)

	hsLen := len(body)
	hs := []byte{handshakeTypeHello, byte(hsLen >> 16), byte(hsLen >> 8), byte(hsLen)}
	hs = append(hs, body...)

	record := []byte{recordTypeHandshake, 0x03, 0x03}
	record = append(record, u16(uint16(len(hs)))...)
	record = append(record, hs...)

	return record
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}
