// Package tunnel parses ss://-style tunnel descriptor URIs and dials the
// outbound encrypted stream they describe. Per the core's stated boundary
// (spec §1), the cryptographic transport is "assumed provided by a tunnel
// dependency exposing dial(target) -> bidirectional stream"; this package
// is that dependency, built on golang.org/x/crypto/chacha20poly1305 since no
// shadowsocks client library exists anywhere in the retrieved corpus (see
// DESIGN.md).
package tunnel

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Descriptor is an immutable, parsed ss:// tunnel descriptor (§3 "Tunnel
// descriptor").
type Descriptor struct {
	ID          string
	Host        string
	Port        int
	Method      string
	Password    string
	PluginOpts  string
	rawEndpoint string
}

// Endpoint returns the host:port this descriptor dials.
func (d *Descriptor) Endpoint() string {
	return d.rawEndpoint
}

// String implements fmt.Stringer for logging.
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%s)", d.ID, d.rawEndpoint)
}

// Parse parses a single ss://<base64(method:password)>@host:port/?plugin=...
// line into a Descriptor. Unparseable lines are the caller's responsibility
// to log and skip (§6 "Provider proxy list").
func Parse(line string) (*Descriptor, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "ss://") {
		return nil, fmt.Errorf("not an ss:// uri")
	}

	u, err := url.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parsing uri: %w", err)
	}

	if u.User == nil {
		return nil, fmt.Errorf("missing userinfo")
	}

	userinfo := u.User.String()
	decoded, err := decodeUserinfo(userinfo)
	if err != nil {
		return nil, fmt.Errorf("decoding userinfo: %w", err)
	}

	method, password, ok := strings.Cut(decoded, ":")
	if !ok {
		return nil, fmt.Errorf("malformed method:password")
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}

	portStr := u.Port()
	if portStr == "" {
		return nil, fmt.Errorf("missing port")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing port: %w", err)
	}

	endpoint := fmt.Sprintf("%s:%d", host, port)

	return &Descriptor{
		ID:          endpoint,
		Host:        host,
		Port:        port,
		Method:      method,
		Password:    password,
		PluginOpts:  u.Query().Get("plugin"),
		rawEndpoint: endpoint,
	}, nil
}

// decodeUserinfo accepts both the padded and unpadded base64 forms found in
// the wild.
func decodeUserinfo(s string) (string, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return string(b), nil
	}

	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// deriveKey derives a chacha20poly1305 key from the descriptor's password
// with a fixed-salt HKDF-SHA256 expansion, keeping this package
// self-contained without a vendored KDF implementation. The salt is fixed,
// so a given password always yields the same key; there is no per-session
// salt as in shadowsocks AEAD ciphers.
func deriveKey(password string) ([]byte, error) {
	salt := sha256.Sum256([]byte("roxy-tunnel-v1"))
	r := hkdf.New(sha256.New, []byte(password), salt[:], []byte("roxy tunnel key"))

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}
