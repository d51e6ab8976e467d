package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/chacha20poly1305"
)

// Stream is a bidirectional, encrypted byte stream to a tunnel endpoint.
type Stream interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// Dialer opens an outbound Stream to a tunnel endpoint's target. It is the
// external collaborator named in spec §1 ("tunnel dependency exposing
// dial(target) -> bidirectional stream").
type Dialer interface {
	DialContext(ctx context.Context, d *Descriptor, host string, port int) (Stream, error)
}

// aeadDialer is the default Dialer: it opens a TCP connection to the
// descriptor's endpoint, performs the shadowsocks-style length-prefixed
// target-address handshake, and wraps the connection in chacha20poly1305
// framing.
type aeadDialer struct {
	netDialer *net.Dialer
}

// NewDialer returns the default AEAD-stream Dialer.
func NewDialer() Dialer {
	return &aeadDialer{netDialer: &net.Dialer{}}
}

func (d *aeadDialer) DialContext(ctx context.Context, desc *Descriptor, host string, port int) (Stream, error) {
	key, err := deriveKey(desc.Password)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("building aead: %w", err)
	}

	conn, err := d.netDialer.DialContext(ctx, "tcp", desc.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", desc.Endpoint(), err)
	}

	s := &aeadStream{Conn: conn, aead: aead}

	target := encodeTarget(host, port)
	if err = s.writeFrame(target); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sending target handshake: %w", err)
	}

	return s, nil
}

// encodeTarget encodes host:port the way a shadowsocks SOCKS-style address
// header does: a type byte, the host, and a big-endian port.
func encodeTarget(host string, port int) []byte {
	hb := []byte(host)
	out := make([]byte, 0, 4+len(hb))
	out = append(out, 0x03, byte(len(hb)))
	out = append(out, hb...)
	out = binary.BigEndian.AppendUint16(out, uint16(port))

	return out
}

// aeadStream frames writes as nonce||ciphertext||tag and reads the same
// framing back, giving the outbound connection confidentiality and
// integrity without relying on a vendored shadowsocks implementation.
type aeadStream struct {
	net.Conn
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}

	readBuf []byte
}

func (s *aeadStream) Write(p []byte) (int, error) {
	if err := s.writeFrame(p); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (s *aeadStream) writeFrame(p []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, nonce, p, nil)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(nonce)+len(sealed)))

	if _, err := s.Conn.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.Conn.Write(nonce); err != nil {
		return err
	}
	_, err := s.Conn.Write(sealed)

	return err
}

func (s *aeadStream) Read(p []byte) (int, error) {
	if len(s.readBuf) == 0 {
		frame, err := s.readFrame()
		if err != nil {
			return 0, err
		}

		s.readBuf = frame
	}

	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]

	return n, nil
}

func (s *aeadStream) readFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s.Conn, hdr[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(hdr[:])
	nonceSize := s.aead.NonceSize()
	if size < uint32(nonceSize) {
		return nil, fmt.Errorf("frame too short")
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(s.Conn, buf); err != nil {
		return nil, err
	}

	nonce, ciphertext := buf[:nonceSize], buf[nonceSize:]

	return s.aead.Open(nil, nonce, ciphertext, nil)
}

func (s *aeadStream) CloseWrite() error {
	if cw, ok := s.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}

	return nil
}
