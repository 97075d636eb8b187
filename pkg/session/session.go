// Package session wraps one controller connection with the narrow contract
// the pairing manager actually needs: read the request body, answer with a
// TLV8 response, and later upgrade the raw connection to the
// ChaCha20-Poly1305-framed one once Pair-Verify completes.
package session

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/zhangjianshe/hapd/pkg/chacha20poly1305"
	"github.com/zhangjianshe/hapd/pkg/hkdf"
	"github.com/zhangjianshe/hapd/pkg/tlv8"
)

// MimeTLV8 is the content type every pairing request/response body uses.
const MimeTLV8 = "application/pairing+tlv8"

// Adapter is the per-connection contract the pairing manager consumes. It is
// intentionally thin: everything about framing, keep-alive, and TCP itself
// belongs to the transport, not to the pairing core.
type Adapter struct {
	conn net.Conn

	// Abandoned is set by the façade when the underlying connection
	// closes; handlers dispatched after that point must no-op rather
	// than write to a dead socket.
	Abandoned bool
}

// New wraps conn.
func New(conn net.Conn) *Adapter {
	return &Adapter{conn: conn}
}

// ReadRequest parses one pairing request off the connection.
func (a *Adapter) ReadRequest(r *bufio.Reader) (*http.Request, error) {
	return http.ReadRequest(r)
}

// WriteTLV marshals v (a tlv8-tagged struct) and writes it as a 200 OK TLV8
// response. Per the wire contract, application-level pairing errors are
// also carried over HTTP 200 - only malformed requests get 4xx.
func (a *Adapter) WriteTLV(v any) error {
	if a.Abandoned {
		return nil
	}

	body, err := tlv8.Marshal(v)
	if err != nil {
		return err
	}
	return a.writeResponse(http.StatusOK, body)
}

// WriteJSON writes body as a 200 OK application/hap+json response, used by
// the /accessories endpoint rather than the TLV8 pairing ones.
func (a *Adapter) WriteJSON(body []byte) error {
	if a.Abandoned {
		return nil
	}
	header := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: application/hap+json\r\nContent-Length: %d\r\n\r\n",
		len(body),
	)
	_, err := a.conn.Write(append([]byte(header), body...))
	return err
}

// WriteRaw writes body as a 200 OK TLV8 response verbatim, for callers that
// have already built a TLV8 chain themselves (e.g. a list response shaped
// differently than Marshal's struct-tag convention produces).
func (a *Adapter) WriteRaw(body []byte) error {
	if a.Abandoned {
		return nil
	}
	return a.writeResponse(http.StatusOK, body)
}

// WriteBadRequest answers a malformed request with a 400 and no body.
func (a *Adapter) WriteBadRequest() error {
	if a.Abandoned {
		return nil
	}
	return a.writeResponse(http.StatusBadRequest, nil)
}

func (a *Adapter) writeResponse(statusCode int, body []byte) error {
	header := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		statusCode, http.StatusText(statusCode), MimeTLV8, len(body),
	)
	_, err := a.conn.Write(append([]byte(header), body...))
	return err
}

// Upgrade derives the post-handshake read/write keys from sharedKey (the
// Pair-Verify ECDH output) and returns a net.Conn that transparently
// encrypts/decrypts every frame with ChaCha20-Poly1305, per HAP's
// "Control-Salt"/"Control-Read/Write-Encryption-Key" derivation.
func Upgrade(conn net.Conn, sharedKey [32]byte, isAccessory bool) (net.Conn, error) {
	readLabelKey, err := hkdf.Sha512(sharedKey[:], "Control-Salt", "Control-Read-Encryption-Key")
	if err != nil {
		return nil, err
	}
	writeLabelKey, err := hkdf.Sha512(sharedKey[:], "Control-Salt", "Control-Write-Encryption-Key")
	if err != nil {
		return nil, err
	}

	sc := &securedConn{conn: conn}
	if isAccessory {
		sc.encryptKey, sc.decryptKey = readLabelKey, writeLabelKey
	} else {
		sc.encryptKey, sc.decryptKey = writeLabelKey, readLabelKey
	}
	return sc, nil
}

// packetSizeMax is the largest plaintext chunk encrypted into one frame.
const packetSizeMax = 0x400

type securedConn struct {
	conn net.Conn

	encryptKey, decryptKey [32]byte
	encryptCount           uint64
	decryptCount           uint64

	pending []byte
}

func (c *securedConn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}

	var lengthBuf [2]byte
	if _, err := io.ReadFull(c.conn, lengthBuf[:]); err != nil {
		return 0, err
	}
	length := int(lengthBuf[0]) | int(lengthBuf[1])<<8

	frame := make([]byte, length+16)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return 0, err
	}

	plaintext, err := chacha20poly1305.DecryptCounter(c.decryptKey[:], c.decryptCount, frame, lengthBuf[:])
	c.decryptCount++
	if err != nil {
		return 0, err
	}

	n := copy(b, plaintext)
	if n < len(plaintext) {
		c.pending = plaintext[n:]
	}
	return n, nil
}

func (c *securedConn) Write(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > packetSizeMax {
			chunk = chunk[:packetSizeMax]
		}

		var lengthBuf [2]byte
		lengthBuf[0] = byte(len(chunk))
		lengthBuf[1] = byte(len(chunk) >> 8)

		ciphertext, err := chacha20poly1305.EncryptCounter(c.encryptKey[:], c.encryptCount, chunk, lengthBuf[:])
		c.encryptCount++
		if err != nil {
			return total, err
		}

		if _, err := c.conn.Write(lengthBuf[:]); err != nil {
			return total, err
		}
		if _, err := c.conn.Write(ciphertext); err != nil {
			return total, err
		}

		total += len(chunk)
		b = b[len(chunk):]
	}
	return total, nil
}

func (c *securedConn) Close() error                  { return c.conn.Close() }
func (c *securedConn) LocalAddr() net.Addr           { return c.conn.LocalAddr() }
func (c *securedConn) RemoteAddr() net.Addr          { return c.conn.RemoteAddr() }
func (c *securedConn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }
func (c *securedConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}
func (c *securedConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
