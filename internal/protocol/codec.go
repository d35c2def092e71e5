package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/kvmgate/kvmgate/internal/secure"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size.
	// The length is rejected from the header alone, before any payload
	// bytes are buffered.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Variable-width length header: the payload length is shifted left two
// bits and the low two bits of the first little-endian byte select the
// header width (00=1, 01=2, 10=3, 11=4 bytes). The writer always uses the
// minimum width that can represent the length.
const (
	maxLen1 = 1<<6 - 1
	maxLen2 = 1<<14 - 1
	maxLen3 = 1<<22 - 1
	maxLen4 = 1<<30 - 1
)

// EncodeHeader encodes a payload length into its minimal header form.
func EncodeHeader(length int) ([]byte, error) {
	if length < 0 || length > maxLen4 {
		return nil, ErrFrameTooLarge
	}

	v := uint32(length) << 2
	switch {
	case length <= maxLen1:
		return []byte{byte(v)}, nil
	case length <= maxLen2:
		v |= 1
		return []byte{byte(v), byte(v >> 8)}, nil
	case length <= maxLen3:
		v |= 2
		return []byte{byte(v), byte(v >> 8), byte(v >> 16)}, nil
	default:
		v |= 3
		return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}, nil
	}
}

// Codec frames messages over a byte stream with the variable-width length
// header, transparently encrypting payloads once the session has completed
// key agreement. It is not safe for concurrent writers; the connection
// handler serializes all writes through a single goroutine, which also
// keeps the session's send nonce strictly ordered.
type Codec struct {
	rw         io.ReadWriter
	session    *secure.Session
	maxPayload int
}

// NewCodec creates a codec over rw. The session controls transparent
// encryption; maxPayload bounds frames in both directions.
func NewCodec(rw io.ReadWriter, session *secure.Session, maxPayload int) *Codec {
	return &Codec{rw: rw, session: session, maxPayload: maxPayload}
}

// WriteMessage frames and sends one message.
func (c *Codec) WriteMessage(m Message) error {
	return c.WriteRaw(Encode(m))
}

// WriteRaw frames and sends an already-encoded message payload.
func (c *Codec) WriteRaw(payload []byte) error {
	if c.session.Secure() {
		payload = c.session.Encrypt(payload)
	}

	if len(payload) > c.maxPayload+secure.Overhead {
		return ErrFrameTooLarge
	}

	header, err := EncodeHeader(len(payload))
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)

	_, err = c.rw.Write(buf)
	return err
}

// ReadMessage reads and decodes the next message, decrypting it when the
// session is secure. A decrypt failure is fatal for the connection.
func (c *Codec) ReadMessage() (Message, error) {
	payload, err := c.readFrame()
	if err != nil {
		return nil, err
	}

	if c.session.Secure() {
		payload, err = c.session.Decrypt(payload)
		if err != nil {
			return nil, err
		}
	}

	return Decode(payload)
}

// readFrame reads one length-prefixed frame body.
func (c *Codec) readFrame() ([]byte, error) {
	var first [1]byte
	if _, err := io.ReadFull(c.rw, first[:]); err != nil {
		return nil, err
	}

	width := int(first[0]&0x03) + 1
	v := uint32(first[0])
	if width > 1 {
		rest := make([]byte, width-1)
		if _, err := io.ReadFull(c.rw, rest); err != nil {
			return nil, fmt.Errorf("%w: header truncated: %v", ErrInvalidFrame, err)
		}
		for i, b := range rest {
			v |= uint32(b) << (8 * (i + 1))
		}
	}

	length := int(v >> 2)
	if length > c.maxPayload+secure.Overhead {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.rw, payload); err != nil {
			return nil, fmt.Errorf("%w: payload truncated: %v", ErrInvalidFrame, err)
		}
	}
	return payload, nil
}
