package secure

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/sign"
)

// SignatureOverhead is the expansion of a signed block.
const SignatureOverhead = sign.Overhead

// ErrBadSignature is returned when a signed identity block does not verify.
var ErrBadSignature = errors.New("identity signature verification failed")

// OpenSigned verifies a signature-prefixed block against the given Ed25519
// public key and returns the embedded message.
func OpenSigned(signed []byte, pub [KeySize]byte) ([]byte, error) {
	if len(signed) < SignatureOverhead {
		return nil, fmt.Errorf("%w: block too short", ErrBadSignature)
	}
	msg, ok := sign.Open(nil, signed, &pub)
	if !ok {
		return nil, ErrBadSignature
	}
	return msg, nil
}

// SignBlock produces a signature-prefixed block with the given Ed25519
// private key. Used by the device when registering its public key with the
// rendezvous server.
func SignBlock(message []byte, priv [64]byte) []byte {
	return sign.Sign(nil, message, &priv)
}

// GenerateKeypair generates a fresh X25519 keypair for session key
// agreement. The private key is clamped per the X25519 spec.
func GenerateKeypair() (priv, pub [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate private key: %w", err)
	}

	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], pubSlice)

	return priv, pub, nil
}

// RandomBytes fills a byte slice with cryptographically secure random bytes.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}
