// Package secure provides the session cryptography for KVM Gate: X25519 key
// agreement, a secretbox session cipher with strict counter-nonce discipline,
// signed identity verification, and the salted double-hash password proof.
package secure

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of X25519 keys and the session key in bytes.
	KeySize = 32

	// NonceSize is the size of secretbox nonces in bytes.
	NonceSize = 24

	// CounterSize is the width of the nonce counter carried on the wire.
	CounterSize = 8

	// Overhead is the total expansion of an encrypted payload: the wire
	// counter prefix plus the Poly1305 tag.
	Overhead = CounterSize + secretbox.Overhead

	// DigestSize is the size of password digests and challenge answers.
	DigestSize = sha256.Size
)

var (
	// ErrAuthFailure is returned when an authentication tag does not verify.
	// This is fatal for the session: tampering and counter desync cannot be
	// distinguished at this layer.
	ErrAuthFailure = errors.New("message authentication failed")

	// ErrCounterMismatch is returned when a received counter is not the next
	// expected value. The protocol runs over TCP, so any gap is fatal.
	ErrCounterMismatch = errors.New("nonce counter mismatch")

	// ErrCiphertextTooShort is returned for ciphertexts smaller than the
	// minimum envelope.
	ErrCiphertextTooShort = errors.New("ciphertext too short")

	// ErrInvalidPeerKey is returned when a peer public key is rejected by
	// the key agreement.
	ErrInvalidPeerKey = errors.New("invalid peer public key")
)

// Session holds the symmetric key and nonce counters for one connection.
// Send-side nonce state is serialized internally; the receive side assumes a
// single reader, which the connection handler guarantees.
type Session struct {
	key [KeySize]byte

	mu       sync.Mutex
	sendCtr  uint64
	recvCtr  uint64
	secure   bool
	peerPub  [KeySize]byte
	havePeer bool
}

// NewSession creates a session with encryption disabled. Handshake messages
// travel in the clear until Enable is called after key agreement.
func NewSession() *Session {
	return &Session{}
}

// DeriveKey performs X25519 key agreement with the peer's public key and
// installs the shared secret as the session key. It rejects low-order peer
// keys. The caller must flip encryption on with Enable exactly once,
// immediately after the key exchange messages are through.
func (s *Session) DeriveKey(localPriv, peerPub [KeySize]byte) error {
	shared, err := curve25519.X25519(localPriv[:], peerPub[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.key[:], shared)
	s.peerPub = peerPub
	s.havePeer = true
	return nil
}

// Enable turns on transparent encryption. Called exactly once per session.
func (s *Session) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secure = true
}

// Secure reports whether payloads are being encrypted.
func (s *Session) Secure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secure
}

// PeerPublicKey returns the peer's session public key, if received.
func (s *Session) PeerPublicKey() ([KeySize]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerPub, s.havePeer
}

// Encrypt seals plaintext under the session key. The send counter is
// consumed and incremented under the session lock, so concurrent callers
// can never reuse a nonce; the counter travels as an 8-byte prefix.
func (s *Session) Encrypt(plaintext []byte) []byte {
	s.mu.Lock()
	ctr := s.sendCtr
	s.sendCtr++
	key := s.key
	s.mu.Unlock()

	nonce := counterNonce(ctr)

	out := make([]byte, CounterSize, CounterSize+len(plaintext)+secretbox.Overhead)
	binary.LittleEndian.PutUint64(out, ctr)

	return secretbox.Seal(out, plaintext, &nonce, &key)
}

// Decrypt opens a sealed payload. The carried counter must be exactly the
// next expected receive counter. On any failure the session state is left
// unmodified and the caller must close the connection.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrCiphertextTooShort
	}

	ctr := binary.LittleEndian.Uint64(ciphertext[:CounterSize])

	s.mu.Lock()
	expected := s.recvCtr
	key := s.key
	s.mu.Unlock()

	if ctr != expected {
		return nil, fmt.Errorf("%w: received %d, expected %d", ErrCounterMismatch, ctr, expected)
	}

	nonce := counterNonce(ctr)
	plaintext, ok := secretbox.Open(nil, ciphertext[CounterSize:], &nonce, &key)
	if !ok {
		return nil, ErrAuthFailure
	}

	s.mu.Lock()
	s.recvCtr = expected + 1
	s.mu.Unlock()

	return plaintext, nil
}

// Zero wipes the session key material.
func (s *Session) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.key {
		s.key[i] = 0
	}
}

// counterNonce builds a 24-byte secretbox nonce from a counter. The counter
// occupies the first 8 bytes little-endian; the remainder is zero. Each
// direction has its own monotonic counter, and send and receive use the
// same construction because the two directions use independent key roles
// at the protocol level (device only ever responds).
func counterNonce(ctr uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:], ctr)
	return nonce
}

// HashPassword computes the first round of the password proof:
// SHA-256(password || salt). The result is what both sides can derive
// without the plaintext password ever crossing the wire.
func HashPassword(password string, salt []byte) [DigestSize]byte {
	h := sha256.New()
	h.Write([]byte(password))
	h.Write(salt)
	var digest [DigestSize]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// ChallengeAnswer computes the second round: SHA-256(digest || challenge).
func ChallengeAnswer(digest [DigestSize]byte, challenge []byte) [DigestSize]byte {
	h := sha256.New()
	h.Write(digest[:])
	h.Write(challenge)
	var answer [DigestSize]byte
	copy(answer[:], h.Sum(nil))
	return answer
}

// VerifyChallenge checks a peer's challenge answer in constant time.
func VerifyChallenge(digest [DigestSize]byte, challenge, answer []byte) bool {
	want := ChallengeAnswer(digest, challenge)
	return subtle.ConstantTimeCompare(want[:], answer) == 1
}
