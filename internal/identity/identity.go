// Package identity provides the long-lived device identity: a stable device
// identifier, an Ed25519 signing keypair used to prove the device to the
// rendezvous server, and the X25519 encryption keypair derived from it for
// per-session key agreement.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const (
	// DeviceIDSize is the size of a generated device identifier in bytes
	// before hex encoding.
	DeviceIDSize = 8

	// KeySize is the size of public keys and the X25519 private key in bytes.
	KeySize = 32

	idFileName   = "device_id"
	seedFileName = "signing_key"
)

var (
	// ErrInvalidSeed is returned when the persisted signing seed is malformed.
	ErrInvalidSeed = errors.New("invalid signing key seed")

	// ErrInvalidDeviceID is returned when the persisted device ID is malformed.
	ErrInvalidDeviceID = errors.New("invalid device ID")
)

// DeviceIdentity holds the process-wide device identity. It is immutable
// after construction and safe to share across the mediator and all sessions.
type DeviceIdentity struct {
	id string

	signPub  [KeySize]byte
	signPriv [ed25519.PrivateKeySize]byte

	encPub  [KeySize]byte
	encPriv [KeySize]byte
}

// Generate creates a fresh identity with a random device ID and signing
// keypair. It fails only if the entropy source fails.
func Generate() (*DeviceIdentity, error) {
	var raw [DeviceIDSize]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return nil, fmt.Errorf("generate device ID: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing keypair: %w", err)
	}

	return fromParts(hex.EncodeToString(raw[:]), priv.Seed())
}

// FromSeed reconstructs an identity from a device ID and a 32-byte Ed25519
// seed. The encryption keypair is derived deterministically from the seed.
func FromSeed(deviceID string, seed []byte) (*DeviceIdentity, error) {
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSeed, len(seed))
	}
	return fromParts(deviceID, seed)
}

func fromParts(deviceID string, seed []byte) (*DeviceIdentity, error) {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	ident := &DeviceIdentity{id: deviceID}
	copy(ident.signPub[:], pub)
	copy(ident.signPriv[:], priv)

	// The wire protocol presents a single public identity for both signing
	// and key agreement, so the X25519 keypair is derived from the Ed25519
	// seed: the scalar is the clamped first half of SHA-512(seed).
	h := sha512.Sum512(seed)
	copy(ident.encPriv[:], h[:KeySize])
	ident.encPriv[0] &= 248
	ident.encPriv[31] &= 127
	ident.encPriv[31] |= 64

	encPub, err := curve25519.X25519(ident.encPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive encryption public key: %w", err)
	}
	copy(ident.encPub[:], encPub)

	return ident, nil
}

// ID returns the stable device identifier.
func (d *DeviceIdentity) ID() string { return d.id }

// SigningPublicKey returns the Ed25519 public key.
func (d *DeviceIdentity) SigningPublicKey() [KeySize]byte { return d.signPub }

// EncryptionPublicKey returns the X25519 public key.
func (d *DeviceIdentity) EncryptionPublicKey() [KeySize]byte { return d.encPub }

// EncryptionPrivateKey returns the X25519 private key for session key
// agreement. The signing private key is deliberately not exposed raw; use
// Sign instead.
func (d *DeviceIdentity) EncryptionPrivateKey() [KeySize]byte { return d.encPriv }

// Sign signs a message with the device's Ed25519 key and returns the
// detached signature.
func (d *DeviceIdentity) Sign(message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(d.signPriv[:]), message)
}

// SignBlock produces a signature-prefixed block (signature followed by the
// message) in the layout secure.OpenSigned verifies.
func (d *DeviceIdentity) SignBlock(message []byte) []byte {
	sig := ed25519.Sign(ed25519.PrivateKey(d.signPriv[:]), message)
	return append(sig, message...)
}

// ShortID returns a shortened device identifier for logs.
func (d *DeviceIdentity) ShortID() string {
	if len(d.id) <= 8 {
		return d.id
	}
	return d.id[:8]
}

// Store persists the identity to the data directory. Files are written
// atomically with 0600 permissions.
func (d *DeviceIdentity) Store(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	seed := ed25519.PrivateKey(d.signPriv[:]).Seed()
	if err := writeAtomic(filepath.Join(dataDir, seedFileName), hex.EncodeToString(seed)+"\n"); err != nil {
		return fmt.Errorf("failed to persist signing key: %w", err)
	}
	if err := writeAtomic(filepath.Join(dataDir, idFileName), d.id+"\n"); err != nil {
		return fmt.Errorf("failed to persist device ID: %w", err)
	}
	return nil
}

func writeAtomic(path, content string) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(content), 0600); err != nil {
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}

// Load reads a persisted identity from the data directory.
func Load(dataDir string) (*DeviceIdentity, error) {
	idData, err := os.ReadFile(filepath.Join(dataDir, idFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read device ID: %w", err)
	}
	seedData, err := os.ReadFile(filepath.Join(dataDir, seedFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	deviceID := strings.TrimSpace(string(idData))
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(seedData)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	return FromSeed(deviceID, seed)
}

// Exists reports whether a persisted identity is present in the data directory.
func Exists(dataDir string) bool {
	if _, err := os.Stat(filepath.Join(dataDir, idFileName)); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(dataDir, seedFileName))
	return err == nil
}

// LoadOrCreate loads an existing identity from the data directory, or
// creates and persists a new one if none exists. When the configured ID is
// not "auto" it overrides the generated identifier for a fresh identity.
func LoadOrCreate(dataDir, configuredID string) (*DeviceIdentity, bool, error) {
	if Exists(dataDir) {
		ident, err := Load(dataDir)
		if err != nil {
			return nil, false, err
		}
		return ident, false, nil
	}

	ident, err := Generate()
	if err != nil {
		return nil, false, err
	}

	if configuredID != "" && configuredID != "auto" {
		ident, err = FromSeed(configuredID, ed25519.PrivateKey(ident.signPriv[:]).Seed())
		if err != nil {
			return nil, false, err
		}
	}

	if err := ident.Store(dataDir); err != nil {
		return nil, false, err
	}
	return ident, true, nil
}
