// Package crypto implements the dual-layer chunk envelope: an ECDH-derived
// AES-256-GCM key per peer pair, plus an optional room-wide key derived from
// the room password. Every ciphertext chunk is framed as
//
//	[1 byte roomIvLen][roomIv][12 byte peerIv][ciphertext]
//
// where the room layer is applied first on encrypt and removed last on
// decrypt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	gcmIVSize        = 12
	pbkdf2Iterations = 100_000
	roomSaltPrefix   = "clouddrop-room-"
	passwordDomain   = "clouddrop"

	// MinPasswordLength is enforced before any key derivation runs.
	MinPasswordLength = 6
)

// Manager owns the local ECDH keypair, the per-peer shared secrets and the
// optional room key. Peer entries are written only by that peer's task; the
// map itself is guarded for the cross-peer reads.
type Manager struct {
	mu       sync.RWMutex
	private  *ecdh.PrivateKey
	peerKeys map[string]cipher.AEAD
	roomKey  cipher.AEAD
}

// NewManager generates a fresh P-256 keypair for this session.
func NewManager() (*Manager, error) {
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Manager{
		private:  private,
		peerKeys: make(map[string]cipher.AEAD),
	}, nil
}

// PublicKeyBase64 returns the local public key, SPKI-encoded and base64'd,
// ready for a key-exchange frame.
func (m *Manager) PublicKeyBase64() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(m.private.PublicKey())
	if err != nil {
		return "", fmt.Errorf("export public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ImportPeerKey derives and stores the AES-256-GCM key shared with peerID
// from its base64 SPKI public key. The agreement is symmetric: both sides
// arrive at the same key with no further round-trips.
func (m *Manager) ImportPeerKey(peerID, publicKeyB64 string) error {
	der, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return fmt.Errorf("decode peer key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("parse peer key: %w", err)
	}

	var peerPub *ecdh.PublicKey
	switch key := parsed.(type) {
	case *ecdsa.PublicKey:
		peerPub, err = key.ECDH()
		if err != nil {
			return fmt.Errorf("convert peer key: %w", err)
		}
	case *ecdh.PublicKey:
		peerPub = key
	default:
		return fmt.Errorf("unsupported peer key type %T", parsed)
	}

	secret, err := m.private.ECDH(peerPub)
	if err != nil {
		return fmt.Errorf("ecdh agreement: %w", err)
	}

	// Both sides hash the raw shared secret down to the AES key.
	digest := sha256.Sum256(secret)
	aead, err := newAESGCM(digest[:])
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.peerKeys[peerID] = aead
	m.mu.Unlock()
	return nil
}

// HasPeerKey reports whether a shared key exists for peerID.
func (m *Manager) HasPeerKey(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peerKeys[peerID]
	return ok
}

// RemovePeer discards the shared secret for a departed peer.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	delete(m.peerKeys, peerID)
	m.mu.Unlock()
}

// SetRoomPassword derives the room key with PBKDF2-SHA256 and stores it.
func (m *Manager) SetRoomPassword(password, roomCode string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	salt := []byte(roomSaltPrefix + roomCode)
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
	aead, err := newAESGCM(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.roomKey = aead
	m.mu.Unlock()
	return nil
}

// ClearRoomPassword drops the room key, e.g. on leaving the room.
func (m *Manager) ClearRoomPassword() {
	m.mu.Lock()
	m.roomKey = nil
	m.mu.Unlock()
}

// HasRoomKey reports whether a room key is currently held.
func (m *Manager) HasRoomKey() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roomKey != nil
}

// HashPasswordForServer computes the salted composite hash the hub compares
// against: hex SHA-256 of "<password>:<roomCode>:clouddrop".
func HashPasswordForServer(password, roomCode string) string {
	digest := sha256.Sum256([]byte(password + ":" + roomCode + ":" + passwordDomain))
	return hex.EncodeToString(digest[:])
}

// EncryptChunk wraps plaintext for peerID: room layer first when a room key
// is set, then the peer layer, each under a fresh 12-byte IV.
func (m *Manager) EncryptChunk(peerID string, plaintext []byte) ([]byte, error) {
	m.mu.RLock()
	peerKey, ok := m.peerKeys[peerID]
	roomKey := m.roomKey
	m.mu.RUnlock()
	if !ok {
		return nil, &NoSharedKeyError{PeerID: peerID}
	}

	inner := plaintext
	var roomIV []byte
	if roomKey != nil {
		roomIV = make([]byte, gcmIVSize)
		if _, err := rand.Read(roomIV); err != nil {
			return nil, err
		}
		inner = roomKey.Seal(nil, roomIV, plaintext, nil)
	}

	peerIV := make([]byte, gcmIVSize)
	if _, err := rand.Read(peerIV); err != nil {
		return nil, err
	}
	sealed := peerKey.Seal(nil, peerIV, inner, nil)

	out := make([]byte, 0, 1+len(roomIV)+gcmIVSize+len(sealed))
	out = append(out, byte(len(roomIV)))
	out = append(out, roomIV...)
	out = append(out, peerIV...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptChunk unwraps a chunk from peerID, reversing the layers the sender
// applied. A chunk without a room layer is accepted even when a room key is
// held locally; a chunk with one fails with ErrRoomKeyMissing when it is not.
func (m *Manager) DecryptChunk(peerID string, chunk []byte) ([]byte, error) {
	m.mu.RLock()
	peerKey, ok := m.peerKeys[peerID]
	roomKey := m.roomKey
	m.mu.RUnlock()
	if !ok {
		return nil, &NoSharedKeyError{PeerID: peerID}
	}

	if len(chunk) < 1 {
		return nil, ErrMalformedChunk
	}
	roomIVLen := int(chunk[0])
	if roomIVLen != 0 && roomIVLen != gcmIVSize {
		return nil, ErrMalformedChunk
	}
	rest := chunk[1:]
	if len(rest) < roomIVLen+gcmIVSize {
		return nil, ErrMalformedChunk
	}
	roomIV := rest[:roomIVLen]
	peerIV := rest[roomIVLen : roomIVLen+gcmIVSize]
	sealed := rest[roomIVLen+gcmIVSize:]

	inner, err := peerKey.Open(nil, peerIV, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	if roomIVLen == 0 {
		return inner, nil
	}
	if roomKey == nil {
		return nil, ErrRoomKeyMissing
	}
	plaintext, err := roomKey.Open(nil, roomIV, inner, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
