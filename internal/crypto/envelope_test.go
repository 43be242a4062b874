package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func newPair(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	a, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager A: %v", err)
	}
	b, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager B: %v", err)
	}

	aPub, err := a.PublicKeyBase64()
	if err != nil {
		t.Fatalf("export A: %v", err)
	}
	bPub, err := b.PublicKeyBase64()
	if err != nil {
		t.Fatalf("export B: %v", err)
	}
	if err := a.ImportPeerKey("peer-b", bPub); err != nil {
		t.Fatalf("import into A: %v", err)
	}
	if err := b.ImportPeerKey("peer-a", aPub); err != nil {
		t.Fatalf("import into B: %v", err)
	}
	return a, b
}

func TestAgreementRoundTrip(t *testing.T) {
	a, b := newPair(t)

	plaintext := []byte("hello clouddrop")
	sealed, err := a.EncryptChunk("peer-b", plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := b.DecryptChunk("peer-a", sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("plaintext mismatch: got %q want %q", got, plaintext)
	}
}

func TestRoundTripSizes(t *testing.T) {
	a, b := newPair(t)

	for _, size := range []int{0, 1, 64 * 1024, 1024 * 1024} {
		plaintext := make([]byte, size)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("rand: %v", err)
		}
		sealed, err := a.EncryptChunk("peer-b", plaintext)
		if err != nil {
			t.Fatalf("encrypt %d bytes: %v", size, err)
		}
		got, err := b.DecryptChunk("peer-a", sealed)
		if err != nil {
			t.Fatalf("decrypt %d bytes: %v", size, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("mismatch at size %d", size)
		}
	}
}

func TestRoomLayerRoundTrip(t *testing.T) {
	a, b := newPair(t)
	if err := a.SetRoomPassword("hunter2!", "ABC234"); err != nil {
		t.Fatalf("set password A: %v", err)
	}
	if err := b.SetRoomPassword("hunter2!", "ABC234"); err != nil {
		t.Fatalf("set password B: %v", err)
	}

	plaintext := []byte("double wrapped")
	sealed, err := a.EncryptChunk("peer-b", plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if sealed[0] != 12 {
		t.Fatalf("roomIvLen: got %d want 12", sealed[0])
	}
	got, err := b.DecryptChunk("peer-a", sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("plaintext mismatch")
	}
}

func TestRoomLayerOptionalForReceiver(t *testing.T) {
	a, b := newPair(t)

	// Receiver holds a room key but the sender does not: still accepted.
	if err := b.SetRoomPassword("hunter2!", "ABC234"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	sealed, err := a.EncryptChunk("peer-b", []byte("plain peer layer"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if sealed[0] != 0 {
		t.Fatalf("roomIvLen: got %d want 0", sealed[0])
	}
	if _, err := b.DecryptChunk("peer-a", sealed); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
}

func TestRoomKeyMissing(t *testing.T) {
	a, b := newPair(t)
	if err := a.SetRoomPassword("hunter2!", "ABC234"); err != nil {
		t.Fatalf("set password: %v", err)
	}

	sealed, err := a.EncryptChunk("peer-b", []byte("room wrapped"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.DecryptChunk("peer-a", sealed); !errors.Is(err, ErrRoomKeyMissing) {
		t.Fatalf("expected ErrRoomKeyMissing, got %v", err)
	}
}

func TestTamperDetected(t *testing.T) {
	a, b := newPair(t)

	sealed, err := a.EncryptChunk("peer-b", []byte("authenticated"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := b.DecryptChunk("peer-a", sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestNoSharedKey(t *testing.T) {
	a, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := a.EncryptChunk("stranger", []byte("x")); !IsNoSharedKey(err) {
		t.Fatalf("expected NoSharedKeyError, got %v", err)
	}
}

func TestPasswordLength(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.SetRoomPassword("five5", "ABC234"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if err := m.SetRoomPassword("sixsix", "ABC234"); err != nil {
		t.Fatalf("six characters should succeed: %v", err)
	}
}

func TestRemovePeerDropsKey(t *testing.T) {
	a, _ := newPair(t)
	if !a.HasPeerKey("peer-b") {
		t.Fatalf("expected key for peer-b")
	}
	a.RemovePeer("peer-b")
	if a.HasPeerKey("peer-b") {
		t.Fatalf("key for peer-b should be gone")
	}
}
