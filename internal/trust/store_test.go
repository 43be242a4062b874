package trust

import (
	"path/filepath"
	"testing"

	"github.com/yuunie/clouddrop/internal/device"
)

func TestTrustRoundTrip(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "trust.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	fp := device.Fingerprint("Laptop", "desktop", "clouddrop-cli linux/amd64")
	if store.IsTrusted(fp) {
		t.Fatalf("fresh store should trust nothing")
	}
	if err := store.Trust(fp); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	if !store.IsTrusted(fp) {
		t.Fatalf("fingerprint should be trusted after Trust")
	}
	if err := store.Revoke(fp); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if store.IsTrusted(fp) {
		t.Fatalf("fingerprint should be gone after Revoke")
	}
}

func TestFingerprintStable(t *testing.T) {
	a := device.Fingerprint("Laptop", "desktop", "x")
	b := device.Fingerprint("Laptop", "desktop", "x")
	if a != b {
		t.Fatalf("fingerprint must be deterministic")
	}
	if a == device.Fingerprint("Other", "desktop", "x") {
		t.Fatalf("different names must not collide")
	}
}
