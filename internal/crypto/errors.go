package crypto

import (
	"errors"
	"fmt"
)

var (
	ErrRoomKeyMissing   = errors.New("chunk carries a room layer but no room password is set")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrPasswordTooShort = errors.New("room password must be at least 6 characters")
	ErrMalformedChunk   = errors.New("malformed chunk")
)

// NoSharedKeyError reports a missing ECDH agreement for a peer.
type NoSharedKeyError struct {
	PeerID string
}

func (e *NoSharedKeyError) Error() string {
	return fmt.Sprintf("no shared key for peer %s", e.PeerID)
}

// IsNoSharedKey reports whether err is a missing-shared-key failure.
func IsNoSharedKey(err error) bool {
	var target *NoSharedKeyError
	return errors.As(err, &target)
}
