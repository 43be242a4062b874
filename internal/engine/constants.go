package engine

import "time"

// Mode is the transfer path chosen for a peer.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeRelay  Mode = "relay"
)

// Status is the observable connection state reported to the UI.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusSlow       Status = "slow"
	StatusRelay      Status = "relay"
	StatusConnected  Status = "connected"
)

// Connection racing and recovery timing.
const (
	// SlowThreshold is when the UI is told the direct attempt is dragging.
	SlowThreshold = 3 * time.Second

	// FastFallbackTimeout is when the quality prediction is consulted for
	// an early relay commitment.
	FastFallbackTimeout = 5 * time.Second

	// ConnectionTimeout is the unconditional relay commitment point.
	ConnectionTimeout = 10 * time.Second

	// DisconnectedTimeout is how long an established connection may sit in
	// the disconnected state before relay takes over.
	DisconnectedTimeout = 3 * time.Second

	// IceRestartDelay pauses between a failure and the restart offer.
	IceRestartDelay = 500 * time.Millisecond

	// MaxIceRestarts bounds restart attempts per connection.
	MaxIceRestarts = 2

	// Silent background recovery cadence after a relay commitment.
	RecoveryInitialDelay = 10 * time.Second
	RecoveryInterval     = 30 * time.Second
	RecoveryMaxAttempts  = 10

	// Prewarm delay bounds after peer discovery.
	PrewarmDelayMin = 300 * time.Millisecond
	PrewarmDelayMax = 600 * time.Millisecond

	// KeyExchangeTimeout bounds the relay-path key exchange wait.
	KeyExchangeTimeout = 5 * time.Second
)

// ICE server ranking.
const (
	ProbeTimeout   = 2 * time.Second
	RankedCacheTTL = 5 * time.Minute
)
