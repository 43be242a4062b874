package engine

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// attempt is one in-flight direct connection attempt. EnsureConnection
// callers that arrive while an attempt is pending join it instead of
// starting a second one; this also serialises prewarm against real
// transfers.
type attempt struct {
	done chan struct{}
	mode Mode
	err  error

	mu       sync.Mutex
	prewarm  bool
	finished bool
}

func newAttempt(prewarm bool) *attempt {
	return &attempt{done: make(chan struct{}), prewarm: prewarm}
}

// finish resolves the attempt exactly once; racing resolvers (the attempt
// task, a relay commitment, peer teardown) are no-ops after the first.
func (a *attempt) finish(mode Mode, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return
	}
	a.finished = true
	a.mode = mode
	a.err = err
	close(a.done)
}

// promote upgrades a prewarm attempt into a real one once a transfer joins
// it; the fallback timers then apply.
func (a *attempt) promote() {
	a.mu.Lock()
	a.prewarm = false
	a.mu.Unlock()
}

func (a *attempt) isPrewarm() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prewarm
}

// peerContext consolidates all per-peer connection state. It is owned by
// the engine; pion event callbacks and the peer's task synchronise on mu.
type peerContext struct {
	id     string
	polite bool

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	dc            *webrtc.DataChannel
	dcOpen        bool
	mode          Mode
	makingOffer   bool
	ignoreOffer   bool
	restarts      int
	candidates    *candidateSet
	pendingRemote []webrtc.ICECandidateInit
	keySent       bool

	// ready is closed once the data channel is open and the shared key is
	// installed; recreated for every fresh connection.
	ready chan struct{}

	attempt         *attempt
	disconnectTimer *time.Timer
	recoveryCancel  func()
	closed          bool
}

func newPeerContext(id string, polite bool) *peerContext {
	return &peerContext{
		id:         id,
		polite:     polite,
		candidates: newCandidateSet(),
		ready:      make(chan struct{}),
	}
}

// prediction snapshots the current quality prediction.
func (p *peerContext) prediction() Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.candidates.predict()
}

// signalReady closes the ready channel exactly once.
func (p *peerContext) signalReady() {
	select {
	case <-p.ready:
	default:
		close(p.ready)
	}
}

// resetConnectionLocked tears down the transport state ahead of a fresh
// attempt. Caller holds p.mu.
func (p *peerContext) resetConnectionLocked() {
	if p.disconnectTimer != nil {
		p.disconnectTimer.Stop()
		p.disconnectTimer = nil
	}
	if p.pc != nil {
		p.pc.Close()
		p.pc = nil
	}
	p.dc = nil
	p.dcOpen = false
	p.makingOffer = false
	p.ignoreOffer = false
	p.pendingRemote = nil
	p.candidates = newCandidateSet()
	p.ready = make(chan struct{})
}
