// Package engine drives the per-peer connection state machine: it races
// direct connection establishment against a fallback timer, predicts path
// quality from gathered ICE candidates, restarts ICE after failures and
// quietly recovers a direct path in the background once relay has taken
// over.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/yuunie/clouddrop/internal/crypto"
	"github.com/yuunie/clouddrop/internal/protocol"
)

var (
	ErrNoDirectChannel = errors.New("no open direct channel")
	ErrPeerClosed      = errors.New("peer connection closed")
)

// Signaler sends frames through the hub session.
type Signaler interface {
	SendFrame(frame *protocol.Frame) error
}

// Callbacks receive engine events. OnDataMessage runs on pion's callback
// goroutine; the transfer layer processes each message on that goroutine.
type Callbacks struct {
	OnStatus      func(peerID string, status Status, message string)
	OnDataMessage func(peerID string, msg webrtc.DataChannelMessage)
}

// Engine owns every peerContext of the session.
type Engine struct {
	signaler   Signaler
	keys       *crypto.Manager
	ranker     *iceRanker
	callbacks  Callbacks
	forceRelay bool

	mu      sync.Mutex
	localID string
	peers   map[string]*peerContext
}

// New creates the engine. apiBaseURL serves /api/ice-servers; fallback is
// used when that endpoint is unreachable.
func New(signaler Signaler, keys *crypto.Manager, apiBaseURL string, fallback []protocol.ICEServer, forceRelay bool, callbacks Callbacks) *Engine {
	return &Engine{
		signaler:   signaler,
		keys:       keys,
		ranker:     newICERanker(apiBaseURL, fallback),
		callbacks:  callbacks,
		forceRelay: forceRelay,
		peers:      make(map[string]*peerContext),
	}
}

// SetLocalID records the hub-issued peer id; politeness is derived from it.
func (e *Engine) SetLocalID(id string) {
	e.mu.Lock()
	e.localID = id
	e.mu.Unlock()
}

// peer returns the context for peerID, creating it lazily.
func (e *Engine) peer(peerID string) *peerContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[peerID]; ok {
		return p
	}
	// The lexicographically smaller id is the polite peer.
	p := newPeerContext(peerID, e.localID < peerID)
	e.peers[peerID] = p
	return p
}

func (e *Engine) emitStatus(peerID string, status Status, message string) {
	if e.callbacks.OnStatus != nil {
		e.callbacks.OnStatus(peerID, status, message)
	}
}

// ModeOf reports the committed mode for a peer; empty while undecided.
func (e *Engine) ModeOf(peerID string) Mode {
	p := e.peer(peerID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// HasDirectChannel reports whether an open, key-ready direct channel exists.
func (e *Engine) HasDirectChannel(peerID string) bool {
	p := e.peer(peerID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dcOpen && e.keys.HasPeerKey(peerID)
}

// EnsureConnection obtains a usable path to peerID: the open direct channel
// when one exists, the relay once committed, otherwise it races a fresh
// direct attempt against the fallback timers.
func (e *Engine) EnsureConnection(ctx context.Context, peerID string) (Mode, error) {
	p := e.peer(peerID)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPeerClosed
	}
	if e.forceRelay {
		p.mode = ModeRelay
		p.mu.Unlock()
		e.emitStatus(peerID, StatusRelay, "")
		return ModeRelay, nil
	}
	if p.mode == ModeDirect && p.dcOpen && e.keys.HasPeerKey(peerID) {
		p.mu.Unlock()
		return ModeDirect, nil
	}
	if p.mode == ModeRelay {
		p.mu.Unlock()
		return ModeRelay, nil
	}
	if a := p.attempt; a != nil {
		// Join the pending attempt; a prewarm attempt is promoted so the
		// fallback timers start applying.
		a.promote()
		p.mu.Unlock()
		e.emitStatus(peerID, StatusConnecting, "")
		return e.awaitAttempt(ctx, a)
	}

	a := newAttempt(false)
	p.attempt = a
	p.mu.Unlock()

	e.emitStatus(peerID, StatusConnecting, "")
	go e.runAttempt(p, a)
	return e.awaitAttempt(ctx, a)
}

func (e *Engine) awaitAttempt(ctx context.Context, a *attempt) (Mode, error) {
	select {
	case <-a.done:
		return a.mode, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// runAttempt drives one direct attempt and its fallback timers.
func (e *Engine) runAttempt(p *peerContext, a *attempt) {
	if err := e.startDirect(p); err != nil {
		slog.Debug("direct attempt failed to start", "peer", p.id, "err", err)
		if a.isPrewarm() {
			e.abandonAttempt(p, a, err)
			return
		}
		e.commitRelay(p, a)
		return
	}

	p.mu.Lock()
	ready := p.ready
	p.mu.Unlock()

	slow := time.NewTimer(SlowThreshold)
	fast := time.NewTimer(FastFallbackTimeout)
	hard := time.NewTimer(ConnectionTimeout)
	defer slow.Stop()
	defer fast.Stop()
	defer hard.Stop()

	for {
		select {
		case <-ready:
			e.finishDirect(p, a)
			return

		case <-slow.C:
			if !a.isPrewarm() {
				e.emitStatus(p.id, StatusSlow, "still trying for a direct connection")
			}

		case <-fast.C:
			if a.isPrewarm() {
				continue
			}
			if p.prediction().relayOnly() {
				// Only relay candidates, or none at all: no point waiting.
				e.commitRelay(p, a)
				return
			}
			// The direct attempt is showing progress; extension granted.

		case <-hard.C:
			if a.isPrewarm() {
				// A failed prewarm never commits the peer to relay; the
				// next real transfer makes its own attempt.
				e.abandonAttempt(p, a, nil)
				return
			}
			e.commitRelay(p, a)
			return
		}
	}
}

// Prewarm starts a silent direct attempt shortly after peer discovery,
// purely to cut first-transfer latency.
func (e *Engine) Prewarm(peerID string) {
	delay := PrewarmDelayMin + time.Duration(rand.Int63n(int64(PrewarmDelayMax-PrewarmDelayMin)))
	time.AfterFunc(delay, func() {
		if e.forceRelay {
			return
		}
		p := e.peer(peerID)
		p.mu.Lock()
		if p.closed || p.attempt != nil || p.pc != nil || p.mode != "" {
			p.mu.Unlock()
			return
		}
		a := newAttempt(true)
		p.attempt = a
		p.mu.Unlock()
		go e.runAttempt(p, a)
	})
}

// startDirect creates the peer connection, opens the data channel and sends
// the initial offer. A no-op when a connection already exists (e.g. created
// by an incoming offer).
func (e *Engine) startDirect(p *peerContext) error {
	p.mu.Lock()
	if p.pc != nil {
		p.mu.Unlock()
		return nil
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: e.ranker.Servers()})
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.pc = pc
	p.mu.Unlock()

	e.wirePeerConnection(p, pc)

	ordered := true
	dc, err := pc.CreateDataChannel("clouddrop", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return err
	}
	e.attachDataChannel(p, dc)

	return e.makeOffer(p, false)
}

// wirePeerConnection installs the ICE and data-channel handlers.
func (e *Engine) wirePeerConnection(p *peerContext, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.mu.Lock()
		p.candidates.add(c.Typ)
		p.mu.Unlock()

		init := c.ToJSON()
		frame, err := protocol.NewDirectedFrame(protocol.TypeICE, p.id, protocol.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err != nil {
			return
		}
		if err := e.signaler.SendFrame(frame); err != nil {
			slog.Debug("send candidate", "peer", p.id, "err", err)
		}
	})

	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		if state == webrtc.ICEGatheringStateComplete {
			p.mu.Lock()
			p.candidates.gatheringComplete()
			p.mu.Unlock()
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			p.mu.Lock()
			if p.disconnectTimer != nil {
				p.disconnectTimer.Stop()
				p.disconnectTimer = nil
			}
			p.restarts = 0
			p.mu.Unlock()

		case webrtc.ICEConnectionStateDisconnected:
			e.armDisconnectTimer(p, pc)

		case webrtc.ICEConnectionStateFailed:
			go e.handleICEFailure(p)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.attachDataChannel(p, dc)
	})
}

// armDisconnectTimer gives a disconnected connection DisconnectedTimeout to
// come back before relay takes over.
func (e *Engine) armDisconnectTimer(p *peerContext, pc *webrtc.PeerConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnectTimer != nil || p.closed {
		return
	}
	p.disconnectTimer = time.AfterFunc(DisconnectedTimeout, func() {
		p.mu.Lock()
		p.disconnectTimer = nil
		stillDown := p.pc == pc && pc.ICEConnectionState() == webrtc.ICEConnectionStateDisconnected
		p.mu.Unlock()
		if stillDown {
			e.commitRelay(p, nil)
		}
	})
}

// handleICEFailure applies the restart policy: restart while P2P still
// looks possible and restarts remain, otherwise commit to relay.
func (e *Engine) handleICEFailure(p *peerContext) {
	pred := p.prediction()

	p.mu.Lock()
	if p.closed || p.pc == nil {
		p.mu.Unlock()
		return
	}
	if pred.P2PPossible && p.restarts < MaxIceRestarts {
		p.restarts++
		count := p.restarts
		p.mu.Unlock()

		slog.Info("restarting ICE", "peer", p.id, "attempt", count)
		time.Sleep(IceRestartDelay)
		if err := e.makeOffer(p, true); err != nil {
			slog.Debug("ice restart offer", "peer", p.id, "err", err)
			e.commitRelay(p, nil)
		}
		return
	}
	p.mu.Unlock()
	e.commitRelay(p, nil)
}

func (e *Engine) attachDataChannel(p *peerContext, dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.mu.Lock()
		p.dcOpen = true
		p.mu.Unlock()
		e.checkDirectReady(p)
	})
	dc.OnClose(func() {
		p.mu.Lock()
		p.dcOpen = false
		p.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if e.callbacks.OnDataMessage != nil {
			e.callbacks.OnDataMessage(p.id, msg)
		}
	})
}

// checkDirectReady closes the peer's ready gate once both the channel is
// open and the shared key is installed.
func (e *Engine) checkDirectReady(p *peerContext) {
	p.mu.Lock()
	ready := p.dcOpen && e.keys.HasPeerKey(p.id)
	p.mu.Unlock()
	if ready {
		p.signalReady()
	}
}

func (e *Engine) finishDirect(p *peerContext, a *attempt) {
	p.mu.Lock()
	p.mode = ModeDirect
	p.restarts = 0
	p.attempt = nil
	p.mu.Unlock()

	e.emitStatus(p.id, StatusConnected, "")
	a.finish(ModeDirect, nil)
}

func (e *Engine) abandonAttempt(p *peerContext, a *attempt, err error) {
	p.mu.Lock()
	p.attempt = nil
	p.resetConnectionLocked()
	p.mu.Unlock()
	a.finish("", err)
}

// commitRelay switches the peer to the relay path. The direct attempt keeps
// running in the background: if it completes later, or the recovery loop
// succeeds, the peer quietly switches back.
func (e *Engine) commitRelay(p *peerContext, a *attempt) {
	p.mu.Lock()
	if p.closed {
		if p.attempt == a {
			p.attempt = nil
		}
		p.mu.Unlock()
		if a != nil {
			a.finish("", ErrPeerClosed)
		}
		return
	}
	if p.mode == ModeRelay {
		if p.attempt == a {
			p.attempt = nil
		}
		p.mu.Unlock()
		if a != nil {
			a.finish(ModeRelay, nil)
		}
		return
	}
	p.mode = ModeRelay
	if p.attempt == a {
		p.attempt = nil
	}
	ready := p.ready
	p.mu.Unlock()

	e.emitStatus(p.id, StatusRelay, "")
	if a != nil {
		a.finish(ModeRelay, nil)
	}

	e.scheduleRecovery(p, ready)
}

// scheduleRecovery starts the silent background loop that keeps attempting
// a fresh direct connection while the peer sits on relay.
func (e *Engine) scheduleRecovery(p *peerContext, pendingReady chan struct{}) {
	p.mu.Lock()
	if p.recoveryCancel != nil || p.closed {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.recoveryCancel = cancel
	p.mu.Unlock()

	// The original direct task may still complete on its own before the
	// first recovery attempt tears it down.
	go func() {
		select {
		case <-pendingReady:
			e.switchToDirect(p)
		case <-ctx.Done():
		}
	}()

	go e.recoveryLoop(ctx, p)
}

func (e *Engine) recoveryLoop(ctx context.Context, p *peerContext) {
	timer := time.NewTimer(RecoveryInitialDelay)
	defer timer.Stop()

	for attemptN := 1; attemptN <= RecoveryMaxAttempts; attemptN++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if e.ModeOf(p.id) != ModeRelay {
			return
		}

		slog.Debug("background p2p retry", "peer", p.id, "attempt", attemptN)
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.resetConnectionLocked()
		p.mu.Unlock()

		if err := e.startDirect(p); err == nil {
			p.mu.Lock()
			ready := p.ready
			p.mu.Unlock()
			select {
			case <-ready:
				e.switchToDirect(p)
				return
			case <-ctx.Done():
				return
			case <-time.After(ConnectionTimeout):
			}
		}
		timer.Reset(RecoveryInterval)
	}
}

// switchToDirect flips a relay-mode peer back onto the recovered direct
// path. The status update is badge-only; no toast.
func (e *Engine) switchToDirect(p *peerContext) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mode = ModeDirect
	p.restarts = 0
	cancel := p.recoveryCancel
	p.recoveryCancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	slog.Info("direct path recovered", "peer", p.id)
	e.emitStatus(p.id, StatusConnected, "")
}

// SendData transmits a binary frame on the peer's direct channel.
func (e *Engine) SendData(peerID string, data []byte) error {
	dc := e.openChannel(peerID)
	if dc == nil {
		return ErrNoDirectChannel
	}
	return dc.Send(data)
}

// SendText transmits a text frame on the peer's direct channel.
func (e *Engine) SendText(peerID, text string) error {
	dc := e.openChannel(peerID)
	if dc == nil {
		return ErrNoDirectChannel
	}
	return dc.SendText(text)
}

// BufferedAmount exposes the channel's send queue depth for backpressure.
func (e *Engine) BufferedAmount(peerID string) uint64 {
	dc := e.openChannel(peerID)
	if dc == nil {
		return 0
	}
	return dc.BufferedAmount()
}

func (e *Engine) openChannel(peerID string) *webrtc.DataChannel {
	p := e.peer(peerID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dcOpen || p.dc == nil {
		return nil
	}
	return p.dc
}

// ClosePeer tears down every resource held for a departed peer: transport,
// timers, recovery loop and restart counters.
func (e *Engine) ClosePeer(peerID string) {
	e.mu.Lock()
	p, ok := e.peers[peerID]
	if ok {
		delete(e.peers, peerID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	p.closed = true
	cancel := p.recoveryCancel
	p.recoveryCancel = nil
	a := p.attempt
	p.attempt = nil
	p.resetConnectionLocked()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if a != nil {
		a.finish("", ErrPeerClosed)
	}
}

// Close tears down every peer, e.g. on hub disconnect.
func (e *Engine) Close() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.ClosePeer(id)
	}
}
