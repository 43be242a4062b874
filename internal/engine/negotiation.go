package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/yuunie/clouddrop/internal/protocol"
)

// makeOffer generates and sends an offer, carrying the local public key.
// While it runs, makingOffer marks the collision window for Perfect
// Negotiation.
func (e *Engine) makeOffer(p *peerContext, iceRestart bool) error {
	p.mu.Lock()
	pc := p.pc
	if pc == nil || p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	p.makingOffer = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.makingOffer = false
		p.mu.Unlock()
	}()

	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	publicKey, err := e.keys.PublicKeyBase64()
	if err != nil {
		return err
	}
	frame, err := protocol.NewDirectedFrame(protocol.TypeOffer, p.id, protocol.SDPPayload{
		SDP:       pc.LocalDescription().SDP,
		PublicKey: publicKey,
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.keySent = true
	p.mu.Unlock()
	return e.signaler.SendFrame(frame)
}

// HandleOffer processes an incoming offer under Perfect Negotiation: the
// impolite peer drops a colliding offer, the polite peer rolls back its own
// and accepts.
func (e *Engine) HandleOffer(from string, payload protocol.SDPPayload) {
	p := e.peer(from)

	if payload.PublicKey != "" {
		if err := e.keys.ImportPeerKey(from, payload.PublicKey); err != nil {
			slog.Warn("import peer key from offer", "peer", from, "err", err)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.pc == nil {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: e.ranker.Servers()})
		if err != nil {
			p.mu.Unlock()
			slog.Error("create peer connection for offer", "peer", from, "err", err)
			return
		}
		p.pc = pc
		p.mu.Unlock()
		e.wirePeerConnection(p, pc)
		// Incoming-offer connections surface as a badge-only connecting
		// state.
		e.emitStatus(from, StatusConnecting, "incoming")
		p.mu.Lock()
	}
	pc := p.pc

	collision := p.makingOffer || pc.SignalingState() != webrtc.SignalingStateStable
	if collision && !p.polite {
		p.ignoreOffer = true
		p.mu.Unlock()
		slog.Debug("offer collision, impolite peer ignoring", "peer", from)
		return
	}
	p.ignoreOffer = false
	p.mu.Unlock()

	if collision {
		// Polite peer: roll back the local offer before accepting.
		if err := pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			slog.Warn("rollback failed", "peer", from, "err", err)
			return
		}
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  payload.SDP,
	}); err != nil {
		slog.Warn("set remote offer", "peer", from, "err", err)
		return
	}
	e.flushPendingCandidates(p)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		slog.Warn("create answer", "peer", from, "err", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		slog.Warn("set local answer", "peer", from, "err", err)
		return
	}

	publicKey, err := e.keys.PublicKeyBase64()
	if err != nil {
		return
	}
	frame, err := protocol.NewDirectedFrame(protocol.TypeAnswer, from, protocol.SDPPayload{
		SDP:       pc.LocalDescription().SDP,
		PublicKey: publicKey,
	})
	if err != nil {
		return
	}
	p.mu.Lock()
	p.keySent = true
	p.mu.Unlock()
	if err := e.signaler.SendFrame(frame); err != nil {
		slog.Debug("send answer", "peer", from, "err", err)
	}
	e.checkDirectReady(p)
}

// HandleAnswer installs the remote answer to our pending offer.
func (e *Engine) HandleAnswer(from string, payload protocol.SDPPayload) {
	p := e.peer(from)

	if payload.PublicKey != "" {
		if err := e.keys.ImportPeerKey(from, payload.PublicKey); err != nil {
			slog.Warn("import peer key from answer", "peer", from, "err", err)
		}
	}

	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  payload.SDP,
	}); err != nil {
		slog.Warn("set remote answer", "peer", from, "err", err)
		return
	}
	e.flushPendingCandidates(p)
	e.checkDirectReady(p)
}

// HandleCandidate adds one trickled remote candidate, buffering it until a
// remote description exists.
func (e *Engine) HandleCandidate(from string, payload protocol.CandidatePayload) {
	p := e.peer(from)

	init := webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	}

	p.mu.Lock()
	if p.ignoreOffer {
		// Candidates for an offer we dropped are dropped with it.
		p.mu.Unlock()
		return
	}
	pc := p.pc
	if pc == nil || pc.RemoteDescription() == nil {
		p.pendingRemote = append(p.pendingRemote, init)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		slog.Debug("add ICE candidate", "peer", from, "err", err)
	}
}

func (e *Engine) flushPendingCandidates(p *peerContext) {
	p.mu.Lock()
	pending := p.pendingRemote
	p.pendingRemote = nil
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return
	}
	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			slog.Debug("add buffered ICE candidate", "peer", p.id, "err", err)
		}
	}
}

// HandleKeyExchange imports the peer's key and answers with our own unless
// it already went out this session.
func (e *Engine) HandleKeyExchange(from string, payload protocol.KeyExchangePayload) {
	if err := e.keys.ImportPeerKey(from, payload.PublicKey); err != nil {
		slog.Warn("import exchanged key", "peer", from, "err", err)
		return
	}

	p := e.peer(from)
	p.mu.Lock()
	alreadySent := p.keySent
	p.keySent = true
	p.mu.Unlock()

	if !alreadySent {
		if err := e.sendKeyExchange(from); err != nil {
			slog.Debug("answer key exchange", "peer", from, "err", err)
		}
	}
	e.checkDirectReady(p)
}

func (e *Engine) sendKeyExchange(peerID string) error {
	publicKey, err := e.keys.PublicKeyBase64()
	if err != nil {
		return err
	}
	frame, err := protocol.NewDirectedFrame(protocol.TypeKeyExchange, peerID, protocol.KeyExchangePayload{
		PublicKey: publicKey,
	})
	if err != nil {
		return err
	}
	return e.signaler.SendFrame(frame)
}

// EnsureSharedKey obtains the ECDH agreement needed before any relay-path
// encryption: it sends our key over the hub and waits for the peer's to be
// installed.
func (e *Engine) EnsureSharedKey(ctx context.Context, peerID string) error {
	if e.keys.HasPeerKey(peerID) {
		return nil
	}

	p := e.peer(peerID)
	p.mu.Lock()
	p.keySent = true
	p.mu.Unlock()
	if err := e.sendKeyExchange(peerID); err != nil {
		return err
	}

	deadline := time.After(KeyExchangeTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("key exchange with %s timed out", peerID)
		case <-ticker.C:
			if e.keys.HasPeerKey(peerID) {
				return nil
			}
		}
	}
}
