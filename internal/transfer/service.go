// Package transfer implements the file-transfer protocol on top of whatever
// path the connection engine has chosen: the request/accept/cancel control
// plane over the hub, plain ordered streaming on the direct channel, and a
// windowed, acknowledged, retransmitting stream on the relay path.
package transfer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yuunie/clouddrop/internal/engine"
	"github.com/yuunie/clouddrop/internal/protocol"
)

// Connector is the connection-engine surface the protocol drives.
type Connector interface {
	EnsureConnection(ctx context.Context, peerID string) (engine.Mode, error)
	EnsureSharedKey(ctx context.Context, peerID string) error
	HasDirectChannel(peerID string) bool
	SendData(peerID string, data []byte) error
	SendText(peerID, text string) error
	BufferedAmount(peerID string) uint64
}

// Envelope is the crypto surface wrapping every chunk.
type Envelope interface {
	EncryptChunk(peerID string, plaintext []byte) ([]byte, error)
	DecryptChunk(peerID string, chunk []byte) ([]byte, error)
}

// HubSender sends control frames and relay data through the hub session.
type HubSender interface {
	SendFrame(frame *protocol.Frame) error
	SendRelay(to string, payload []byte) error
}

type response struct {
	accepted bool
	err      error
}

// pendingRequest is a sender-side wait for file-response.
type pendingRequest struct {
	peerID string
	respCh chan response
}

// Service owns all transfer state for the session.
type Service struct {
	conn Connector
	env  Envelope
	hub  HubSender
	obs  Observer

	// strict fails a short relay transfer instead of delivering the
	// partial assembly.
	strict bool

	// ResolveName maps a peer id to its display name for request events.
	ResolveName func(peerID string) string

	mu       sync.Mutex
	outgoing map[string]*OutgoingTransfer
	incoming map[string]*IncomingTransfer
	pending  map[string]*pendingRequest
	// directIn tracks which incoming file the peer's direct channel is
	// currently streaming, since direct binary chunks carry no id.
	directIn map[string]string
}

// NewService creates the transfer service.
func NewService(conn Connector, env Envelope, hub HubSender, obs Observer, strict bool) *Service {
	return &Service{
		conn:     conn,
		env:      env,
		hub:      hub,
		obs:      obs,
		strict:   strict,
		outgoing: make(map[string]*OutgoingTransfer),
		incoming: make(map[string]*IncomingTransfer),
		pending:  make(map[string]*pendingRequest),
		directIn: make(map[string]string),
	}
}

func (s *Service) peerName(peerID string) string {
	if s.ResolveName != nil {
		return s.ResolveName(peerID)
	}
	return peerID
}

// HandleFrame routes transfer-plane hub frames.
func (s *Service) HandleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeFileRequest:
		var payload protocol.FileRequestPayload
		if err := frame.DecodeData(&payload); err != nil {
			return
		}
		s.handleFileRequest(frame.From, payload)

	case protocol.TypeFileResp:
		var payload protocol.FileResponsePayload
		if err := frame.DecodeData(&payload); err != nil {
			return
		}
		s.resolvePending(payload.FileID, response{accepted: payload.Accepted})

	case protocol.TypeFileCancel:
		var payload protocol.FileCancelPayload
		if err := frame.DecodeData(&payload); err != nil {
			return
		}
		s.handleCancel(frame.From, payload.FileID, payload.Reason)

	case protocol.TypeText:
		var payload protocol.TextPayload
		if err := frame.DecodeData(&payload); err != nil {
			return
		}
		s.handleText(frame.From, payload.Data)
	}
}

// HandleRelay routes one relay-path stream message from a peer.
func (s *Service) HandleRelay(from string, payload []byte) {
	msg, err := decodeRelayMessage(payload)
	if err != nil {
		slog.Debug("unparseable relay message", "peer", from, "err", err)
		return
	}

	switch {
	case msg.Type == MessageTypeFileStart && msg.Start != nil:
		s.handleFileStart(from, *msg.Start)
	case msg.Type == MessageTypeChunk && msg.Chunk != nil:
		s.handleRelayChunk(from, *msg.Chunk)
	case msg.Type == MessageTypeAck && msg.Ack != nil:
		s.handleAck(*msg.Ack)
	case msg.Type == MessageTypeFileEnd && msg.End != nil:
		s.handleFileEnd(from, *msg.End)
	}
}

// HandleDataText routes a JSON control frame from the direct channel.
func (s *Service) HandleDataText(from, text string) {
	var msg StreamMessage
	if err := msg.decodeJSON(text); err != nil {
		slog.Debug("unparseable data-channel message", "peer", from, "err", err)
		return
	}

	switch msg.Type {
	case MessageTypeFileStart:
		var p FileStartPayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		s.handleDirectStart(from, p)

	case MessageTypeFileEnd:
		var p FileEndPayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		s.handleDirectEnd(from, p)

	case MessageTypeCancel:
		var p CancelPayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		s.handleCancel(from, p.FileID, p.Reason)

	case MessageTypeText:
		var p TextMessagePayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		s.handleText(from, p.Data)
	}
}

// HandleDataBinary consumes one encrypted chunk from the direct channel.
func (s *Service) HandleDataBinary(from string, data []byte) {
	s.handleDirectChunk(from, data)
}

func (s *Service) handleText(from string, ciphertext []byte) {
	plaintext, err := s.env.DecryptChunk(from, ciphertext)
	if err != nil {
		slog.Warn("text decrypt failed", "peer", from, "err", err)
		return
	}
	if s.obs.OnText != nil {
		s.obs.OnText(from, string(plaintext))
	}
}

// SendText delivers a text message, preferring the direct channel and
// falling back to an encrypted hub frame.
func (s *Service) SendText(ctx context.Context, peerID, text string) error {
	if !s.conn.HasDirectChannel(peerID) {
		if err := s.conn.EnsureSharedKey(ctx, peerID); err != nil {
			return NewError("text key exchange", err)
		}
	}
	ciphertext, err := s.env.EncryptChunk(peerID, []byte(text))
	if err != nil {
		return NewError("encrypt text", err)
	}

	if s.conn.HasDirectChannel(peerID) {
		msg, err := newStreamMessage(MessageTypeText, TextMessagePayload{Data: ciphertext})
		if err != nil {
			return err
		}
		encoded, err := msg.encodeJSON()
		if err != nil {
			return err
		}
		if err := s.conn.SendText(peerID, encoded); err == nil {
			return nil
		}
		// Channel died under us; the hub still works.
	}

	frame, err := protocol.NewDirectedFrame(protocol.TypeText, peerID, protocol.TextPayload{Data: ciphertext})
	if err != nil {
		return err
	}
	return s.hub.SendFrame(frame)
}

func (s *Service) resolvePending(fileID string, resp response) {
	s.mu.Lock()
	req, ok := s.pending[fileID]
	if ok {
		delete(s.pending, fileID)
	}
	s.mu.Unlock()
	if ok {
		req.respCh <- resp
	}
}

// handleCancel applies a remote cancel to whichever side of the transfer we
// hold.
func (s *Service) handleCancel(from, fileID, reason string) {
	// A cancel while we are still waiting for file-response fails phase 2.
	s.resolvePending(fileID, response{err: ErrPeerCancelled})

	s.mu.Lock()
	if out, ok := s.outgoing[fileID]; ok {
		out.cancel(reason, ErrPeerCancelled)
	}
	in, ok := s.incoming[fileID]
	if ok {
		in.cancelled = true
		delete(s.incoming, fileID)
		if s.directIn[in.peerID] == fileID {
			delete(s.directIn, in.peerID)
		}
	}
	s.mu.Unlock()

	if s.obs.OnCancelled != nil {
		s.obs.OnCancelled(from, fileID, reason)
	}
}

// Cancel aborts a transfer locally and tells the peer over both paths.
func (s *Service) Cancel(peerID, fileID, reason string) {
	s.mu.Lock()
	if out, ok := s.outgoing[fileID]; ok {
		out.cancel(reason, ErrUserCancelled)
	}
	if in, ok := s.incoming[fileID]; ok {
		in.cancelled = true
		delete(s.incoming, fileID)
		if s.directIn[in.peerID] == fileID {
			delete(s.directIn, in.peerID)
		}
	}
	s.mu.Unlock()

	frame, err := protocol.NewDirectedFrame(protocol.TypeFileCancel, peerID, protocol.FileCancelPayload{
		FileID: fileID,
		Reason: reason,
	})
	if err == nil {
		if err := s.hub.SendFrame(frame); err != nil {
			slog.Debug("send cancel via hub", "err", err)
		}
	}

	// Mirror on the data channel when open; it usually arrives first.
	if s.conn.HasDirectChannel(peerID) {
		if msg, err := newStreamMessage(MessageTypeCancel, CancelPayload{FileID: fileID, Reason: reason}); err == nil {
			if encoded, err := msg.encodeJSON(); err == nil {
				s.conn.SendText(peerID, encoded)
			}
		}
	}

	if s.obs.OnCancelled != nil {
		s.obs.OnCancelled(peerID, fileID, reason)
	}
}

// FailAll aborts every transfer in flight, e.g. when the hub connection
// drops. Peer state is discarded wholesale.
func (s *Service) FailAll(err error) {
	s.mu.Lock()
	for id, req := range s.pending {
		delete(s.pending, id)
		req.respCh <- response{err: err}
	}
	for _, out := range s.outgoing {
		out.cancel("network", err)
	}
	s.incoming = make(map[string]*IncomingTransfer)
	s.directIn = make(map[string]string)
	s.mu.Unlock()
}

// progress emits one progress event.
func (s *Service) progress(peerID, fileID, name string, size, done int64, startedAt time.Time) {
	if s.obs.OnProgress == nil {
		return
	}
	percent := 100.0
	if size > 0 {
		percent = float64(done) / float64(size) * 100
	}
	elapsed := time.Since(startedAt).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(done) / elapsed
	}
	s.obs.OnProgress(ProgressEvent{
		PeerID:   peerID,
		FileID:   fileID,
		FileName: name,
		FileSize: size,
		Sent:     done,
		Total:    size,
		Percent:  percent,
		Speed:    speed,
	})
}
