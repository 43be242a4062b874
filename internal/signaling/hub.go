// Package signaling implements the room-scoped relay at the centre of
// CloudDrop: it tracks membership, gates password-protected rooms and
// forwards negotiation and relay traffic point-to-point between peers. The
// hub is deliberately stateless about transfer content: it forwards, it does
// not validate.
package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"log/slog"

	"github.com/yuunie/clouddrop/internal/protocol"
)

// inboundFrame is one parsed text frame awaiting hub processing.
type inboundFrame struct {
	client *Client
	frame  *protocol.Frame
}

// relayEnvelope is one binary relay message awaiting routing.
type relayEnvelope struct {
	client *Client
	raw    []byte
}

// Hub is the central brain of the signaling service. It manages all active
// rooms and sessions from a single goroutine; the channels below are its
// only inputs.
type Hub struct {
	// rooms maps canonical room codes to Room instances.
	rooms map[string]*Room

	// Passwords is shared with the HTTP layer for the password endpoints.
	Passwords *PasswordStore

	Register   chan *Client
	Unregister chan *Client
	Inbound    chan *inboundFrame
	Relay      chan *relayEnvelope
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]*Room),
		Passwords:  NewPasswordStore(),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *inboundFrame, 64),
		Relay:      make(chan *relayEnvelope, 256),
	}
}

// NewPeerID issues an opaque 128-bit peer identifier.
func NewPeerID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		log.Panic("failed to generate peer id:", err)
	}
	return hex.EncodeToString(raw[:])
}

// Run starts the hub's main processing loop. This is the single goroutine
// that safely manages all room state.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			// The session is not a room member yet; membership starts with
			// its join frame.
			slog.Debug("session registered", "peer", client.PeerID, "room", client.RoomCode)

		case client := <-h.Unregister:
			h.removeClient(client)

		case in := <-h.Inbound:
			h.handleFrame(in.client, in.frame)

		case env := <-h.Relay:
			h.routeRelay(env.client, env.raw)
		}
	}
}

func (h *Hub) handleFrame(client *Client, frame *protocol.Frame) {
	// Everything addressed to a peer is forwarded verbatim with From
	// stamped; the hub handles the rest locally.
	if frame.To != "" {
		h.forward(client, frame)
		return
	}

	switch frame.Type {
	case protocol.TypeJoin:
		h.handleJoin(client, frame)

	case protocol.TypeNameChanged:
		h.handleNameChanged(client, frame)

	default:
		slog.Debug("unhandled frame type", "type", frame.Type, "peer", client.PeerID)
	}
}

func (h *Hub) handleJoin(client *Client, frame *protocol.Frame) {
	var payload protocol.JoinPayload
	if frame.Data != nil {
		if err := frame.DecodeData(&payload); err != nil {
			slog.Debug("bad join payload", "peer", client.PeerID, "err", err)
		}
	}
	client.Name = payload.Name
	client.DeviceType = payload.DeviceType
	client.BrowserInfo = payload.BrowserInfo
	client.joined = true

	room, ok := h.rooms[client.RoomCode]
	if !ok {
		room = newRoom(client.RoomCode)
		h.rooms[client.RoomCode] = room
	}
	room.Peers[client.PeerID] = client

	joined, err := protocol.NewFrame(protocol.TypeJoined, protocol.JoinedPayload{
		PeerID:   client.PeerID,
		RoomCode: client.RoomCode,
		Peers:    room.peerList(client.PeerID),
	})
	if err != nil {
		slog.Error("marshal joined", "err", err)
		return
	}
	client.QueueFrame(joined)

	announce, err := protocol.NewFrame(protocol.TypePeerJoined, client.Info())
	if err != nil {
		slog.Error("marshal peer-joined", "err", err)
		return
	}
	announce.From = client.PeerID
	room.broadcast(announce, client.PeerID)

	slog.Info("peer joined", "peer", client.PeerID, "room", client.RoomCode, "members", len(room.Peers))
}

func (h *Hub) handleNameChanged(client *Client, frame *protocol.Frame) {
	var payload protocol.NameChangedPayload
	if err := frame.DecodeData(&payload); err != nil {
		return
	}
	client.Name = payload.Name

	room, ok := h.rooms[client.RoomCode]
	if !ok {
		return
	}
	out := &protocol.Frame{Type: protocol.TypeNameChanged, From: client.PeerID, Data: frame.Data}
	room.broadcast(out, client.PeerID)
}

// forward delivers a to-addressed frame to exactly the session whose peer id
// matches, and only within the sender's room.
func (h *Hub) forward(client *Client, frame *protocol.Frame) {
	room, ok := h.rooms[client.RoomCode]
	if !ok {
		return
	}
	target, ok := room.Peers[frame.To]
	if !ok {
		slog.Debug("forward to unknown peer", "room", client.RoomCode, "to", frame.To)
		return
	}
	frame.From = client.PeerID
	target.QueueFrame(frame)
}

// routeRelay forwards one binary relay frame. Only the routing header is
// decoded; the payload is never inspected.
func (h *Hub) routeRelay(client *Client, raw []byte) {
	frame, err := protocol.DecodeRelayFrame(raw)
	if err != nil {
		slog.Debug("unparseable relay frame", "peer", client.PeerID, "err", err)
		return
	}

	room, ok := h.rooms[client.RoomCode]
	if !ok {
		return
	}
	target, ok := room.Peers[frame.To]
	if !ok {
		return
	}

	frame.From = client.PeerID
	out, err := protocol.EncodeRelayFrame(frame)
	if err != nil {
		slog.Error("re-encode relay frame", "err", err)
		return
	}
	target.QueueBinary(out)
}

func (h *Hub) removeClient(client *Client) {
	defer close(client.Send)

	room, ok := h.rooms[client.RoomCode]
	if !ok {
		return
	}
	if _, member := room.Peers[client.PeerID]; !member {
		return
	}
	delete(room.Peers, client.PeerID)

	if len(room.Peers) == 0 {
		delete(h.rooms, room.Code)
		slog.Info("room emptied", "room", room.Code)
		return
	}

	if client.joined {
		left, err := protocol.NewFrame(protocol.TypePeerLeft, protocol.PeerInfo{ID: client.PeerID, Name: client.Name})
		if err != nil {
			return
		}
		left.From = client.PeerID
		room.broadcast(left, client.PeerID)
	}
	slog.Info("peer left", "peer", client.PeerID, "room", room.Code)
}
