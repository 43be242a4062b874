// Package cli wires the hub session, connection engine and transfer
// protocol into the clouddrop commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/yuunie/clouddrop/internal/config"
	"github.com/yuunie/clouddrop/internal/crypto"
	"github.com/yuunie/clouddrop/internal/device"
	"github.com/yuunie/clouddrop/internal/engine"
	"github.com/yuunie/clouddrop/internal/hubclient"
	"github.com/yuunie/clouddrop/internal/protocol"
	"github.com/yuunie/clouddrop/internal/transfer"
	"github.com/yuunie/clouddrop/internal/trust"
	"github.com/yuunie/clouddrop/internal/ui"
)

// reconnectDelay is how long the app waits before rejoining a dropped hub
// session.
const reconnectDelay = 3 * time.Second

// App is one running client session.
type App struct {
	cfg       *config.Config
	local     device.Info
	keys      *crypto.Manager
	hub       *hubclient.Client
	engine    *engine.Engine
	transfers *transfer.Service
	trusted   *trust.Store
	observer  transfer.Observer

	mu         sync.Mutex
	peers      map[string]protocol.PeerInfo
	peerStatus map[string]engine.Status
	closed     bool

	// PeerJoined announces new room members to the command loop.
	PeerJoined chan protocol.PeerInfo
	// Fatal carries unrecoverable session errors (e.g. wrong password).
	Fatal chan error
}

// NewApp assembles a client from configuration. The observer's transfer
// callbacks are installed into the protocol layer.
func NewApp(cfg *config.Config, local device.Info, observer transfer.Observer) (*App, error) {
	keys, err := crypto.NewManager()
	if err != nil {
		return nil, err
	}

	app := &App{
		cfg:        cfg,
		local:      local,
		keys:       keys,
		observer:   observer,
		peers:      make(map[string]protocol.PeerInfo),
		peerStatus: make(map[string]engine.Status),
		PeerJoined: make(chan protocol.PeerInfo, 16),
		Fatal:      make(chan error, 1),
	}

	if store, err := trust.Open(""); err == nil {
		app.trusted = store
	} else {
		slog.Warn("trusted-device store unavailable", "err", err)
	}

	return app, nil
}

// Connect performs the password preflight, dials the hub and joins the
// room. It may be called again after a disconnect.
func (a *App) Connect() error {
	passwordHash := ""
	if a.cfg.Room != "" {
		protected, err := a.roomHasPassword(a.cfg.Room)
		if err != nil {
			slog.Warn("check-password preflight failed", "err", err)
		}
		if protected || a.cfg.Password != "" {
			if a.cfg.Password == "" {
				return hubclient.ErrPasswordRequired
			}
			passwordHash = crypto.HashPasswordForServer(a.cfg.Password, a.cfg.Room)
			if err := a.keys.SetRoomPassword(a.cfg.Password, a.cfg.Room); err != nil {
				return err
			}
		}
	}

	a.hub = hubclient.New(a.cfg.WebSocketURL, a.cfg.Room, passwordHash, a)
	if err := a.hub.Connect(); err != nil {
		return err
	}

	joined, err := a.hub.Join(a.local.Name, a.local.DeviceType, a.local.BrowserInfo)
	if err != nil {
		return err
	}

	a.engine = engine.New(a.hub, a.keys, a.cfg.APIBaseURL, a.cfg.FallbackICEServers(), a.cfg.ForceRelay, engine.Callbacks{
		OnStatus:      a.onStatus,
		OnDataMessage: a.onDataMessage,
	})
	a.engine.SetLocalID(joined.PeerID)

	a.transfers = transfer.NewService(a.engine, a.keys, a.hub, a.wrapObserver(), a.cfg.StrictIntegrity)
	a.transfers.ResolveName = a.PeerName

	a.mu.Lock()
	a.peers = make(map[string]protocol.PeerInfo)
	for _, peer := range joined.Peers {
		a.peers[peer.ID] = peer
	}
	a.mu.Unlock()

	for _, peer := range joined.Peers {
		a.engine.Prewarm(peer.ID)
	}
	return nil
}

// wrapObserver layers trusted-device auto-acceptance over the caller's
// decision function.
func (a *App) wrapObserver() transfer.Observer {
	obs := a.observer
	userAccept := obs.Accept
	obs.Accept = func(req transfer.IncomingRequest) bool {
		if a.isTrusted(req.PeerID) {
			return true
		}
		return userAccept != nil && userAccept(req)
	}
	return obs
}

func (a *App) isTrusted(peerID string) bool {
	if a.trusted == nil {
		return false
	}
	a.mu.Lock()
	peer, ok := a.peers[peerID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	return a.trusted.IsTrusted(device.Fingerprint(peer.Name, peer.DeviceType, peer.BrowserInfo))
}

// TrustPeer persists a trusted decision for a room member.
func (a *App) TrustPeer(peerID string) error {
	if a.trusted == nil {
		return errors.New("trusted-device store unavailable")
	}
	a.mu.Lock()
	peer, ok := a.peers[peerID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %s", peerID)
	}
	return a.trusted.Trust(device.Fingerprint(peer.Name, peer.DeviceType, peer.BrowserInfo))
}

// Peers snapshots the current room membership.
func (a *App) Peers() []protocol.PeerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	peers := make([]protocol.PeerInfo, 0, len(a.peers))
	for _, p := range a.peers {
		peers = append(peers, p)
	}
	return peers
}

// PeerName resolves a peer id to its display name.
func (a *App) PeerName(peerID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if peer, ok := a.peers[peerID]; ok && peer.Name != "" {
		return peer.Name
	}
	return peerID
}

// PeerStatus reports the engine's last emitted status for a peer.
func (a *App) PeerStatus(peerID string) engine.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peerStatus[peerID]
}

// SendFile transfers one file to a peer.
func (a *App) SendFile(ctx context.Context, peerID string, file transfer.File) error {
	return a.transfers.SendFile(ctx, peerID, file)
}

// SendText delivers a chat message to a peer.
func (a *App) SendText(ctx context.Context, peerID, text string) error {
	return a.transfers.SendText(ctx, peerID, text)
}

// SetName updates the local display name and announces it to the room.
func (a *App) SetName(name string) error {
	a.local.Name = name
	frame, err := protocol.NewFrame(protocol.TypeNameChanged, protocol.NameChangedPayload{Name: name})
	if err != nil {
		return err
	}
	return a.hub.SendFrame(frame)
}

// onStatus records engine state transitions and surfaces them.
func (a *App) onStatus(peerID string, status engine.Status, message string) {
	a.mu.Lock()
	previous := a.peerStatus[peerID]
	a.peerStatus[peerID] = status
	name := peerID
	if peer, ok := a.peers[peerID]; ok && peer.Name != "" {
		name = peer.Name
	}
	a.mu.Unlock()
	if previous == status {
		return
	}

	switch status {
	case engine.StatusSlow:
		ui.PrintInfof("%s: connection is slow, still trying direct...", name)
	case engine.StatusRelay:
		ui.PrintInfof("%s %s: transferring via relay", ui.IconRelay, name)
	case engine.StatusConnected:
		if previous == engine.StatusRelay {
			// Silent recovery: badge only, no toast.
			slog.Info("peer back on direct path", "peer", peerID)
		} else {
			ui.PrintSuccessf("%s %s: direct connection established", ui.IconDirect, name)
		}
	}
}

// onDataMessage splits data-channel traffic into control and chunk streams.
func (a *App) onDataMessage(peerID string, msg webrtc.DataChannelMessage) {
	if msg.IsString {
		a.transfers.HandleDataText(peerID, string(msg.Data))
		return
	}
	a.transfers.HandleDataBinary(peerID, msg.Data)
}

// HandleFrame implements hubclient.Handler: route hub frames to the engine
// and the transfer protocol.
func (a *App) HandleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypePeerJoined:
		var peer protocol.PeerInfo
		if err := frame.DecodeData(&peer); err != nil {
			return
		}
		a.mu.Lock()
		a.peers[peer.ID] = peer
		a.mu.Unlock()
		a.engine.Prewarm(peer.ID)
		select {
		case a.PeerJoined <- peer:
		default:
		}

	case protocol.TypePeerLeft:
		a.removePeer(frame.From)

	case protocol.TypeOffer:
		var payload protocol.SDPPayload
		if err := frame.DecodeData(&payload); err != nil {
			return
		}
		a.engine.HandleOffer(frame.From, payload)

	case protocol.TypeAnswer:
		var payload protocol.SDPPayload
		if err := frame.DecodeData(&payload); err != nil {
			return
		}
		a.engine.HandleAnswer(frame.From, payload)

	case protocol.TypeICE:
		var payload protocol.CandidatePayload
		if err := frame.DecodeData(&payload); err != nil {
			return
		}
		a.engine.HandleCandidate(frame.From, payload)

	case protocol.TypeKeyExchange:
		var payload protocol.KeyExchangePayload
		if err := frame.DecodeData(&payload); err != nil {
			return
		}
		a.engine.HandleKeyExchange(frame.From, payload)

	case protocol.TypeNameChanged:
		var payload protocol.NameChangedPayload
		if err := frame.DecodeData(&payload); err != nil {
			return
		}
		a.mu.Lock()
		if peer, ok := a.peers[frame.From]; ok {
			peer.Name = payload.Name
			a.peers[frame.From] = peer
		}
		a.mu.Unlock()
		if a.observer.OnNameChange != nil {
			a.observer.OnNameChange(frame.From, payload.Name)
		}

	case protocol.TypeFileRequest, protocol.TypeFileResp, protocol.TypeFileCancel, protocol.TypeText:
		a.transfers.HandleFrame(frame)

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := frame.DecodeData(&payload); err == nil {
			ui.PrintError("hub: " + payload.Error)
		}
	}
}

// HandleRelay implements hubclient.Handler.
func (a *App) HandleRelay(frame *protocol.RelayFrame) {
	a.transfers.HandleRelay(frame.From, frame.Payload)
}

// HandleDisconnect implements hubclient.Handler: recover the session after
// a transient drop, or surface a terminal error.
func (a *App) HandleDisconnect(err error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	if errors.Is(err, hubclient.ErrPasswordRequired) || errors.Is(err, hubclient.ErrPasswordIncorrect) {
		// The stored password is wrong; clear it so the prompt reopens.
		a.keys.ClearRoomPassword()
		select {
		case a.Fatal <- err:
		default:
		}
		return
	}

	slog.Warn("hub connection lost, reconnecting", "err", err)
	a.resetSession()

	go func() {
		time.Sleep(reconnectDelay)
		a.mu.Lock()
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		if err := a.Connect(); err != nil {
			select {
			case a.Fatal <- err:
			default:
			}
		}
	}()
}

// resetSession discards every peer before a rejoin: transfers in flight
// fail, connections and keys are dropped.
func (a *App) resetSession() {
	if a.transfers != nil {
		a.transfers.FailAll(transfer.ErrNetworkDisconnected)
	}
	if a.engine != nil {
		a.engine.Close()
	}
	a.mu.Lock()
	for id := range a.peers {
		a.keys.RemovePeer(id)
	}
	a.peers = make(map[string]protocol.PeerInfo)
	a.peerStatus = make(map[string]engine.Status)
	a.mu.Unlock()
}

func (a *App) removePeer(peerID string) {
	a.mu.Lock()
	delete(a.peers, peerID)
	delete(a.peerStatus, peerID)
	a.mu.Unlock()
	if a.engine != nil {
		a.engine.ClosePeer(peerID)
	}
	a.keys.RemovePeer(peerID)
	ui.PrintInfof("%s %s left the room", ui.IconPeer, peerID)
}

// roomHasPassword asks the hub whether a room is protected.
func (a *App) roomHasPassword(room string) (bool, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(a.cfg.APIBaseURL + "/api/room/check-password?room=" + room)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	var body struct {
		HasPassword bool `json:"hasPassword"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.HasPassword, nil
}

// Close shuts the session down.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	if a.engine != nil {
		a.engine.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.trusted != nil {
		a.trusted.Close()
	}
	a.keys.ClearRoomPassword()
}
