// Package server wires the signaling hub and the room API onto HTTP.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/yuunie/clouddrop/internal/protocol"
	"github.com/yuunie/clouddrop/internal/roomcode"
	"github.com/yuunie/clouddrop/internal/signaling"
)

// Configure the websocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// In production the origin should be checked against the frontend's
	// domain; the deployment sits behind a proxy that already scopes it.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options configures the HTTP layer.
type Options struct {
	// ICEServers is the list advertised on /api/ice-servers.
	ICEServers []protocol.ICEServer
}

// Routes registers every endpoint on a fresh mux.
func Routes(hub *signaling.Hub, opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/ws", ServeWs(hub))
	mux.HandleFunc("/api/ice-servers", handleICEServers(opts.ICEServers))
	mux.HandleFunc("/api/room/check-password", handleCheckPassword(hub.Passwords))
	mux.HandleFunc("/api/room/set-password", handleSetPassword(hub.Passwords))
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

// resolveRoom picks the explicit ?room= code when present, otherwise derives
// one from the client's network prefix.
func resolveRoom(r *http.Request) string {
	if code := r.URL.Query().Get("room"); code != "" {
		return roomcode.Normalize(code)
	}
	addr := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the client.
		addr = strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	return roomcode.DeriveFromAddr(addr)
}

// ServeWs returns an http.HandlerFunc that upgrades the connection, applies
// the password gate and hands the session to the hub.
func ServeWs(hub *signaling.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := resolveRoom(r)
		passwordHash := r.URL.Query().Get("passwordHash")
		if passwordHash == "" {
			passwordHash = r.Header.Get("X-Password-Hash")
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "err", err)
			return
		}

		// Password gate: a stored hash must be matched before the session
		// reaches the hub.
		if stored, protected := hub.Passwords.Get(room); protected {
			if passwordHash == "" {
				rejectSession(conn, protocol.ErrPasswordRequired, protocol.ClosePasswordRequired)
				return
			}
			if passwordHash != stored {
				rejectSession(conn, protocol.ErrPasswordIncorrect, protocol.ClosePasswordIncorrect)
				return
			}
		}

		client := &signaling.Client{
			Hub:      hub,
			Conn:     conn,
			PeerID:   signaling.NewPeerID(),
			RoomCode: room,
			Send:     make(chan signaling.Outbound, 256),
		}

		client.Hub.Register <- client

		go client.WritePump()
		go client.ReadPump()
	}
}

func rejectSession(conn *websocket.Conn, errorCode string, closeCode int) {
	frame, err := protocol.NewFrame(protocol.TypeError, protocol.ErrorPayload{Error: errorCode})
	if err == nil {
		data, _ := json.Marshal(frame)
		conn.WriteMessage(websocket.TextMessage, data)
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, errorCode))
	conn.Close()
}

func handleICEServers(servers []protocol.ICEServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"iceServers": servers})
	}
}

func handleCheckPassword(store *signaling.PasswordStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := roomcode.Normalize(r.URL.Query().Get("room"))
		writeJSON(w, map[string]any{"hasPassword": store.Has(room)})
	}
}

func handleSetPassword(store *signaling.PasswordStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		room := roomcode.Normalize(r.URL.Query().Get("room"))

		var body struct {
			PasswordHash string `json:"passwordHash"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PasswordHash == "" {
			writeJSON(w, map[string]any{"success": false, "error": "invalid request"})
			return
		}

		if !store.Set(room, body.PasswordHash) {
			writeJSON(w, map[string]any{"success": false, "error": "password already set"})
			return
		}
		writeJSON(w, map[string]any{"success": true})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "err", err)
	}
}
