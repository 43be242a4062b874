package signaling_test

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yuunie/clouddrop/internal/crypto"
	"github.com/yuunie/clouddrop/internal/protocol"
	"github.com/yuunie/clouddrop/internal/server"
	"github.com/yuunie/clouddrop/internal/signaling"
)

type testSession struct {
	conn   *websocket.Conn
	peerID string
}

func startHub(t *testing.T) (*signaling.Hub, *httptest.Server) {
	t.Helper()
	hub := signaling.NewHub()
	go hub.Run()
	ts := httptest.NewServer(server.Routes(hub, server.Options{}))
	t.Cleanup(ts.Close)
	return hub, ts
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func join(t *testing.T, conn *websocket.Conn, name string) *testSession {
	t.Helper()
	frame, err := protocol.NewFrame(protocol.TypeJoin, protocol.JoinPayload{
		Name: name, DeviceType: "desktop", BrowserInfo: "go-test",
	})
	if err != nil {
		t.Fatalf("join frame: %v", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write join: %v", err)
	}

	reply := readFrame(t, conn, protocol.TypeJoined)
	var payload protocol.JoinedPayload
	if err := reply.DecodeData(&payload); err != nil {
		t.Fatalf("decode joined: %v", err)
	}
	return &testSession{conn: conn, peerID: payload.PeerID}
}

// readFrame reads text frames until one of the wanted type arrives.
func readFrame(t *testing.T, conn *websocket.Conn, wantType string) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read (want %s): %v", wantType, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame.Type == wantType {
			return &frame
		}
	}
}

func TestJoinListsExistingPeers(t *testing.T) {
	_, ts := startHub(t)

	a := join(t, dial(t, ts, "room=ABC234"), "alpha")

	connB := dial(t, ts, "room=ABC234")
	frame, err := protocol.NewFrame(protocol.TypeJoin, protocol.JoinPayload{Name: "beta"})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := connB.WriteJSON(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readFrame(t, connB, protocol.TypeJoined)
	var payload protocol.JoinedPayload
	if err := reply.DecodeData(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.RoomCode != "ABC234" {
		t.Fatalf("room code: got %q", payload.RoomCode)
	}
	if len(payload.Peers) != 1 || payload.Peers[0].ID != a.peerID {
		t.Fatalf("peer list: %+v", payload.Peers)
	}

	// The first session hears about the newcomer.
	announced := readFrame(t, a.conn, protocol.TypePeerJoined)
	var info protocol.PeerInfo
	if err := announced.DecodeData(&info); err != nil {
		t.Fatalf("decode peer-joined: %v", err)
	}
	if info.Name != "beta" {
		t.Fatalf("announced name: %q", info.Name)
	}
}

func TestDirectedForwardingStampsFrom(t *testing.T) {
	_, ts := startHub(t)
	a := join(t, dial(t, ts, "room=ABC234"), "alpha")
	b := join(t, dial(t, ts, "room=ABC234"), "beta")
	readFrame(t, a.conn, protocol.TypePeerJoined)

	offer, err := protocol.NewDirectedFrame(protocol.TypeOffer, b.peerID, protocol.SDPPayload{SDP: "v=0"})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := a.conn.WriteJSON(offer); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readFrame(t, b.conn, protocol.TypeOffer)
	if got.From != a.peerID {
		t.Fatalf("from: got %q want %q", got.From, a.peerID)
	}
}

func TestForwardingStaysInRoom(t *testing.T) {
	_, ts := startHub(t)
	a := join(t, dial(t, ts, "room=ABC234"), "alpha")
	b := join(t, dial(t, ts, "room=XYZ789"), "other-room")

	frame, err := protocol.NewDirectedFrame(protocol.TypeText, b.peerID, protocol.TextPayload{Data: []byte("x")})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := a.conn.WriteJSON(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	b.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := b.conn.ReadMessage(); err == nil {
		t.Fatalf("cross-room frame should never be delivered")
	}
}

func TestRelayFrameRouting(t *testing.T) {
	_, ts := startHub(t)
	a := join(t, dial(t, ts, "room=ABC234"), "alpha")
	b := join(t, dial(t, ts, "room=ABC234"), "beta")
	readFrame(t, a.conn, protocol.TypePeerJoined)

	payload := []byte{1, 2, 3, 250}
	raw, err := protocol.EncodeRelayFrame(&protocol.RelayFrame{To: b.peerID, Payload: payload})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := a.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	b.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		frame, err := protocol.DecodeRelayFrame(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if frame.From != a.peerID {
			t.Fatalf("from: got %q want %q", frame.From, a.peerID)
		}
		if !bytes.Equal(frame.Payload, payload) {
			t.Fatalf("payload mismatch")
		}
		return
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	_, ts := startHub(t)
	conn := dial(t, ts, "room=ABC234")
	if err := conn.WriteJSON(&protocol.Frame{Type: protocol.TypePing}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, conn, protocol.TypePong)
}

func TestPasswordGate(t *testing.T) {
	hub, ts := startHub(t)

	hash := crypto.HashPasswordForServer("secret-password", "SECUR3")
	if !hub.Passwords.Set("SECUR3", hash) {
		t.Fatalf("set password")
	}

	// Missing hash: error frame then close 4001, no membership.
	conn := dial(t, ts, "room=SECUR3")
	errFrame := readFrame(t, conn, protocol.TypeError)
	var errPayload protocol.ErrorPayload
	if err := errFrame.DecodeData(&errPayload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errPayload.Error != protocol.ErrPasswordRequired {
		t.Fatalf("error: got %q", errPayload.Error)
	}
	if _, _, err := conn.ReadMessage(); !closedWithCode(err, protocol.ClosePasswordRequired) {
		t.Fatalf("expected close %d, got %v", protocol.ClosePasswordRequired, err)
	}

	// Wrong hash: close 4002.
	wrong := crypto.HashPasswordForServer("not-the-password", "SECUR3")
	conn2 := dial(t, ts, "room=SECUR3&passwordHash="+wrong)
	errFrame = readFrame(t, conn2, protocol.TypeError)
	if err := errFrame.DecodeData(&errPayload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errPayload.Error != protocol.ErrPasswordIncorrect {
		t.Fatalf("error: got %q", errPayload.Error)
	}
	if _, _, err := conn2.ReadMessage(); !closedWithCode(err, protocol.ClosePasswordIncorrect) {
		t.Fatalf("expected close %d, got %v", protocol.ClosePasswordIncorrect, err)
	}

	// Correct hash: join proceeds.
	conn3 := dial(t, ts, "room=SECUR3&passwordHash="+hash)
	join(t, conn3, "gamma")
}

func TestPeerLeftBroadcast(t *testing.T) {
	_, ts := startHub(t)
	a := join(t, dial(t, ts, "room=ABC234"), "alpha")
	b := join(t, dial(t, ts, "room=ABC234"), "beta")
	readFrame(t, a.conn, protocol.TypePeerJoined)

	b.conn.Close()

	left := readFrame(t, a.conn, protocol.TypePeerLeft)
	if left.From != b.peerID {
		t.Fatalf("peer-left from: got %q want %q", left.From, b.peerID)
	}
}

func closedWithCode(err error, code int) bool {
	return websocket.IsCloseError(err, code)
}
