package hubclient_test

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yuunie/clouddrop/internal/crypto"
	"github.com/yuunie/clouddrop/internal/hubclient"
	"github.com/yuunie/clouddrop/internal/protocol"
	"github.com/yuunie/clouddrop/internal/server"
	"github.com/yuunie/clouddrop/internal/signaling"
)

type recorder struct {
	mu         sync.Mutex
	frames     []*protocol.Frame
	relays     []*protocol.RelayFrame
	disconnect chan error
}

func newRecorder() *recorder {
	return &recorder{disconnect: make(chan error, 1)}
}

func (r *recorder) HandleFrame(frame *protocol.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
}

func (r *recorder) HandleRelay(frame *protocol.RelayFrame) {
	r.mu.Lock()
	r.relays = append(r.relays, frame)
	r.mu.Unlock()
}

func (r *recorder) HandleDisconnect(err error) {
	select {
	case r.disconnect <- err:
	default:
	}
}

func (r *recorder) waitFrame(t *testing.T, frameType string) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, f := range r.frames {
			if f.Type == frameType {
				r.mu.Unlock()
				return f
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("frame %s never arrived", frameType)
	return nil
}

func (r *recorder) waitRelay(t *testing.T) *protocol.RelayFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.relays) > 0 {
			frame := r.relays[0]
			r.mu.Unlock()
			return frame
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("relay frame never arrived")
	return nil
}

func startHub(t *testing.T) (*signaling.Hub, string) {
	t.Helper()
	hub := signaling.NewHub()
	go hub.Run()
	ts := httptest.NewServer(server.Routes(hub, server.Options{}))
	t.Cleanup(ts.Close)
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func connect(t *testing.T, url, room string, rec *recorder, name string) *hubclient.Client {
	t.Helper()
	c := hubclient.New(url, room, "", rec)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	if _, err := c.Join(name, "desktop", "go-test"); err != nil {
		t.Fatalf("join: %v", err)
	}
	return c
}

func TestJoinAndDirectedFrame(t *testing.T) {
	_, url := startHub(t)

	recA, recB := newRecorder(), newRecorder()
	a := connect(t, url, "ABC234", recA, "alpha")
	b := connect(t, url, "ABC234", recB, "beta")

	if a.PeerID == "" || a.RoomCode != "ABC234" {
		t.Fatalf("join result: id=%q room=%q", a.PeerID, a.RoomCode)
	}

	// A hears about B joining.
	joined := recA.waitFrame(t, protocol.TypePeerJoined)
	var info protocol.PeerInfo
	if err := joined.DecodeData(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ID != b.PeerID {
		t.Fatalf("announced id %q want %q", info.ID, b.PeerID)
	}

	frame, err := protocol.NewDirectedFrame(protocol.TypeKeyExchange, b.PeerID, protocol.KeyExchangePayload{PublicKey: "key"})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := a.SendFrame(frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := recB.waitFrame(t, protocol.TypeKeyExchange)
	if got.From != a.PeerID {
		t.Fatalf("from: %q want %q", got.From, a.PeerID)
	}
}

func TestRelayRoundTrip(t *testing.T) {
	_, url := startHub(t)

	recA, recB := newRecorder(), newRecorder()
	a := connect(t, url, "ABC234", recA, "alpha")
	b := connect(t, url, "ABC234", recB, "beta")

	payload := []byte{9, 8, 7}
	if err := a.SendRelay(b.PeerID, payload); err != nil {
		t.Fatalf("send relay: %v", err)
	}
	frame := recB.waitRelay(t)
	if frame.From != a.PeerID || !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("relay frame: %+v", frame)
	}
}

func TestPasswordCloseCodes(t *testing.T) {
	hub, url := startHub(t)
	hub.Passwords.Set("SECUR3", crypto.HashPasswordForServer("right", "SECUR3"))

	rec := newRecorder()
	c := hubclient.New(url, "SECUR3", "", rec)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	select {
	case err := <-rec.disconnect:
		if !errors.Is(err, hubclient.ErrPasswordRequired) {
			t.Fatalf("expected ErrPasswordRequired, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no disconnect for missing password")
	}

	rec2 := newRecorder()
	c2 := hubclient.New(url, "SECUR3", crypto.HashPasswordForServer("wrong", "SECUR3"), rec2)
	if err := c2.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c2.Close()

	select {
	case err := <-rec2.disconnect:
		if !errors.Is(err, hubclient.ErrPasswordIncorrect) {
			t.Fatalf("expected ErrPasswordIncorrect, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no disconnect for wrong password")
	}
}
