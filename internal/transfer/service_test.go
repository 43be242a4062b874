package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yuunie/clouddrop/internal/crypto"
	"github.com/yuunie/clouddrop/internal/engine"
	"github.com/yuunie/clouddrop/internal/protocol"
)

// fakeEndpoint wires a Service to its peer in-process: hub frames and relay
// messages are delivered synchronously, the "data channel" is a pair of
// function calls.
type fakeEndpoint struct {
	localID string
	mode    engine.Mode

	mu       sync.Mutex
	peer     *fakeEndpoint
	service  *Service
	hasDC    bool
	dropOnce map[int]bool // relay chunk indices to drop once
}

func (f *fakeEndpoint) EnsureConnection(ctx context.Context, peerID string) (engine.Mode, error) {
	return f.mode, nil
}
func (f *fakeEndpoint) EnsureSharedKey(ctx context.Context, peerID string) error { return nil }
func (f *fakeEndpoint) HasDirectChannel(peerID string) bool                      { return f.hasDC }
func (f *fakeEndpoint) BufferedAmount(peerID string) uint64                      { return 0 }

func (f *fakeEndpoint) SendData(peerID string, data []byte) error {
	f.peer.service.HandleDataBinary(f.localID, data)
	return nil
}

func (f *fakeEndpoint) SendText(peerID, text string) error {
	f.peer.service.HandleDataText(f.localID, text)
	return nil
}

func (f *fakeEndpoint) SendFrame(frame *protocol.Frame) error {
	frame.From = f.localID
	f.peer.service.HandleFrame(frame)
	return nil
}

func (f *fakeEndpoint) SendRelay(to string, payload []byte) error {
	if msg, err := decodeRelayMessage(payload); err == nil && msg.Type == MessageTypeChunk && msg.Chunk != nil {
		f.mu.Lock()
		drop := f.dropOnce[msg.Chunk.Index] && !msg.Chunk.Retry
		if drop {
			delete(f.dropOnce, msg.Chunk.Index)
		}
		f.mu.Unlock()
		if drop {
			return nil
		}
	}
	f.peer.service.HandleRelay(f.localID, payload)
	return nil
}

type harness struct {
	a, b         *Service
	endA, endB   *fakeEndpoint
	receivedB    chan ReceivedFile
	cancelledB   chan string
	textB        chan string
	acceptResult bool
}

func newHarness(t *testing.T, mode engine.Mode, strict bool) *harness {
	t.Helper()

	keysA, err := crypto.NewManager()
	if err != nil {
		t.Fatalf("keys A: %v", err)
	}
	keysB, err := crypto.NewManager()
	if err != nil {
		t.Fatalf("keys B: %v", err)
	}
	pubA, _ := keysA.PublicKeyBase64()
	pubB, _ := keysB.PublicKeyBase64()
	if err := keysA.ImportPeerKey("peer-b", pubB); err != nil {
		t.Fatalf("import B: %v", err)
	}
	if err := keysB.ImportPeerKey("peer-a", pubA); err != nil {
		t.Fatalf("import A: %v", err)
	}

	h := &harness{
		receivedB:    make(chan ReceivedFile, 1),
		cancelledB:   make(chan string, 4),
		textB:        make(chan string, 1),
		acceptResult: true,
	}

	h.endA = &fakeEndpoint{localID: "peer-a", mode: mode, hasDC: mode == engine.ModeDirect, dropOnce: map[int]bool{}}
	h.endB = &fakeEndpoint{localID: "peer-b", mode: mode, hasDC: mode == engine.ModeDirect, dropOnce: map[int]bool{}}
	h.endA.peer = h.endB
	h.endB.peer = h.endA

	h.a = NewService(h.endA, keysA, h.endA, Observer{}, strict)
	h.b = NewService(h.endB, keysB, h.endB, Observer{
		Accept:      func(req IncomingRequest) bool { return h.acceptResult },
		OnReceived:  func(file ReceivedFile) { h.receivedB <- file },
		OnCancelled: func(peerID, fileID, reason string) { h.cancelledB <- reason },
		OnText:      func(peerID, text string) { h.textB <- text },
	}, strict)

	h.endA.service = h.a
	h.endB.service = h.b
	return h
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return data
}

func (h *harness) send(t *testing.T, name string, data []byte) error {
	t.Helper()
	return h.a.SendFile(context.Background(), "peer-b", File{
		Name:     name,
		Size:     int64(len(data)),
		MimeType: DefaultMimeType,
		Reader:   bytes.NewReader(data),
	})
}

func (h *harness) waitReceived(t *testing.T) ReceivedFile {
	t.Helper()
	select {
	case file := <-h.receivedB:
		return file
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for delivery")
		return ReceivedFile{}
	}
}

func TestDirectHappyPath(t *testing.T) {
	h := newHarness(t, engine.ModeDirect, false)
	data := randomBytes(t, 100*1024) // 64 KiB + 36 KiB

	if err := h.send(t, "hello.bin", data); err != nil {
		t.Fatalf("send: %v", err)
	}
	file := h.waitReceived(t)
	if file.Name != "hello.bin" || file.MimeType != DefaultMimeType {
		t.Fatalf("metadata: %+v", file)
	}
	if !bytes.Equal(file.Data, data) {
		t.Fatalf("bytes differ: got %d want %d", len(file.Data), len(data))
	}
	if len(file.MissingChunks) != 0 {
		t.Fatalf("missing chunks on direct path: %v", file.MissingChunks)
	}
}

func TestRelayHappyPath(t *testing.T) {
	h := newHarness(t, engine.ModeRelay, false)
	data := randomBytes(t, 100*1024)

	if err := h.send(t, "hello.bin", data); err != nil {
		t.Fatalf("send: %v", err)
	}
	file := h.waitReceived(t)
	if !bytes.Equal(file.Data, data) {
		t.Fatalf("bytes differ")
	}
	if len(file.MissingChunks) != 0 {
		t.Fatalf("missing: %v", file.MissingChunks)
	}
}

func TestRelayRetransmitsLostChunk(t *testing.T) {
	h := newHarness(t, engine.ModeRelay, false)
	// Ten chunks; chunk 5 is lost on the hub leg and must be retransmitted
	// with the retry flag after the ACK timeout.
	h.endA.dropOnce[5] = true
	data := randomBytes(t, 10*ChunkSize)

	start := time.Now()
	if err := h.send(t, "lossy.bin", data); err != nil {
		t.Fatalf("send: %v", err)
	}
	if elapsed := time.Since(start); elapsed < AckTimeout {
		t.Fatalf("retransmit should only fire after the ACK timeout, finished in %s", elapsed)
	}
	file := h.waitReceived(t)
	if !bytes.Equal(file.Data, data) {
		t.Fatalf("bytes differ after retransmit")
	}
	if len(file.MissingChunks) != 0 {
		t.Fatalf("missing: %v", file.MissingChunks)
	}
}

func TestZeroByteFile(t *testing.T) {
	for _, mode := range []engine.Mode{engine.ModeDirect, engine.ModeRelay} {
		h := newHarness(t, mode, false)
		if err := h.send(t, "empty.bin", nil); err != nil {
			t.Fatalf("%s: send: %v", mode, err)
		}
		file := h.waitReceived(t)
		if len(file.Data) != 0 {
			t.Fatalf("%s: expected empty file, got %d bytes", mode, len(file.Data))
		}
	}
}

func TestChunkBoundaries(t *testing.T) {
	cases := []struct {
		size int
		want int
	}{
		{ChunkSize, 1},
		{ChunkSize + 1, 2},
	}
	for _, c := range cases {
		if got := TotalChunks(int64(c.size)); got != c.want {
			t.Fatalf("TotalChunks(%d) = %d, want %d", c.size, got, c.want)
		}
	}

	h := newHarness(t, engine.ModeRelay, false)
	data := randomBytes(t, ChunkSize+1)
	if err := h.send(t, "boundary.bin", data); err != nil {
		t.Fatalf("send: %v", err)
	}
	file := h.waitReceived(t)
	if !bytes.Equal(file.Data, data) {
		t.Fatalf("bytes differ at the chunk boundary")
	}
}

func TestPeerDeclines(t *testing.T) {
	h := newHarness(t, engine.ModeDirect, false)
	h.acceptResult = false

	err := h.send(t, "nope.bin", randomBytes(t, 1024))
	if !errors.Is(err, ErrPeerDeclined) {
		t.Fatalf("expected ErrPeerDeclined, got %v", err)
	}
}

func TestCancelNotifiesReceiver(t *testing.T) {
	h := newHarness(t, engine.ModeDirect, false)

	// Accept, then cancel from the sender before streaming finishes by
	// cancelling the registered transfer as soon as it exists.
	done := make(chan error, 1)
	go func() {
		done <- h.send(t, "cancelled.bin", randomBytes(t, 4*ChunkSize))
	}()

	// Wait for B's side to confirm and A to register, then cancel.
	deadline := time.After(5 * time.Second)
	for {
		h.a.mu.Lock()
		var out *OutgoingTransfer
		for _, o := range h.a.outgoing {
			out = o
		}
		h.a.mu.Unlock()
		if out != nil {
			h.a.Cancel("peer-b", out.FileID(), "user")
			break
		}
		select {
		case err := <-done:
			// The transfer can finish before we catch it; nothing to
			// assert in that case.
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			return
		case <-deadline:
			t.Fatalf("transfer never registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	select {
	case reason := <-h.cancelledB:
		if reason != "user" {
			t.Fatalf("reason: %q", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("receiver never notified of the cancel")
	}
	<-done
}

func TestTextRoundTrip(t *testing.T) {
	h := newHarness(t, engine.ModeRelay, false)
	if err := h.a.SendText(context.Background(), "peer-b", "hello over the relay"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	select {
	case text := <-h.textB:
		if text != "hello over the relay" {
			t.Fatalf("text: %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("text never arrived")
	}
}

func TestFailAllResolvesPending(t *testing.T) {
	h := newHarness(t, engine.ModeDirect, false)

	// Park a pending request by never answering: swap B's acceptor for one
	// that blocks.
	block := make(chan struct{})
	h.b.obs.Accept = func(req IncomingRequest) bool { <-block; return true }

	done := make(chan error, 1)
	go func() {
		done <- h.send(t, "doomed.bin", randomBytes(t, 1024))
	}()

	// Give the request a moment to register, then sever the network.
	time.Sleep(100 * time.Millisecond)
	h.a.FailAll(ErrNetworkDisconnected)

	select {
	case err := <-done:
		if !errors.Is(err, ErrNetworkDisconnected) {
			t.Fatalf("expected ErrNetworkDisconnected, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending request not failed")
	}
	close(block)
}
