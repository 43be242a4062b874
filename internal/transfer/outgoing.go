package transfer

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yuunie/clouddrop/internal/crypto"
	"github.com/yuunie/clouddrop/internal/engine"
	"github.com/yuunie/clouddrop/internal/protocol"
)

// File describes an outgoing file.
type File struct {
	Name     string
	Size     int64
	MimeType string
	Reader   io.Reader
}

// OutgoingTransfer is the sender-side state for one file.
type OutgoingTransfer struct {
	fileID      string
	peerID      string
	name        string
	size        int64
	mimeType    string
	totalChunks int
	mode        engine.Mode
	startedAt   time.Time

	mu        sync.Mutex
	cancelled bool
	reason    string
	cause     error

	// acks carries receiver acknowledgements into the relay send loop.
	acks chan AckPayload
}

func (t *OutgoingTransfer) cancel(reason string, cause error) {
	t.mu.Lock()
	if !t.cancelled {
		t.cancelled = true
		t.reason = reason
		t.cause = cause
	}
	t.mu.Unlock()
}

// cancelCause returns the abort error once the flag is set.
func (t *OutgoingTransfer) cancelCause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		return nil
	}
	if t.cause != nil {
		return t.cause
	}
	return ErrUserCancelled
}

// FileID exposes the transfer id for cancellation.
func (t *OutgoingTransfer) FileID() string { return t.fileID }

// SendFile runs the full three-phase protocol for one file and blocks until
// it completes, is declined, or fails.
func (s *Service) SendFile(ctx context.Context, peerID string, file File) error {
	mode, err := s.conn.EnsureConnection(ctx, peerID)
	if err != nil {
		return NewFileError("connect", file.Name, err)
	}
	if mode == engine.ModeRelay {
		// No direct channel means no implicit ECDH agreement yet.
		if err := s.conn.EnsureSharedKey(ctx, peerID); err != nil {
			return NewFileError("key exchange", file.Name, err)
		}
	}

	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = DefaultMimeType
	}

	out := &OutgoingTransfer{
		fileID:      uuid.NewString(),
		peerID:      peerID,
		name:        file.Name,
		size:        file.Size,
		mimeType:    mimeType,
		totalChunks: TotalChunks(file.Size),
		mode:        mode,
		startedAt:   time.Now(),
		acks:        make(chan AckPayload, 32),
	}

	accepted, err := s.requestTransfer(ctx, out)
	if err != nil {
		return NewFileError("request", file.Name, err)
	}
	if !accepted {
		return NewFileError("request", file.Name, ErrPeerDeclined)
	}

	s.mu.Lock()
	s.outgoing[out.fileID] = out
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.outgoing, out.fileID)
		s.mu.Unlock()
	}()

	out.startedAt = time.Now()
	if mode == engine.ModeDirect {
		err = s.streamDirect(ctx, out, file.Reader)
	} else {
		err = s.streamRelay(ctx, out, file.Reader)
	}
	if err != nil {
		return NewFileError("send", file.Name, err)
	}
	return nil
}

// requestTransfer runs phases 1 and 2: announce the file and wait for the
// receiver's decision.
func (s *Service) requestTransfer(ctx context.Context, out *OutgoingTransfer) (bool, error) {
	req := &pendingRequest{peerID: out.peerID, respCh: make(chan response, 1)}
	s.mu.Lock()
	s.pending[out.fileID] = req
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, out.fileID)
		s.mu.Unlock()
	}()

	frame, err := protocol.NewDirectedFrame(protocol.TypeFileRequest, out.peerID, protocol.FileRequestPayload{
		FileID:      out.fileID,
		Name:        out.name,
		Size:        out.size,
		MimeType:    out.mimeType,
		TotalChunks: out.totalChunks,
		Mode:        string(out.mode),
	})
	if err != nil {
		return false, err
	}
	if err := s.hub.SendFrame(frame); err != nil {
		return false, err
	}

	select {
	case resp := <-req.respCh:
		if resp.err != nil {
			return false, resp.err
		}
		return resp.accepted, nil
	case <-time.After(FileRequestTimeout):
		return false, ErrPeerDidNotRespond
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// encryptWithRetry wraps a chunk, recovering once from a missing shared key
// by forcing a key exchange.
func (s *Service) encryptWithRetry(ctx context.Context, peerID string, plaintext []byte) ([]byte, error) {
	ciphertext, err := s.env.EncryptChunk(peerID, plaintext)
	if err == nil {
		return ciphertext, nil
	}
	if !crypto.IsNoSharedKey(err) {
		return nil, err
	}
	if err := s.conn.EnsureSharedKey(ctx, peerID); err != nil {
		return nil, err
	}
	return s.env.EncryptChunk(peerID, plaintext)
}

// streamDirect pushes the chunk loop down the data channel, pacing against
// the channel's buffered amount. The transport is reliable and ordered, so
// no chunk-level acknowledgements are needed.
func (s *Service) streamDirect(ctx context.Context, out *OutgoingTransfer, r io.Reader) error {
	start, err := newStreamMessage(MessageTypeFileStart, FileStartPayload{
		FileID:      out.fileID,
		Name:        out.name,
		Size:        out.size,
		MimeType:    out.mimeType,
		TotalChunks: out.totalChunks,
	})
	if err != nil {
		return err
	}
	encoded, err := start.encodeJSON()
	if err != nil {
		return err
	}
	if err := s.conn.SendText(out.peerID, encoded); err != nil {
		return err
	}

	buf := make([]byte, ChunkSize)
	var sent int64
	for index := 0; index < out.totalChunks; index++ {
		if err := out.cancelCause(); err != nil {
			return err
		}

		n, err := io.ReadFull(r, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return WrapError("read", io.ErrUnexpectedEOF, "file shorter than declared")
		}

		ciphertext, err := s.encryptWithRetry(ctx, out.peerID, buf[:n])
		if err != nil {
			return err
		}

		// Backpressure: never queue more than the limit into the channel.
		for s.conn.BufferedAmount(out.peerID) > BufferedAmountLimit {
			if err := out.cancelCause(); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(BackpressurePoll):
			}
		}

		if err := s.conn.SendData(out.peerID, ciphertext); err != nil {
			return err
		}
		sent += int64(n)
		s.progress(out.peerID, out.fileID, out.name, out.size, sent, out.startedAt)
	}

	end, err := newStreamMessage(MessageTypeFileEnd, FileEndPayload{FileID: out.fileID, TotalChunks: out.totalChunks})
	if err != nil {
		return err
	}
	if encoded, err = end.encodeJSON(); err != nil {
		return err
	}
	return s.conn.SendText(out.peerID, encoded)
}

// pendingChunk is one unacknowledged relay chunk.
type pendingChunk struct {
	ciphertext []byte
	plainLen   int
	retries    int
	sentAt     time.Time
}

// streamRelay pushes the windowed, acknowledged, retransmitting chunk loop
// through the hub.
func (s *Service) streamRelay(ctx context.Context, out *OutgoingTransfer, r io.Reader) error {
	if err := s.sendRelayMessage(out.peerID, &RelayMessage{
		Type: MessageTypeFileStart,
		Start: &FileStartPayload{
			FileID:      out.fileID,
			Name:        out.name,
			Size:        out.size,
			MimeType:    out.mimeType,
			TotalChunks: out.totalChunks,
		},
	}); err != nil {
		return err
	}

	pending := make(map[int]*pendingChunk)
	buf := make([]byte, ChunkSize)
	nextIndex := 0
	var sent int64
	lastAck := time.Now()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for nextIndex < out.totalChunks || len(pending) > 0 {
		if err := out.cancelCause(); err != nil {
			return err
		}

		// Keep the window full.
		for nextIndex < out.totalChunks && len(pending) < WindowSize {
			n, err := io.ReadFull(r, buf)
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				err = nil
			}
			if err != nil {
				return err
			}
			if n == 0 {
				return WrapError("read", io.ErrUnexpectedEOF, "file shorter than declared")
			}
			ciphertext, err := s.encryptWithRetry(ctx, out.peerID, buf[:n])
			if err != nil {
				return err
			}
			if err := s.sendRelayChunk(out, nextIndex, ciphertext, false); err != nil {
				return err
			}
			pending[nextIndex] = &pendingChunk{ciphertext: ciphertext, plainLen: n, sentAt: time.Now()}
			nextIndex++
			sent += int64(n)
			s.progress(out.peerID, out.fileID, out.name, out.size, sent, out.startedAt)

			// Pace the hub rather than flooding it.
			select {
			case <-time.After(ChunkInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case ack := <-out.acks:
			for _, index := range ack.Acks {
				delete(pending, index)
			}
			lastAck = time.Now()

		case <-ticker.C:
			if len(pending) > 0 && time.Since(lastAck) > TransferTimeout {
				return ErrRelayStalled
			}
			if err := s.retransmitExpired(out, pending); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.sendRelayMessage(out.peerID, &RelayMessage{
		Type: MessageTypeFileEnd,
		End:  &FileEndPayload{FileID: out.fileID, TotalChunks: out.totalChunks},
	})
}

// retransmitExpired resends pending chunks whose ACK wait has aged out,
// oldest first.
func (s *Service) retransmitExpired(out *OutgoingTransfer, pending map[int]*pendingChunk) error {
	now := time.Now()
	indices := make([]int, 0, len(pending))
	for index := range pending {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool {
		return pending[indices[i]].sentAt.Before(pending[indices[j]].sentAt)
	})
	for _, index := range indices {
		chunk := pending[index]
		if now.Sub(chunk.sentAt) < AckTimeout {
			continue
		}
		if chunk.retries >= MaxChunkRetries {
			return ErrRetransmitExhausted
		}
		chunk.retries++
		chunk.sentAt = now
		slog.Debug("retransmitting relay chunk", "file", out.fileID, "index", index, "retry", chunk.retries)
		if err := s.sendRelayChunk(out, index, chunk.ciphertext, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sendRelayChunk(out *OutgoingTransfer, index int, ciphertext []byte, retry bool) error {
	return s.sendRelayMessage(out.peerID, &RelayMessage{
		Type: MessageTypeChunk,
		Chunk: &ChunkPayload{
			FileID: out.fileID,
			Index:  index,
			Data:   ciphertext,
			Retry:  retry,
		},
	})
}

func (s *Service) sendRelayMessage(peerID string, msg *RelayMessage) error {
	encoded, err := encodeRelayMessage(msg)
	if err != nil {
		return err
	}
	return s.hub.SendRelay(peerID, encoded)
}

// handleAck feeds receiver acknowledgements into the owning send loop.
func (s *Service) handleAck(payload AckPayload) {
	s.mu.Lock()
	out, ok := s.outgoing[payload.FileID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case out.acks <- payload:
	default:
		// Never block the dispatcher. A dropped ack only means the sender
		// retransmits a chunk the receiver will re-acknowledge.
	}
}
