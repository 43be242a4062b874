package transfer

import (
	"log/slog"
	"sort"
	"time"

	"github.com/yuunie/clouddrop/internal/protocol"
)

// IncomingTransfer is the receiver-side state for one file.
type IncomingTransfer struct {
	peerID      string
	fileID      string
	name        string
	size        int64
	mimeType    string
	totalChunks int
	mode        string

	// chunks holds decrypted payloads by index; received marks which
	// indices have arrived.
	chunks        [][]byte
	received      map[int]bool
	nextIndex     int
	receivedBytes int64
	pendingAcks   []int
	confirmed     bool
	cancelled     bool
	endSeen       bool
	startedAt     time.Time
}

// handleFileRequest runs phase 2 on the receiver: ask the acceptor and
// answer over the hub. The decision function may block, so it gets its own
// goroutine.
func (s *Service) handleFileRequest(from string, payload protocol.FileRequestPayload) {
	req := IncomingRequest{
		PeerID:      from,
		PeerName:    s.peerName(from),
		FileID:      payload.FileID,
		Name:        payload.Name,
		Size:        payload.Size,
		MimeType:    payload.MimeType,
		TotalChunks: payload.TotalChunks,
		Mode:        payload.Mode,
	}

	go func() {
		accepted := s.obs.Accept != nil && s.obs.Accept(req)

		if accepted {
			in := &IncomingTransfer{
				peerID:      from,
				fileID:      payload.FileID,
				name:        payload.Name,
				size:        payload.Size,
				mimeType:    payload.MimeType,
				totalChunks: payload.TotalChunks,
				mode:        payload.Mode,
				chunks:      make([][]byte, payload.TotalChunks),
				received:    make(map[int]bool),
				confirmed:   true,
				startedAt:   time.Now(),
			}
			s.mu.Lock()
			s.incoming[payload.FileID] = in
			s.mu.Unlock()
		}

		frame, err := protocol.NewDirectedFrame(protocol.TypeFileResp, from, protocol.FileResponsePayload{
			FileID:   payload.FileID,
			Accepted: accepted,
		})
		if err != nil {
			return
		}
		if err := s.hub.SendFrame(frame); err != nil {
			slog.Debug("send file-response", "peer", from, "err", err)
		}
	}()
}

func (s *Service) lookupIncoming(fileID string) *IncomingTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.incoming[fileID]
	if !ok || !in.confirmed || in.cancelled {
		return nil
	}
	return in
}

// handleFileStart lets the wire metadata refresh what the request already
// announced; the relay stream's totalChunks is authoritative.
func (s *Service) handleFileStart(from string, payload FileStartPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.incoming[payload.FileID]
	if !ok || in.peerID != from {
		return
	}
	if payload.TotalChunks != in.totalChunks {
		in.totalChunks = payload.TotalChunks
		in.chunks = make([][]byte, payload.TotalChunks)
	}
	in.name = payload.Name
	in.size = payload.Size
	in.mimeType = payload.MimeType
	in.startedAt = time.Now()
}

// handleRelayChunk stores one relay chunk. Duplicates are dropped but still
// acknowledged so the sender can retire them from its window.
func (s *Service) handleRelayChunk(from string, payload ChunkPayload) {
	in := s.lookupIncoming(payload.FileID)
	if in == nil || in.peerID != from {
		return
	}

	s.mu.Lock()
	duplicate := in.received[payload.Index]
	outOfRange := payload.Index < 0 || payload.Index >= in.totalChunks
	s.mu.Unlock()
	if outOfRange {
		return
	}

	if !duplicate {
		plaintext, err := s.env.DecryptChunk(from, payload.Data)
		if err != nil {
			slog.Warn("relay chunk decrypt failed, aborting", "file", payload.FileID, "err", err)
			s.Cancel(from, payload.FileID, "decryption-failed")
			return
		}
		s.mu.Lock()
		in.chunks[payload.Index] = plaintext
		in.received[payload.Index] = true
		in.receivedBytes += int64(len(plaintext))
		s.mu.Unlock()
		s.progress(from, in.fileID, in.name, in.size, in.receivedBytes, in.startedAt)
	}

	s.ackChunk(in, payload.Index, duplicate)
}

// ackChunk batches acknowledgements: every AckBatchSize distinct chunks, as
// soon as every chunk of the file has arrived, or on demand at file-end. A
// duplicate is acknowledged at once on its own.
func (s *Service) ackChunk(in *IncomingTransfer, index int, duplicate bool) {
	if duplicate {
		s.sendAcks(in, []int{index})
		return
	}
	s.mu.Lock()
	in.pendingAcks = append(in.pendingAcks, index)
	flush := len(in.pendingAcks) >= AckBatchSize || len(in.received) == in.totalChunks
	var acks []int
	if flush {
		acks = in.pendingAcks
		in.pendingAcks = nil
	}
	s.mu.Unlock()

	if flush {
		s.sendAcks(in, acks)
	}
}

func (s *Service) flushAcks(in *IncomingTransfer) {
	s.mu.Lock()
	acks := in.pendingAcks
	in.pendingAcks = nil
	s.mu.Unlock()
	if len(acks) > 0 {
		s.sendAcks(in, acks)
	}
}

func (s *Service) sendAcks(in *IncomingTransfer, acks []int) {
	msg := &RelayMessage{Type: MessageTypeAck, Ack: &AckPayload{FileID: in.fileID, Acks: acks}}
	if err := s.sendRelayMessage(in.peerID, msg); err != nil {
		slog.Debug("send acks", "file", in.fileID, "err", err)
	}
}

// handleFileEnd completes a relay transfer: flush acknowledgements, give
// late chunks a short grace window, then assemble and deliver.
func (s *Service) handleFileEnd(from string, payload FileEndPayload) {
	in := s.lookupIncoming(payload.FileID)
	if in == nil || in.peerID != from {
		return
	}
	s.mu.Lock()
	alreadyEnded := in.endSeen
	in.endSeen = true
	s.mu.Unlock()
	if alreadyEnded {
		return
	}

	s.flushAcks(in)

	// Chunks may still be in flight; completion runs off the dispatcher so
	// they can land while we wait.
	go s.completeRelay(in)
}

func (s *Service) completeRelay(in *IncomingTransfer) {
	deadline := time.Now().Add(LateChunkGrace)
	for {
		s.mu.Lock()
		missing := s.missingLocked(in)
		cancelled := in.cancelled
		s.mu.Unlock()
		if cancelled {
			return
		}
		if len(missing) == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
		s.flushAcks(in)
	}

	s.mu.Lock()
	missing := s.missingLocked(in)
	delete(s.incoming, in.fileID)
	s.mu.Unlock()

	if len(missing) > 0 {
		slog.Warn("relay transfer completed short", "file", in.fileID, "missing", missing)
		if s.strict {
			s.Cancel(in.peerID, in.fileID, "integrity-failed")
			return
		}
	}
	s.deliver(in, missing)
}

func (s *Service) missingLocked(in *IncomingTransfer) []int {
	var missing []int
	for i := 0; i < in.totalChunks; i++ {
		if !in.received[i] {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing
}

// deliver assembles the ordered chunk buffer and hands the result to the
// observer. A size mismatch is surfaced as a warning, not a failure: every
// chunk has already been authenticated.
func (s *Service) deliver(in *IncomingTransfer, missing []int) {
	// Snapshot under the lock: a late chunk may still be landing.
	s.mu.Lock()
	var assembled []byte
	for _, chunk := range in.chunks {
		assembled = append(assembled, chunk...)
	}
	s.mu.Unlock()
	if in.size >= 0 && int64(len(assembled)) != in.size && len(missing) == 0 {
		slog.Warn("received size differs from declared",
			"file", in.fileID, "declared", in.size, "received", len(assembled))
	}

	if s.obs.OnReceived != nil {
		s.obs.OnReceived(ReceivedFile{
			PeerID:        in.peerID,
			FileID:        in.fileID,
			Name:          in.name,
			MimeType:      in.mimeType,
			Data:          assembled,
			DeclaredSize:  in.size,
			MissingChunks: missing,
		})
	}
}

// handleDirectStart binds the peer's direct channel to this file until its
// file-end; direct binary chunks carry no id of their own.
func (s *Service) handleDirectStart(from string, payload FileStartPayload) {
	in := s.lookupIncoming(payload.FileID)
	if in == nil || in.peerID != from {
		slog.Debug("file-start for unconfirmed transfer", "peer", from, "file", payload.FileID)
		return
	}
	s.mu.Lock()
	if payload.TotalChunks != in.totalChunks {
		in.totalChunks = payload.TotalChunks
		in.chunks = make([][]byte, payload.TotalChunks)
	}
	in.startedAt = time.Now()
	s.directIn[from] = payload.FileID
	s.mu.Unlock()
}

// handleDirectChunk appends one ordered chunk from the data channel.
func (s *Service) handleDirectChunk(from string, data []byte) {
	s.mu.Lock()
	fileID, ok := s.directIn[from]
	s.mu.Unlock()
	if !ok {
		return
	}
	in := s.lookupIncoming(fileID)
	if in == nil {
		return
	}

	plaintext, err := s.env.DecryptChunk(from, data)
	if err != nil {
		slog.Warn("direct chunk decrypt failed, aborting", "file", fileID, "err", err)
		s.Cancel(from, fileID, "decryption-failed")
		return
	}

	s.mu.Lock()
	if in.nextIndex < in.totalChunks {
		in.chunks[in.nextIndex] = plaintext
		in.received[in.nextIndex] = true
		in.nextIndex++
	}
	in.receivedBytes += int64(len(plaintext))
	s.mu.Unlock()
	s.progress(from, in.fileID, in.name, in.size, in.receivedBytes, in.startedAt)
}

func (s *Service) handleDirectEnd(from string, payload FileEndPayload) {
	in := s.lookupIncoming(payload.FileID)
	s.mu.Lock()
	if s.directIn[from] == payload.FileID {
		delete(s.directIn, from)
	}
	if in != nil {
		delete(s.incoming, in.fileID)
	}
	s.mu.Unlock()
	if in == nil || in.peerID != from {
		return
	}

	var missing []int
	s.mu.Lock()
	missing = s.missingLocked(in)
	s.mu.Unlock()
	s.deliver(in, missing)
}
