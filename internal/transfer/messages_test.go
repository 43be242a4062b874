package transfer

import (
	"bytes"
	"testing"
)

func TestRelayMessageRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0x01, 0x80, 0xfe, 0xff}
	encoded, err := encodeRelayMessage(&RelayMessage{
		Type:  MessageTypeChunk,
		Chunk: &ChunkPayload{FileID: "f1", Index: 7, Data: raw, Retry: true},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeRelayMessage(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != MessageTypeChunk || got.Chunk == nil {
		t.Fatalf("shape: %+v", got)
	}
	if got.Chunk.Index != 7 || !got.Chunk.Retry || !bytes.Equal(got.Chunk.Data, raw) {
		t.Fatalf("chunk mismatch: %+v", got.Chunk)
	}
}

func TestStreamMessageJSONRoundTrip(t *testing.T) {
	msg, err := newStreamMessage(MessageTypeFileStart, FileStartPayload{
		FileID:      "f1",
		Name:        "hello.bin",
		Size:        102400,
		MimeType:    DefaultMimeType,
		TotalChunks: 2,
	})
	if err != nil {
		t.Fatalf("newStreamMessage: %v", err)
	}
	encoded, err := msg.encodeJSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got StreamMessage
	if err := got.decodeJSON(encoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var payload FileStartPayload
	if err := got.DecodePayload(&payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.TotalChunks != 2 || payload.Name != "hello.bin" {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}
