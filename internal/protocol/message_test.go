package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewDirectedFrame(TypeFileRequest, "peer-b", FileRequestPayload{
		FileID:      "11111111-2222-3333-4444-555555555555",
		Name:        "hello.bin",
		Size:        102400,
		MimeType:    "application/octet-stream",
		TotalChunks: 2,
		Mode:        "direct",
	})
	if err != nil {
		t.Fatalf("NewDirectedFrame: %v", err)
	}

	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Frame
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypeFileRequest || got.To != "peer-b" {
		t.Fatalf("envelope mismatch: %+v", got)
	}

	var payload FileRequestPayload
	if err := got.DecodeData(&payload); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if payload.TotalChunks != 2 || payload.Name != "hello.bin" {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}

func TestRelayFrameRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	raw, err := EncodeRelayFrame(&RelayFrame{To: "peer-b", From: "peer-a", Payload: payload})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRelayFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.To != "peer-b" || got.From != "peer-a" || !bytes.Equal(got.Payload, payload) {
		t.Fatalf("mismatch: %+v", got)
	}
}
