package transfer

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Stream message types shared by the direct and relay paths. On the direct
// path control messages travel as JSON text frames on the data channel and
// chunks as raw binary frames; on the relay path everything is a msgpack
// RelayMessage inside a binary relay frame, so chunk bytes ride the wire
// without a base64 detour.
const (
	MessageTypeFileStart = "file-start"
	MessageTypeFileEnd   = "file-end"
	MessageTypeChunk     = "chunk"
	MessageTypeAck       = "ack"
	MessageTypeCancel    = "file-cancel"
	MessageTypeText      = "text"
)

// StreamMessage is the JSON envelope for data-channel control traffic.
type StreamMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RelayMessage is the msgpack union carried in binary relay frames; exactly
// one of the payload fields matches Type.
type RelayMessage struct {
	Type  string            `msgpack:"type"`
	Start *FileStartPayload `msgpack:"start,omitempty"`
	Chunk *ChunkPayload     `msgpack:"chunk,omitempty"`
	Ack   *AckPayload       `msgpack:"ack,omitempty"`
	End   *FileEndPayload   `msgpack:"end,omitempty"`
}

// FileStartPayload brackets the head of a chunk stream.
type FileStartPayload struct {
	FileID      string `json:"fileId" msgpack:"fileId"`
	Name        string `json:"name" msgpack:"name"`
	Size        int64  `json:"size" msgpack:"size"`
	MimeType    string `json:"mimeType" msgpack:"mimeType"`
	TotalChunks int    `json:"totalChunks" msgpack:"totalChunks"`
}

// FileEndPayload brackets the tail of a chunk stream.
type FileEndPayload struct {
	FileID      string `json:"fileId" msgpack:"fileId"`
	TotalChunks int    `json:"totalChunks" msgpack:"totalChunks"`
}

// ChunkPayload is one relay-path chunk. Data is envelope ciphertext.
type ChunkPayload struct {
	FileID string `json:"fileId" msgpack:"fileId"`
	Index  int    `json:"index" msgpack:"index"`
	Data   []byte `json:"data" msgpack:"data"`
	Retry  bool   `json:"retry,omitempty" msgpack:"retry,omitempty"`
}

// AckPayload acknowledges a batch of received chunk indices.
type AckPayload struct {
	FileID string `json:"fileId" msgpack:"fileId"`
	Acks   []int  `json:"acks" msgpack:"acks"`
}

// CancelPayload mirrors a file-cancel onto the data channel.
type CancelPayload struct {
	FileID string `json:"fileId" msgpack:"fileId"`
	Reason string `json:"reason" msgpack:"reason"`
}

// TextMessagePayload carries an encrypted text message on the data channel.
type TextMessagePayload struct {
	Data []byte `json:"data" msgpack:"data"`
}

// newStreamMessage builds a StreamMessage with a JSON-encoded payload for
// data-channel control traffic; the relay path uses RelayMessage instead.
func newStreamMessage(messageType string, payload any) (*StreamMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &StreamMessage{Type: messageType, Payload: data}, nil
}

// encodeJSON renders a stream message for a data-channel text frame.
func (m *StreamMessage) encodeJSON() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeJSON parses a data-channel text frame in place.
func (m *StreamMessage) decodeJSON(text string) error {
	return json.Unmarshal([]byte(text), m)
}

// encodeRelayMessage renders a relay message for a binary relay frame.
func encodeRelayMessage(m *RelayMessage) ([]byte, error) {
	return msgpack.Marshal(m)
}

func decodeRelayMessage(data []byte) (*RelayMessage, error) {
	var m RelayMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodePayload unmarshals the message payload into v.
func (m *StreamMessage) DecodePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
