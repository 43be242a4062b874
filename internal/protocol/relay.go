package protocol

import "github.com/vmihailenco/msgpack/v5"

// RelayFrame is the binary websocket message used for relay-mode transfer
// data. The hub decodes only the routing fields and forwards the payload
// without inspecting it.
type RelayFrame struct {
	To      string `msgpack:"to"`
	From    string `msgpack:"from"`
	Payload []byte `msgpack:"payload"`
}

// EncodeRelayFrame marshals a relay frame for the wire.
func EncodeRelayFrame(f *RelayFrame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// DecodeRelayFrame unmarshals a binary websocket message into a relay frame.
func DecodeRelayFrame(data []byte) (*RelayFrame, error) {
	var f RelayFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
