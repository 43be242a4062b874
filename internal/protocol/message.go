package protocol

import "encoding/json"

// Frame is the envelope for every text message exchanged with the hub.
// Frames carrying a To field are forwarded verbatim to that peer with From
// filled in by the hub; everything else is handled by the hub itself.
type Frame struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Frame type constants.
const (
	TypeJoin        = "join"
	TypeJoined      = "joined"
	TypePeerJoined  = "peer-joined"
	TypePeerLeft    = "peer-left"
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeICE         = "ice-candidate"
	TypeKeyExchange = "key-exchange"
	TypeFileRequest = "file-request"
	TypeFileResp    = "file-response"
	TypeFileCancel  = "file-cancel"
	TypeNameChanged = "name-changed"
	TypeText        = "text"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Application-defined websocket close codes used by the password gate.
const (
	ClosePasswordRequired  = 4001
	ClosePasswordIncorrect = 4002
)

// Error identifiers carried in ErrorPayload.
const (
	ErrPasswordRequired  = "PASSWORD_REQUIRED"
	ErrPasswordIncorrect = "PASSWORD_INCORRECT"
)

// PeerInfo describes one participant of a room.
type PeerInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DeviceType  string `json:"deviceType"`
	BrowserInfo string `json:"browserInfo"`
}

// JoinPayload registers the sender's attachment with the hub.
type JoinPayload struct {
	Name        string `json:"name"`
	DeviceType  string `json:"deviceType"`
	BrowserInfo string `json:"browserInfo"`
}

// JoinedPayload is the hub's reply to a join.
type JoinedPayload struct {
	PeerID   string     `json:"peerId"`
	RoomCode string     `json:"roomCode"`
	Peers    []PeerInfo `json:"peers"`
}

// SDPPayload carries an offer or answer description, plus the sender's
// base64 SPKI public key so the shared secret can be derived in the same
// round-trip.
type SDPPayload struct {
	SDP       string `json:"sdp"`
	PublicKey string `json:"publicKey,omitempty"`
}

// CandidatePayload carries one trickled ICE candidate in the browser's
// ICECandidateInit shape.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// KeyExchangePayload carries a base64 SPKI public key.
type KeyExchangePayload struct {
	PublicKey string `json:"publicKey"`
}

// FileRequestPayload announces an outgoing file transfer.
type FileRequestPayload struct {
	FileID      string `json:"fileId"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType"`
	TotalChunks int    `json:"totalChunks"`
	Mode        string `json:"transferMode"`
}

// FileResponsePayload accepts or declines a pending file request.
type FileResponsePayload struct {
	FileID   string `json:"fileId"`
	Accepted bool   `json:"accepted"`
}

// FileCancelPayload aborts a transfer in either direction.
type FileCancelPayload struct {
	FileID string `json:"fileId"`
	Reason string `json:"reason"`
}

// NameChangedPayload updates the sender's display name.
type NameChangedPayload struct {
	Name string `json:"name"`
}

// TextPayload carries an encrypted text message. Data is the envelope
// ciphertext; JSON encodes it as base64.
type TextPayload struct {
	Data []byte `json:"data"`
}

// ErrorPayload reports a hub-side failure.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ICEServer describes one STUN/TURN server advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(frameType string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: frameType, Data: data}, nil
}

// NewDirectedFrame marshals payload into a frame addressed to a peer.
func NewDirectedFrame(frameType, to string, payload any) (*Frame, error) {
	f, err := NewFrame(frameType, payload)
	if err != nil {
		return nil, err
	}
	f.To = to
	return f, nil
}

// DecodeData unmarshals the frame payload into v.
func (f *Frame) DecodeData(v any) error {
	return json.Unmarshal(f.Data, v)
}
