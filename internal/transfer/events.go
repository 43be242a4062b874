package transfer

// ProgressEvent reports streaming progress for either direction.
type ProgressEvent struct {
	PeerID   string
	FileID   string
	FileName string
	FileSize int64
	Sent     int64
	Total    int64
	Percent  float64
	// Speed is bytes per second over the transfer so far.
	Speed float64
}

// IncomingRequest describes a file another peer wants to send us.
type IncomingRequest struct {
	PeerID      string
	PeerName    string
	FileID      string
	Name        string
	Size        int64
	MimeType    string
	TotalChunks int
	Mode        string
}

// ReceivedFile is a completed incoming transfer. MissingChunks is non-empty
// when a relay transfer completed short and strict integrity is off; the
// caller decides whether to salvage or discard.
type ReceivedFile struct {
	PeerID        string
	FileID        string
	Name          string
	MimeType      string
	Data          []byte
	DeclaredSize  int64
	MissingChunks []int
}

// Observer receives transfer-protocol events. Every field is optional.
// Accept is the UI's decision function for incoming requests; it may block
// (it runs on its own goroutine) and defaults to decline when nil.
type Observer struct {
	Accept       func(req IncomingRequest) bool
	OnProgress   func(ev ProgressEvent)
	OnReceived   func(file ReceivedFile)
	OnText       func(peerID, text string)
	OnCancelled  func(peerID, fileID, reason string)
	OnNameChange func(peerID, name string)
}
