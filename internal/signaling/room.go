package signaling

import "github.com/yuunie/clouddrop/internal/protocol"

// Room is a coordination container for the peers sharing one room code.
type Room struct {
	// Code is the canonical (upper-cased) room code.
	Code string

	// Peers maps peer IDs to their open sessions.
	Peers map[string]*Client
}

func newRoom(code string) *Room {
	return &Room{
		Code:  code,
		Peers: make(map[string]*Client),
	}
}

// peerList snapshots the membership, excluding one peer id.
func (r *Room) peerList(exclude string) []protocol.PeerInfo {
	peers := make([]protocol.PeerInfo, 0, len(r.Peers))
	for id, c := range r.Peers {
		if id == exclude {
			continue
		}
		peers = append(peers, c.Info())
	}
	return peers
}

// broadcast queues a frame for every member except the excluded peer id.
func (r *Room) broadcast(frame *protocol.Frame, exclude string) {
	for id, c := range r.Peers {
		if id == exclude {
			continue
		}
		c.QueueFrame(frame)
	}
}
