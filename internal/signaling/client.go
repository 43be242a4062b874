package signaling

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yuunie/clouddrop/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Relay chunks are 64 KiB of
	// payload plus the envelope and framing overhead.
	maxMessageSize = 256 * 1024
)

// Outbound is one queued websocket message, either a JSON text frame or a
// binary relay frame.
type Outbound struct {
	binary bool
	data   []byte
}

// Client is a wrapper for a single websocket connection (a peer session).
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn

	// PeerID is the 128-bit identifier issued by the hub at accept time.
	PeerID string

	// RoomCode is the canonical code of the room this session belongs to.
	RoomCode string

	// Attachment registered by the join frame.
	Name        string
	DeviceType  string
	BrowserInfo string

	// Send is the buffered outbound queue. A separate goroutine (WritePump)
	// drains it onto the websocket.
	Send chan Outbound

	joined bool
}

// Info returns the peer's membership record.
func (c *Client) Info() protocol.PeerInfo {
	return protocol.PeerInfo{
		ID:          c.PeerID,
		Name:        c.Name,
		DeviceType:  c.DeviceType,
		BrowserInfo: c.BrowserInfo,
	}
}

// QueueFrame marshals a text frame onto the outbound queue. Frames for a
// slow session are dropped rather than blocking the hub.
func (c *Client) QueueFrame(frame *protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal frame", "type", frame.Type, "err", err)
		return
	}
	select {
	case c.Send <- Outbound{data: data}:
	default:
		slog.Warn("dropping frame for slow session", "peer", c.PeerID, "type", frame.Type)
	}
}

// QueueBinary places a raw binary message onto the outbound queue.
func (c *Client) QueueBinary(data []byte) {
	select {
	case c.Send <- Outbound{binary: true, data: data}:
	default:
		slog.Warn("dropping relay frame for slow session", "peer", c.PeerID)
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine, ensuring at
// most one reader per connection.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("session read error", "peer", c.PeerID, "err", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.Hub.Relay <- &relayEnvelope{client: c, raw: data}

		case websocket.TextMessage:
			var frame protocol.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				slog.Debug("unparseable frame", "peer", c.PeerID, "err", err)
				continue
			}
			if frame.Type == protocol.TypePing {
				// Application-level keep-alive, answered without a hub trip.
				c.QueueFrame(&protocol.Frame{Type: protocol.TypePong})
				continue
			}
			c.Hub.Inbound <- &inboundFrame{client: c, frame: &frame}
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started per connection, ensuring at most
// one writer per connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			messageType := websocket.TextMessage
			if message.binary {
				messageType = websocket.BinaryMessage
			}
			if err := c.Conn.WriteMessage(messageType, message.data); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
