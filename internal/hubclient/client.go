// Package hubclient maintains the websocket session with the signaling hub:
// dialing, the read/write pumps, keep-alive, and typed send helpers. Frame
// dispatch beyond the join handshake is delegated to a Handler.
package hubclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yuunie/clouddrop/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
	joinTimeout    = 10 * time.Second
)

var (
	ErrPasswordRequired  = errors.New("room requires a password")
	ErrPasswordIncorrect = errors.New("room password incorrect")
	ErrDisconnected      = errors.New("hub connection closed")
)

// Handler receives everything the session produces after the join handshake.
// Callbacks run on the read pump goroutine; implementations hand off to
// their own tasks.
type Handler interface {
	HandleFrame(frame *protocol.Frame)
	HandleRelay(frame *protocol.RelayFrame)
	HandleDisconnect(err error)
}

// outbound is one queued websocket message.
type outbound struct {
	binary bool
	data   []byte
}

// Client manages the WebSocket connection to the signaling hub.
type Client struct {
	serverURL    string
	room         string
	passwordHash string

	handler Handler

	conn     *websocket.Conn
	outgoing chan outbound
	done     chan struct{}

	mu     sync.Mutex
	joined chan *protocol.JoinedPayload
	closed bool

	// PeerID is set once the join handshake completes.
	PeerID string
	// RoomCode is the canonical room the hub placed us in.
	RoomCode string
}

// New creates a client for the given hub URL. room and passwordHash may be
// empty; the hub then derives a room from the network prefix.
func New(serverURL, room, passwordHash string, handler Handler) *Client {
	return &Client{
		serverURL:    serverURL,
		room:         room,
		passwordHash: passwordHash,
		handler:      handler,
		outgoing:     make(chan outbound, 64),
		done:         make(chan struct{}),
		joined:       make(chan *protocol.JoinedPayload, 1),
	}
}

// Connect establishes the websocket connection and starts the pumps.
func (c *Client) Connect() error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	q := u.Query()
	if c.room != "" {
		q.Set("room", c.room)
	}
	if c.passwordHash != "" {
		q.Set("passwordHash", c.passwordHash)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()
	return nil
}

// Join registers the local attachment and waits for the hub's joined reply.
func (c *Client) Join(name, deviceType, browserInfo string) (*protocol.JoinedPayload, error) {
	frame, err := protocol.NewFrame(protocol.TypeJoin, protocol.JoinPayload{
		Name:        name,
		DeviceType:  deviceType,
		BrowserInfo: browserInfo,
	})
	if err != nil {
		return nil, err
	}
	if err := c.SendFrame(frame); err != nil {
		return nil, err
	}

	select {
	case payload, ok := <-c.joined:
		if !ok || payload == nil {
			return nil, ErrDisconnected
		}
		c.PeerID = payload.PeerID
		c.RoomCode = payload.RoomCode
		return payload, nil
	case <-time.After(joinTimeout):
		return nil, errors.New("timeout waiting for joined")
	}
}

// SendFrame queues a JSON text frame.
func (c *Client) SendFrame(frame *protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.send(outbound{data: data})
}

// SendRelay queues a binary relay frame addressed to a peer.
func (c *Client) SendRelay(to string, payload []byte) error {
	data, err := protocol.EncodeRelayFrame(&protocol.RelayFrame{To: to, Payload: payload})
	if err != nil {
		return err
	}
	return c.send(outbound{binary: true, data: data})
}

func (c *Client) send(msg outbound) error {
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrDisconnected
	}
}

func (c *Client) readPump() {
	var closeErr error
	defer func() {
		c.conn.Close()
		c.closeJoined()
		if c.handler != nil {
			c.handler.HandleDisconnect(closeErr)
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			closeErr = translateClose(err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			frame, err := protocol.DecodeRelayFrame(data)
			if err != nil {
				slog.Debug("unparseable relay frame", "err", err)
				continue
			}
			c.handler.HandleRelay(frame)

		case websocket.TextMessage:
			var frame protocol.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				slog.Debug("unparseable frame", "err", err)
				continue
			}
			if frame.Type == protocol.TypeJoined {
				var payload protocol.JoinedPayload
				if err := frame.DecodeData(&payload); err == nil {
					c.deliverJoined(&payload)
				}
				continue
			}
			c.handler.HandleFrame(&frame)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			messageType := websocket.TextMessage
			if message.binary {
				messageType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(messageType, message.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) deliverJoined(payload *protocol.JoinedPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.joined <- payload:
	default:
	}
}

func (c *Client) closeJoined() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.joined)
	}
}

// translateClose maps the password gate's close codes onto sentinel errors.
func translateClose(err error) error {
	switch {
	case websocket.IsCloseError(err, protocol.ClosePasswordRequired):
		return ErrPasswordRequired
	case websocket.IsCloseError(err, protocol.ClosePasswordIncorrect):
		return ErrPasswordIncorrect
	default:
		return err
	}
}

// Close shuts the session down and releases the pumps.
func (c *Client) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
