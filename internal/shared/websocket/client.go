package websocket

import (
	"context"
	"net"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// Constants for WebSocket configuration (adjust as needed)
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024

	// Outbound messages buffered per client before the hub drops it.
	sendBuffer = 64
)

// Conn is the subset of *websocket.Conn the pumps use.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// Client represents a ws individual connection
type Client struct {
	Hub *Hub
	// The websocket connection.
	Conn Conn
	// Buffered channel of outbound messages. Only the hub writes to or closes it.
	Send chan []byte
	// Unique identifier for the client
	ID string
	// UserID is the bidder bound to the connection, when the handshake carried one.
	UserID string

	// rooms joined, owned by the hub goroutine
	rooms map[string]struct{}
}

// NewClient builds a client for conn; it still has to be registered in the hub.
func NewClient(hub *Hub, conn Conn, id string) *Client {
	return &Client{
		Hub:   hub,
		Conn:  conn,
		Send:  make(chan []byte, sendBuffer),
		ID:    id,
		rooms: make(map[string]struct{}),
	}
}

func (c *Client) remoteAddr() string {
	if c.Conn == nil || c.Conn.RemoteAddr() == nil {
		return ""
	}
	return c.Conn.RemoteAddr().String()
}

// ReadPump reads messages from the websocket and forwards them to the hub's InboundMessages.
// It must run in one goroutine per client; it returns when the peer goes away.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
		log.Info("ReadPump stopped for client",
			zap.String("clientID", c.ID),
			zap.String("remote_addr", c.remoteAddr()),
		)
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// a past deadline unblocks ReadMessage as soon as ctx is cancelled
	stopWatch := context.AfterFunc(ctx, func() {
		_ = c.Conn.SetReadDeadline(time.Now())
	})
	defer stopWatch()

	log.Info("ReadPump started for client",
		zap.String("clientID", c.ID),
		zap.String("remote_addr", c.remoteAddr()),
	)

	for {
		select {
		case <-ctx.Done():
			log.Info("ReadPump context cancelled for client", zap.String("clientID", c.ID))
			return
		default:
		}

		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("ReadPump context cancelled for client", zap.String("clientID", c.ID))
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error("WebSocket read error",
					zap.String("clientID", c.ID),
					zap.String("remote_addr", c.remoteAddr()),
					zap.Error(err),
				)
			} else {
				log.Info("WebSocket connection closed by peer",
					zap.String("clientID", c.ID),
					zap.String("remote_addr", c.remoteAddr()),
					zap.Error(err),
				)
			}
			return
		}

		log.Debug("Received message from client",
			zap.String("clientID", c.ID),
			zap.ByteString("message", message),
		)

		select {
		case c.Hub.InboundMessages <- &ClientMessage{Client: c, Data: message}:
		case <-ctx.Done():
			return
		default:
			// handlers are not keeping up; the message is dropped and the client can resend
			log.Error("Hub InboundMessages channel is full, dropping message",
				zap.String("clientID", c.ID),
				zap.ByteString("message", message),
			)
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// invoking WriteControl and WriteMessage from a single goroutine.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Hub.Unregister(c)
		c.Conn.Close()
		log.Info("WritePump stopped for client",
			zap.String("clientID", c.ID),
			zap.String("remote_addr", c.remoteAddr()),
		)
	}()

	for {
		select {
		case <-ctx.Done():
			err := c.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			if err != nil {
				log.Error("Failed to send close control message", zap.String("clientID", c.ID), zap.Error(err))
			}
			return

		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The Hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one JSON event per frame, clients parse frames independently
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error("Failed to write message to client", zap.String("clientID", c.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Error("Failed to write ping message to client", zap.String("clientID", c.ID), zap.Error(err))
				return
			}
		}
	}
}
