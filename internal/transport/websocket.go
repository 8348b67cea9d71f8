// Package transport binds the protocol dispatcher to a concrete WebSocket
// connection via gorilla/websocket, owning the goroutine-per-connection
// read/write pumps the teacher's own WS handler uses.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ruvnet/roomsync/internal/protocol"
	"github.com/ruvnet/roomsync/internal/session"
	"github.com/ruvnet/roomsync/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn adapts a gorilla/websocket connection to session.Transport.
type Conn struct {
	ws    *websocket.Conn
	codec wire.Codec
	send  chan wire.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// Send implements session.Transport by queuing a frame for the write pump.
func (c *Conn) Send(frame wire.Frame) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	}
}

// Close implements session.Transport.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.ws.Close()
}

// Ping implements session.Transport, sending a WS-level ping frame.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Handler upgrades HTTP connections to WebSocket and drives the
// per-connection read/write pumps.
type Handler struct {
	dispatcher *protocol.Dispatcher
	sessions   *session.Manager
	codec      wire.Codec
	log        *zap.Logger
}

// NewHandler builds a Handler bound to the given dispatcher and Session
// Manager.
func NewHandler(dispatcher *protocol.Dispatcher, sessions *session.Manager, log *zap.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, sessions: sessions, codec: wire.JSONCodec{}, log: log}
}

// ServeHTTP upgrades the request to a WebSocket and blocks for the
// connection's lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &Conn{
		ws:     ws,
		codec:  h.codec,
		send:   make(chan wire.Frame, 64),
		closed: make(chan struct{}),
	}
	connectionID := r.Header.Get("X-Request-Id")
	if connectionID == "" {
		connectionID = r.RemoteAddr
	}

	ctx := r.Context()
	go h.writePump(conn)
	h.readPump(ctx, conn, connectionID)
}

func (h *Handler) writePump(conn *Conn) {
	defer conn.Close()
	for {
		select {
		case frame, ok := <-conn.send:
			if !ok {
				return
			}
			data, err := conn.codec.Encode(frame)
			if err != nil {
				continue
			}
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-conn.closed:
			return
		}
	}
}

func (h *Handler) readPump(ctx context.Context, conn *Conn, connectionID string) {
	var client *session.Client
	defer func() {
		conn.Close()
		if client != nil {
			h.sessions.HandleTransportClose(ctx, client.ID)
		}
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		if client != nil {
			client.MarkAlive()
		}
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := conn.codec.Decode(data)
		if err != nil {
			h.log.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		client = h.dispatcher.HandleFrame(ctx, conn, connectionID, client, frame)
	}
}
