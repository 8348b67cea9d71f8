// Package client implements the reference client-side counterpart of
// spec.md §4.8: a client owns its own CRDT engine under a separate replica
// id, mirrors room state on join/reconnect, applies outgoing mutations
// optimistically, and self-destroys after exhausting its reconnect budget.
package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ruvnet/roomsync/internal/crdt"
	"github.com/ruvnet/roomsync/internal/wire"
)

const (
	roundTripTimeout  = 3 * time.Second
	reconnectAttempts = 9
	reconnectInterval = 500 * time.Millisecond
)

// Limits mirrors internal/crdt.Limits for the client's own engine.
type Limits = crdt.Limits

// Client is one connected (or reconnecting) client instance.
type Client struct {
	mu sync.Mutex

	conn         *websocket.Conn
	url          string
	id           string
	sessionToken string
	roomID       string

	engine *crdt.Engine
	limits Limits

	inflight sync.Mutex // single-flight guard for init/createRoom/joinRoom/reconnect

	onUpdate             func(key string, value interface{})
	onInstanceDestroyed  func(reason string)

	closed bool
}

// New dials addr (a ws:// or wss:// URL) and returns an unregistered
// Client. Call Init to register.
func New(addr string, limits Limits) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("client: invalid address: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial failed: %w", err)
	}
	return &Client{
		conn:   conn,
		url:    u.String(),
		limits: limits,
		engine: crdt.New(limits),
	}, nil
}

// OnUpdate registers a callback fired whenever a property_updated frame
// is imported into the local engine.
func (c *Client) OnUpdate(fn func(key string, value interface{})) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// OnInstanceDestroyed registers a callback fired when the client
// self-destroys after exhausting its reconnect budget, per spec.md §4.8.
func (c *Client) OnInstanceDestroyed(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInstanceDestroyed = fn
}

// Init registers the client with the server, per spec.md §4.4
// "Registration" and §5 "Client single-flight".
func (c *Client) Init(ctx context.Context, requestedID string, customData map[string]interface{}) error {
	c.inflight.Lock()
	defer c.inflight.Unlock()

	ctx, cancel := context.WithTimeout(ctx, roundTripTimeout)
	defer cancel()

	if err := c.send(wire.Frame{Type: wire.TypeRegister, Payload: wire.RegisterPayload{ID: requestedID, CustomData: customData}}); err != nil {
		return err
	}
	frame, err := c.await(ctx, wire.TypeRegistered, wire.TypeRegistrationFailed)
	if err != nil {
		return err
	}
	if frame.Type == wire.TypeRegistrationFailed {
		var payload wire.FailurePayload
		_ = wire.DecodePayload(frame, &payload)
		return fmt.Errorf("client: registration failed: %s", payload.Reason)
	}

	var payload wire.RegisteredPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return err
	}
	c.mu.Lock()
	c.id = payload.ID
	c.sessionToken = payload.SessionToken
	c.mu.Unlock()
	return nil
}

// CreateRoom mirrors spec.md §4.3 "create" from the client's perspective.
func (c *Client) CreateRoom(ctx context.Context, initialStorage map[string]interface{}, size int) (roomID string, err error) {
	c.inflight.Lock()
	defer c.inflight.Unlock()

	ctx, cancel := context.WithTimeout(ctx, roundTripTimeout)
	defer cancel()

	if err := c.send(wire.Frame{Type: wire.TypeCreateRoom, Payload: wire.CreateRoomPayload{InitialStorage: initialStorage, Size: size}}); err != nil {
		return "", err
	}
	frame, err := c.await(ctx, wire.TypeRoomCreated, wire.TypeRoomCreationFailed)
	if err != nil {
		return "", err
	}
	if frame.Type == wire.TypeRoomCreationFailed {
		var payload wire.FailurePayload
		_ = wire.DecodePayload(frame, &payload)
		return "", fmt.Errorf("client: create_room failed: %s", payload.Reason)
	}

	var payload wire.RoomCreatedPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return "", err
	}
	c.importFullState(payload.State)
	c.mu.Lock()
	c.roomID = payload.RoomID
	c.mu.Unlock()
	return payload.RoomID, nil
}

// JoinRoom mirrors spec.md §4.3 "join" from the client's perspective.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	c.inflight.Lock()
	defer c.inflight.Unlock()

	ctx, cancel := context.WithTimeout(ctx, roundTripTimeout)
	defer cancel()

	if err := c.send(wire.Frame{Type: wire.TypeJoinRoom, Payload: wire.JoinRoomPayload{RoomID: roomID}}); err != nil {
		return err
	}
	frame, err := c.await(ctx, wire.TypeJoinAccepted, wire.TypeJoinRejected)
	if err != nil {
		return err
	}
	if frame.Type == wire.TypeJoinRejected {
		var payload wire.FailurePayload
		_ = wire.DecodePayload(frame, &payload)
		return fmt.Errorf("client: join_room rejected: %s", payload.Reason)
	}

	var payload wire.JoinAcceptedPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return err
	}
	c.importFullState(payload.State)
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
	return nil
}

// UpdateProperty applies a local mutation optimistically and sends it to
// the server, per spec.md §4.8 "Outgoing updateProperty mutations are
// applied locally first (optimistic), then sent".
func (c *Client) UpdateProperty(key string, opType crdt.OpType, value, updateValue interface{}) error {
	update, err := c.engine.UpdateProperty(key, opType, value, updateValue)
	if err != nil {
		return err
	}
	return c.send(wire.Frame{
		Type: wire.TypeUpdateProperty,
		Payload: wire.UpdatePayload{
			Key:         key,
			Operation:   update.Operation,
			VectorClock: update.VectorClock.Entries(),
		},
	})
}

// HandleInbound processes one frame delivered asynchronously off the
// connection (property_updated, property_update_rejected, host_migrated,
// client_connected/disconnected, kicked, server_stopped).
func (c *Client) HandleInbound(frame wire.Frame) {
	switch frame.Type {
	case wire.TypePropertyUpdated:
		var payload wire.PropertyUpdatedPayload
		if err := wire.DecodePayload(frame, &payload); err != nil {
			return
		}
		op, err := crdt.DecodeOperation(payload.Update.Operation)
		if err != nil {
			return
		}
		clock, err := crdt.DecodeVectorClock(payload.Update.VectorClock)
		if err != nil {
			return
		}
		_ = c.engine.ImportPropertyUpdate(crdt.ImportRecord{Key: payload.Update.Key, Operation: op, VectorClock: clock})
		c.mu.Lock()
		cb := c.onUpdate
		c.mu.Unlock()
		if cb != nil {
			cb(payload.Update.Key, c.engine.GetProperty(payload.Update.Key))
		}
	case wire.TypePropertyUpdateRejected:
		// On rejection the client overwrites its engine from the embedded
		// full state, per spec.md §4.8.
		var payload wire.PropertyUpdateRejectedPayload
		if err := wire.DecodePayload(frame, &payload); err == nil {
			c.importFullState(payload.State)
		}
	case wire.TypeKicked, wire.TypeServerStopped:
		c.destroy("server closed the connection")
	}
}

// Reconnect implements spec.md §4.8's nine-attempt, 500ms-cadence
// reconnect loop, self-destroying and emitting instanceDestroyed on final
// failure.
func (c *Client) Reconnect(ctx context.Context) error {
	c.inflight.Lock()
	defer c.inflight.Unlock()

	c.mu.Lock()
	id, token := c.id, c.sessionToken
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			lastErr = err
			time.Sleep(reconnectInterval)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, roundTripTimeout)
		sendErr := c.send(wire.Frame{Type: wire.TypeReconnect, Payload: wire.ReconnectPayload{ID: id, SessionToken: token}})
		if sendErr != nil {
			cancel()
			lastErr = sendErr
			time.Sleep(reconnectInterval)
			continue
		}
		frame, err := c.await(attemptCtx, wire.TypeReconnected, wire.TypeReconnectionFailed)
		cancel()
		if err != nil {
			lastErr = err
			time.Sleep(reconnectInterval)
			continue
		}
		if frame.Type == wire.TypeReconnectionFailed {
			var payload wire.FailurePayload
			_ = wire.DecodePayload(frame, &payload)
			c.destroy(payload.Reason)
			return fmt.Errorf("client: reconnection failed: %s", payload.Reason)
		}

		var payload wire.ReconnectedPayload
		if err := wire.DecodePayload(frame, &payload); err == nil && payload.RoomData != nil {
			c.importFullState(payload.RoomData.State)
		}
		return nil
	}

	c.destroy(fmt.Sprintf("exhausted %d reconnect attempts: %v", reconnectAttempts, lastErr))
	return fmt.Errorf("client: exhausted reconnect attempts: %w", lastErr)
}

// Destroy cancels all outstanding promises and closes the transport, per
// spec.md §5 "On destroy, all outstanding promises reject."
func (c *Client) Destroy() {
	c.destroy("destroyed by caller")
}

func (c *Client) destroy(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	cb := c.onInstanceDestroyed
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cb != nil {
		cb(reason)
	}
}

// importFullState replaces the engine's local log with a fresh baseline
// seeded from a materialized state map. Wire frames carry only the
// materialized view (spec.md §6), not the donor's raw operation log, so
// the client re-derives its own causal history from this point forward
// rather than importing the donor's.
func (c *Client) importFullState(state map[string]interface{}) {
	c.engine.ImportState(crdt.State{})
	_ = c.engine.SeedSet(state)
}

func (c *Client) send(frame wire.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not connected")
	}
	data, err := wire.JSONCodec{}.Encode(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// await blocks for the next frame matching one of want, honoring ctx's
// deadline (the client's 3 s frame-round-trip timeout).
func (c *Client) await(ctx context.Context, want ...wire.Type) (wire.Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return wire.Frame{}, ctx.Err()
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return wire.Frame{}, fmt.Errorf("client: not connected")
		}

		deadline, ok := ctx.Deadline()
		if ok {
			_ = conn.SetReadDeadline(deadline)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return wire.Frame{}, err
		}
		frame, err := wire.JSONCodec{}.Decode(data)
		if err != nil {
			continue
		}
		for _, w := range want {
			if frame.Type == w {
				return frame, nil
			}
		}
		c.HandleInbound(frame)
	}
}
