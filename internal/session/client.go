package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ruvnet/roomsync/internal/wire"
)

// Transport abstracts the concrete WebSocket binding, kept out of scope
// per spec.md §1 ("transport binding ... interfaces only").
type Transport interface {
	Send(frame wire.Frame) error
	Close() error
	Ping() error
}

// Status is a connection's position in the protocol state machine of
// spec.md §4.6.
type Status int

const (
	StatusUnregistered Status = iota
	StatusRegistered
	StatusInRoom
)

// Client is one connected session, per spec.md §3 "Client session".
type Client struct {
	mu sync.Mutex

	ID                string
	Transport         Transport
	SessionToken      string
	RoomID            string
	CustomData        map[string]interface{}
	WillfulDisconnect bool
	Alive             bool
	ConnectionID      string
	Status            Status

	limiter       *rate.Limiter
	pendingTimer  *time.Timer
	terminateOnce sync.Once
}

// Allow checks and, if available, deducts cost tokens from the
// connection's rate-limit bucket in one critical section, per spec.md §5
// "Rate-limit racing".
func (c *Client) Allow(cost int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limiter.AllowN(time.Now(), cost)
}

// MarkWillful records that the client sent an explicit disconnect frame,
// per spec.md §4.4 "Disconnection".
func (c *Client) MarkWillful() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WillfulDisconnect = true
}

// IsWillful reports whether the client disconnected deliberately.
func (c *Client) IsWillful() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WillfulDisconnect
}

// MarkAlive resets the liveness flag, called when the transport answers a
// heartbeat ping.
func (c *Client) MarkAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Alive = true
}

// consumeAlive reports the current liveness flag and resets it to false,
// used by the heartbeat sweep before sending the next ping.
func (c *Client) consumeAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.Alive
	c.Alive = false
	return was
}

// terminate closes the transport exactly once, guarding against re-entrant
// termination from a concurrent rate-limit violation and heartbeat sweep,
// per spec.md §4.4 "Rate limiting".
func (c *Client) terminate() {
	c.terminateOnce.Do(func() {
		_ = c.Transport.Close()
	})
}

// setRoom binds the client to room, transitioning to IN_ROOM.
func (c *Client) setRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RoomID = roomID
	c.Status = StatusInRoom
}

// clearRoom unbinds the client from its room, transitioning back to
// REGISTERED.
func (c *Client) clearRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RoomID = ""
	c.Status = StatusRegistered
}

// currentRoom returns the client's current room id, or "" if none.
func (c *Client) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.RoomID
}

// CurrentStatus returns the client's protocol state-machine status.
func (c *Client) CurrentStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Status
}

// CurrentRoomID returns the client's current room id, or "" if none.
func (c *Client) CurrentRoomID() string {
	return c.currentRoom()
}
