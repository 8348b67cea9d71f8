package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruvnet/roomsync/internal/config"
	"github.com/ruvnet/roomsync/internal/crdt"
	"github.com/ruvnet/roomsync/internal/hooks"
	"github.com/ruvnet/roomsync/internal/room"
	"github.com/ruvnet/roomsync/internal/session"
	"github.com/ruvnet/roomsync/internal/wire"
)

// fakeTransport records every frame sent to it, standing in for the
// WebSocket binding in dispatcher tests.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []wire.Frame
	closed bool
}

func (t *fakeTransport) Send(frame wire.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, frame)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
func (t *fakeTransport) Ping() error { return nil }

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) frames() []wire.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wire.Frame(nil), t.sent...)
}

func (t *fakeTransport) last() wire.Frame {
	fs := t.frames()
	if len(fs) == 0 {
		return wire.Frame{}
	}
	return fs[len(fs)-1]
}

func (t *fakeTransport) types() []wire.Type {
	fs := t.frames()
	out := make([]wire.Type, len(fs))
	for i, f := range fs {
		out[i] = f.Type
	}
	return out
}

type managerBroadcaster struct {
	manager *session.Manager
}

func (b *managerBroadcaster) SendToClient(clientID string, frame wire.Frame) {
	if b.manager == nil {
		return
	}
	b.manager.SendToClient(clientID, frame)
}

func newTestDispatcher() (*Dispatcher, *session.Manager, *room.Registry) {
	rateCfg := config.RateLimitConfig{Capacity: 20, RefillInterval: time.Second, CreateRoomCost: 5, DefaultCost: 1}
	return newTestDispatcherWithRate(rateCfg)
}

func newTestDispatcherWithRate(rateCfg config.RateLimitConfig) (*Dispatcher, *session.Manager, *room.Registry) {
	log := zap.NewNop()
	hookRegistry := hooks.New(log)
	broadcaster := &managerBroadcaster{}
	roomCfg := config.RoomConfig{
		ClientOwnedMaxSize: 2,
		ServerOwnedMaxSize: 10,
		MaxKeysPerRoom:     100,
		MaxValueBytes:      50000,
		IDLength:           6,
		GCMinInterval:      time.Second,
		GCMinAge:           time.Second,
	}
	rooms := room.New(roomCfg, hookRegistry, broadcaster, log)

	sessCfg := config.SessionConfig{HeartbeatInterval: time.Hour, ReconnectGrace: 30 * time.Millisecond, SessionTokenLength: 16}
	sessions := session.New(rooms, hookRegistry, sessCfg, rateCfg, log)
	broadcaster.manager = sessions

	d := New(sessions, rooms, hookRegistry, rateCfg, log)
	return d, sessions, rooms
}

func registerClient(t *testing.T, d *Dispatcher, sessions *session.Manager, id string) (*session.Client, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c := d.HandleFrame(context.Background(), tr, "conn-"+id, nil, wire.Frame{
		Type:    wire.TypeRegister,
		Payload: wire.RegisterPayload{ID: id},
	})
	require.NotNil(t, c)
	require.Contains(t, tr.types(), wire.TypeRegistered)
	return c, tr
}

func TestDispatcher_Register_Success(t *testing.T) {
	d, sessions, _ := newTestDispatcher()
	c, tr := registerClient(t, d, sessions, "alice")
	assert.Equal(t, "alice", c.ID)
	assert.Equal(t, wire.TypeRegistered, tr.last().Type)
}

func TestDispatcher_Register_InvalidID_FailsValidation(t *testing.T) {
	d, _, _ := newTestDispatcher()
	tr := &fakeTransport{}
	c := d.HandleFrame(context.Background(), tr, "conn-1", nil, wire.Frame{
		Type:    wire.TypeRegister,
		Payload: wire.RegisterPayload{ID: "bad id with spaces!"},
	})
	assert.Nil(t, c)
	assert.Contains(t, tr.types(), wire.TypeRegistrationFailed)
}

func TestDispatcher_UnregisteredClient_NonRegisterFrameDropped(t *testing.T) {
	d, _, _ := newTestDispatcher()
	tr := &fakeTransport{}
	c := d.HandleFrame(context.Background(), tr, "conn-1", nil, wire.Frame{Type: wire.TypeCreateRoom})
	assert.Nil(t, c)
	assert.Empty(t, tr.frames())
}

func TestDispatcher_CreateRoom_Success(t *testing.T) {
	d, sessions, rooms := newTestDispatcher()
	c, tr := registerClient(t, d, sessions, "alice")

	c = d.HandleFrame(context.Background(), c.Transport, "conn-alice", c, wire.Frame{
		Type:    wire.TypeCreateRoom,
		Payload: wire.CreateRoomPayload{InitialStorage: map[string]interface{}{"score": 0.0}},
	})
	require.NotNil(t, c)
	assert.Equal(t, wire.TypeRoomCreated, tr.last().Type)
	assert.Equal(t, session.StatusInRoom, c.CurrentStatus())

	payload := tr.last().Payload.(wire.RoomCreatedPayload)
	_, ok := rooms.Get(payload.RoomID)
	assert.True(t, ok)
}

func TestDispatcher_CreateRoom_AlreadyInRoom_Rejected(t *testing.T) {
	d, sessions, _ := newTestDispatcher()
	c, tr := registerClient(t, d, sessions, "alice")

	c = d.HandleFrame(context.Background(), c.Transport, "conn-alice", c, wire.Frame{Type: wire.TypeCreateRoom, Payload: wire.CreateRoomPayload{}})
	require.NotNil(t, c)

	d.HandleFrame(context.Background(), c.Transport, "conn-alice", c, wire.Frame{Type: wire.TypeCreateRoom, Payload: wire.CreateRoomPayload{}})
	assert.Equal(t, wire.TypeRoomCreationFailed, tr.last().Type)
}

func TestDispatcher_JoinRoom_NotFound(t *testing.T) {
	d, sessions, _ := newTestDispatcher()
	c, tr := registerClient(t, d, sessions, "bob")

	d.HandleFrame(context.Background(), c.Transport, "conn-bob", c, wire.Frame{
		Type:    wire.TypeJoinRoom,
		Payload: wire.JoinRoomPayload{RoomID: "ZZZZZZ"},
	})
	assert.Equal(t, wire.TypeJoinRejected, tr.last().Type)
}

func TestDispatcher_JoinRoom_Success_NotifiesExistingParticipants(t *testing.T) {
	d, sessions, _ := newTestDispatcher()
	host, hostTr := registerClient(t, d, sessions, "alice")
	host = d.HandleFrame(context.Background(), host.Transport, "conn-alice", host, wire.Frame{
		Type:    wire.TypeCreateRoom,
		Payload: wire.CreateRoomPayload{},
	})
	roomID := hostTr.last().Payload.(wire.RoomCreatedPayload).RoomID

	guest, guestTr := registerClient(t, d, sessions, "bob")
	guest = d.HandleFrame(context.Background(), guest.Transport, "conn-bob", guest, wire.Frame{
		Type:    wire.TypeJoinRoom,
		Payload: wire.JoinRoomPayload{RoomID: roomID},
	})
	require.NotNil(t, guest)
	assert.Equal(t, wire.TypeJoinAccepted, guestTr.last().Type)
	assert.Contains(t, hostTr.types(), wire.TypeClientConnected)
}

func TestDispatcher_JoinRoom_RespectsSizeCap(t *testing.T) {
	d, sessions, _ := newTestDispatcher()
	host, hostTr := registerClient(t, d, sessions, "a")
	host = d.HandleFrame(context.Background(), host.Transport, "conn-a", host, wire.Frame{Type: wire.TypeCreateRoom, Payload: wire.CreateRoomPayload{}})
	roomID := hostTr.last().Payload.(wire.RoomCreatedPayload).RoomID

	b, _ := registerClient(t, d, sessions, "b")
	d.HandleFrame(context.Background(), b.Transport, "conn-b", b, wire.Frame{Type: wire.TypeJoinRoom, Payload: wire.JoinRoomPayload{RoomID: roomID}})

	c, cTr := registerClient(t, d, sessions, "c")
	d.HandleFrame(context.Background(), c.Transport, "conn-c", c, wire.Frame{Type: wire.TypeJoinRoom, Payload: wire.JoinRoomPayload{RoomID: roomID}})
	assert.Equal(t, wire.TypeJoinRejected, cTr.last().Type, "room's client-owned cap is 2 in this test config")
}

func TestDispatcher_UpdateProperty_BroadcastsToParticipants(t *testing.T) {
	d, sessions, rooms := newTestDispatcher()
	host, hostTr := registerClient(t, d, sessions, "alice")
	host = d.HandleFrame(context.Background(), host.Transport, "conn-alice", host, wire.Frame{Type: wire.TypeCreateRoom, Payload: wire.CreateRoomPayload{}})
	roomID := hostTr.last().Payload.(wire.RoomCreatedPayload).RoomID

	r, ok := rooms.Get(roomID)
	require.True(t, ok)
	update, err := r.Engine.UpdateProperty("score", crdt.OpSet, 1.0, nil)
	require.NoError(t, err)

	d.HandleFrame(context.Background(), host.Transport, "conn-alice", host, wire.Frame{
		Type: wire.TypeUpdateProperty,
		Payload: wire.UpdatePayload{
			Key:         "score",
			Operation:   update.Operation,
			VectorClock: update.VectorClock.Entries(),
		},
	})

	assert.Contains(t, hostTr.types(), wire.TypePropertyUpdated)
}

func TestDispatcher_UpdateProperty_IgnoredOutsideRoom(t *testing.T) {
	d, sessions, _ := newTestDispatcher()
	c, tr := registerClient(t, d, sessions, "alice")

	d.HandleFrame(context.Background(), c.Transport, "conn-alice", c, wire.Frame{
		Type:    wire.TypeUpdateProperty,
		Payload: wire.UpdatePayload{Key: "x"},
	})
	assert.Empty(t, tr.frames(), "update_property from a client not in a room is dropped")
}

func TestDispatcher_RateLimitExceeded_Terminates(t *testing.T) {
	rateCfg := config.RateLimitConfig{Capacity: 1, RefillInterval: time.Hour, CreateRoomCost: 5, DefaultCost: 1}
	d, sessions, _ := newTestDispatcherWithRate(rateCfg)
	c, tr := registerClient(t, d, sessions, "alice")

	for i := 0; i < 5; i++ {
		d.HandleFrame(context.Background(), c.Transport, "conn-alice", c, wire.Frame{Type: wire.TypeRequest, Payload: wire.RequestPayload{Name: "ping"}})
	}

	assert.True(t, tr.isClosed(), "exhausting the rate-limit bucket terminates the connection")
}

func TestDispatcher_UpdateProperty_StorageUpdateRequestedHookSeesOpDetails(t *testing.T) {
	log := zap.NewNop()
	hookRegistry := hooks.New(log)
	broadcaster := &managerBroadcaster{}
	roomCfg := config.RoomConfig{
		ClientOwnedMaxSize: 2,
		ServerOwnedMaxSize: 10,
		MaxKeysPerRoom:     100,
		MaxValueBytes:      50000,
		IDLength:           6,
		GCMinInterval:      time.Second,
		GCMinAge:           time.Second,
	}
	rooms := room.New(roomCfg, hookRegistry, broadcaster, log)
	sessCfg := config.SessionConfig{HeartbeatInterval: time.Hour, ReconnectGrace: 30 * time.Millisecond, SessionTokenLength: 16}
	rateCfg := config.RateLimitConfig{Capacity: 20, RefillInterval: time.Second, CreateRoomCost: 5, DefaultCost: 1}
	sessions := session.New(rooms, hookRegistry, sessCfg, rateCfg, log)
	broadcaster.manager = sessions
	d := New(sessions, rooms, hookRegistry, rateCfg, log)

	var seenUpdate map[string]interface{}
	hookRegistry.StorageUpdateRequested = func(ctx context.Context, roomID, clientID string, update, storage map[string]interface{}) hooks.Decision {
		seenUpdate = update
		return hooks.Decision{Allowed: true}
	}

	host, hostTr := registerClient(t, d, sessions, "alice")
	host = d.HandleFrame(context.Background(), host.Transport, "conn-alice", host, wire.Frame{Type: wire.TypeCreateRoom, Payload: wire.CreateRoomPayload{}})
	roomID := hostTr.last().Payload.(wire.RoomCreatedPayload).RoomID

	r, ok := rooms.Get(roomID)
	require.True(t, ok)
	update, err := r.Engine.UpdateProperty("score", crdt.OpSet, 7.0, nil)
	require.NoError(t, err)

	d.HandleFrame(context.Background(), host.Transport, "conn-alice", host, wire.Frame{
		Type: wire.TypeUpdateProperty,
		Payload: wire.UpdatePayload{
			Key:         "score",
			Operation:   update.Operation,
			VectorClock: update.VectorClock.Entries(),
		},
	})

	require.NotNil(t, seenUpdate)
	assert.Equal(t, "score", seenUpdate["key"])
	assert.Equal(t, crdt.OpSet, seenUpdate["opType"])
	assert.Equal(t, 7.0, seenUpdate["value"])
}

func TestDispatcher_Disconnect_MarksWillful(t *testing.T) {
	d, sessions, _ := newTestDispatcher()
	c, _ := registerClient(t, d, sessions, "alice")

	d.HandleFrame(context.Background(), c.Transport, "conn-alice", c, wire.Frame{Type: wire.TypeDisconnect})
	assert.True(t, c.IsWillful())
}
