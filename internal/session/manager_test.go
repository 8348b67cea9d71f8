package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruvnet/roomsync/internal/config"
	"github.com/ruvnet/roomsync/internal/hooks"
	"github.com/ruvnet/roomsync/internal/room"
	"github.com/ruvnet/roomsync/internal/wire"
)

// fakeTransport records every frame sent to it, standing in for the
// WebSocket binding in session-package tests.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []wire.Frame
	closed bool
	pings  int
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

func (t *fakeTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	return nil
}

func (t *fakeTransport) types() []wire.Type {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.Type, len(t.sent))
	for i, f := range t.sent {
		out[i] = f.Type
	}
	return out
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func testSessionCfg() config.SessionConfig {
	return config.SessionConfig{
		HeartbeatInterval:  time.Hour,
		ReconnectGrace:     30 * time.Millisecond,
		SessionTokenLength: 16,
	}
}

func testRateCfg() config.RateLimitConfig {
	return config.RateLimitConfig{
		Capacity:       20,
		RefillInterval: time.Second,
		CreateRoomCost: 5,
		DefaultCost:    1,
	}
}

func testRoomLimits() config.RoomConfig {
	return config.RoomConfig{
		ClientOwnedMaxSize: 10,
		ServerOwnedMaxSize: 50,
		MaxKeysPerRoom:     100,
		MaxValueBytes:      50000,
		IDLength:           6,
		GCMinInterval:      time.Second,
		GCMinAge:           time.Second,
	}
}

// managerBroadcaster forwards room.Broadcaster calls to the Session
// Manager, resolved after construction, mirroring the constructor-order
// tie-break in cmd/server/main.go.
type managerBroadcaster struct {
	manager *Manager
}

func (b *managerBroadcaster) SendToClient(clientID string, frame wire.Frame) {
	if b.manager == nil {
		return
	}
	b.manager.SendToClient(clientID, frame)
}

func newTestManager() (*Manager, *room.Registry) {
	log := zap.NewNop()
	hookRegistry := hooks.New(log)
	broadcaster := &managerBroadcaster{}
	registry := room.New(testRoomLimits(), hookRegistry, broadcaster, log)
	m := New(registry, hookRegistry, testSessionCfg(), testRateCfg(), log)
	broadcaster.manager = m
	return m, registry
}

func TestManager_Register_Success(t *testing.T) {
	m, _ := newTestManager()
	tr := &fakeTransport{}

	c, err := m.Register(context.Background(), tr, "conn-1", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.ID)
	assert.Equal(t, StatusRegistered, c.CurrentStatus())
	assert.Contains(t, tr.types(), wire.TypeRegistered)

	got, ok := m.Get("alice")
	assert.True(t, ok)
	assert.Same(t, c, got)
}

func TestManager_Register_IDTaken(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Register(context.Background(), &fakeTransport{}, "conn-1", "alice", nil)
	require.NoError(t, err)

	tr2 := &fakeTransport{}
	_, err = m.Register(context.Background(), tr2, "conn-2", "alice", nil)
	assert.Error(t, err)
	assert.Contains(t, tr2.types(), wire.TypeRegistrationFailed)
}

func TestManager_Register_ServerHostIDRejected(t *testing.T) {
	m, _ := newTestManager()
	tr := &fakeTransport{}
	_, err := m.Register(context.Background(), tr, "conn-1", room.ServerHostID, nil)
	assert.Error(t, err)
	assert.Contains(t, tr.types(), wire.TypeRegistrationFailed)
}

func TestManager_Register_MintsIDWhenEmpty(t *testing.T) {
	m, _ := newTestManager()
	tr := &fakeTransport{}
	c, err := m.Register(context.Background(), tr, "conn-1", "", nil)
	require.NoError(t, err)
	assert.Len(t, c.ID, 6)
}

func TestManager_Reconnect_UnknownClient(t *testing.T) {
	m, _ := newTestManager()
	tr := &fakeTransport{}
	_, err := m.Reconnect(context.Background(), tr, "conn-2", "nobody", "tok")
	assert.Error(t, err)
	assert.Contains(t, tr.types(), wire.TypeReconnectionFailed)
}

func TestManager_Reconnect_BadToken(t *testing.T) {
	m, _ := newTestManager()
	tr1 := &fakeTransport{}
	c, err := m.Register(context.Background(), tr1, "conn-1", "alice", nil)
	require.NoError(t, err)
	m.HandleTransportClose(context.Background(), c.ID)

	tr2 := &fakeTransport{}
	_, err = m.Reconnect(context.Background(), tr2, "conn-2", "alice", "wrong-token")
	assert.Error(t, err)
	assert.Contains(t, tr2.types(), wire.TypeReconnectionFailed)
}

func TestManager_Reconnect_Success(t *testing.T) {
	m, _ := newTestManager()
	tr1 := &fakeTransport{}
	c, err := m.Register(context.Background(), tr1, "conn-1", "alice", nil)
	require.NoError(t, err)
	token := c.SessionToken

	m.HandleTransportClose(context.Background(), c.ID)
	_, stillLive := m.Get("alice")
	assert.False(t, stillLive)

	tr2 := &fakeTransport{}
	reconnected, err := m.Reconnect(context.Background(), tr2, "conn-2", "alice", token)
	require.NoError(t, err)
	assert.Same(t, c, reconnected)
	assert.Contains(t, tr2.types(), wire.TypeReconnected)

	got, ok := m.Get("alice")
	assert.True(t, ok)
	assert.Same(t, c, got)
}

func TestManager_HandleTransportClose_WillfulDisconnect_TeardownImmediately(t *testing.T) {
	m, registry := newTestManager()
	tr := &fakeTransport{}
	c, err := m.Register(context.Background(), tr, "conn-1", "alice", nil)
	require.NoError(t, err)

	r, err := registry.Create(context.Background(), nil, 0, room.ClientHost("alice"), room.OwnerClient, "alice")
	require.NoError(t, err)
	m.BindRoom("alice", r.ID)

	c.MarkWillful()
	m.HandleTransportClose(context.Background(), "alice")

	_, ok := registry.Get(r.ID)
	assert.False(t, ok, "client-owned room emptied by a willful disconnect is destroyed immediately")

	m.mu.RLock()
	_, pending := m.pending["alice"]
	m.mu.RUnlock()
	assert.False(t, pending, "willful disconnect never arms the grace timer")
}

func TestManager_HandleTransportClose_ArmsGraceTimer_NonWillful(t *testing.T) {
	m, registry := newTestManager()
	tr := &fakeTransport{}
	c, err := m.Register(context.Background(), tr, "conn-1", "alice", nil)
	require.NoError(t, err)

	r, err := registry.Create(context.Background(), nil, 0, room.ClientHost("alice"), room.OwnerClient, "alice")
	require.NoError(t, err)
	m.BindRoom("alice", r.ID)

	m.HandleTransportClose(context.Background(), c.ID)

	m.mu.RLock()
	_, pending := m.pending["alice"]
	m.mu.RUnlock()
	assert.True(t, pending, "non-willful disconnect arms the reconnect grace timer")

	_, stillLive := registry.Get(r.ID)
	assert.True(t, stillLive, "room survives until the grace window expires")

	time.Sleep(testSessionCfg().ReconnectGrace + 50*time.Millisecond)

	_, ok := registry.Get(r.ID)
	assert.False(t, ok, "room is torn down once the grace window expires unreconnected")
}

func TestManager_NonWillfulDisconnect_KeepsParticipantDuringGrace(t *testing.T) {
	m, registry := newTestManager()
	hostTr := &fakeTransport{}
	_, err := m.Register(context.Background(), hostTr, "conn-1", "alice", nil)
	require.NoError(t, err)

	r, err := registry.Create(context.Background(), nil, 0, room.ClientHost("alice"), room.OwnerClient, "alice")
	require.NoError(t, err)
	m.BindRoom("alice", r.ID)

	m.HandleTransportClose(context.Background(), "alice")

	assert.Contains(t, r.Participants, "alice", "a non-willfully disconnected client stays listed through its grace window")
	count, host, _, _ := r.Snapshot()
	assert.Equal(t, 1, count)
	assert.Equal(t, "alice", host, "sole participant keeps hosting when nobody else can take over")
}

func TestManager_Reconnect_RestoresParticipantListMembership(t *testing.T) {
	m, registry := newTestManager()
	hostTr := &fakeTransport{}
	c, err := m.Register(context.Background(), hostTr, "conn-1", "alice", nil)
	require.NoError(t, err)
	token := c.SessionToken

	guestTr := &fakeTransport{}
	_, err = m.Register(context.Background(), guestTr, "conn-2", "bob", nil)
	require.NoError(t, err)

	r, err := registry.Create(context.Background(), nil, 0, room.ClientHost("alice"), room.OwnerClient, "alice")
	require.NoError(t, err)
	m.BindRoom("alice", r.ID)
	_, ok := r.AddParticipant("bob", false)
	require.True(t, ok)
	m.BindRoom("bob", r.ID)

	m.HandleTransportClose(context.Background(), "alice")
	_, host, _, _ := r.Snapshot()
	assert.Equal(t, "bob", host, "host migrates to the remaining live participant")
	assert.Contains(t, r.Participants, "alice", "the departing host is not dropped from the room during its grace window")

	reconnectTr := &fakeTransport{}
	_, err = m.Reconnect(context.Background(), reconnectTr, "conn-3", "alice", token)
	require.NoError(t, err)

	assert.Contains(t, r.Participants, "alice", "reconnecting keeps the client's room membership")
	count, _, _, _ := r.Snapshot()
	assert.Equal(t, 2, count, "the participant list is not duplicated across disconnect and reconnect")
}

func TestManager_HostMigration_OnTransportClose(t *testing.T) {
	m, registry := newTestManager()
	hostTr := &fakeTransport{}
	_, err := m.Register(context.Background(), hostTr, "conn-1", "alice", nil)
	require.NoError(t, err)

	guestTr := &fakeTransport{}
	_, err = m.Register(context.Background(), guestTr, "conn-2", "bob", nil)
	require.NoError(t, err)

	r, err := registry.Create(context.Background(), nil, 0, room.ClientHost("alice"), room.OwnerClient, "alice")
	require.NoError(t, err)
	m.BindRoom("alice", r.ID)
	_, ok := r.AddParticipant("bob", false)
	require.True(t, ok)
	m.BindRoom("bob", r.ID)

	m.HandleTransportClose(context.Background(), "alice")

	_, host, _, _ := r.Snapshot()
	assert.Equal(t, "bob", host)
	assert.Contains(t, guestTr.types(), wire.TypeHostMigrated)
}

func TestManager_CancelPending_StopsGraceTimer(t *testing.T) {
	m, registry := newTestManager()
	tr := &fakeTransport{}
	c, err := m.Register(context.Background(), tr, "conn-1", "alice", nil)
	require.NoError(t, err)

	r, err := registry.Create(context.Background(), nil, 0, room.ClientHost("alice"), room.OwnerClient, "alice")
	require.NoError(t, err)
	m.BindRoom("alice", r.ID)

	m.HandleTransportClose(context.Background(), c.ID)
	m.CancelPending("alice")

	m.mu.RLock()
	_, pending := m.pending["alice"]
	m.mu.RUnlock()
	assert.False(t, pending)

	time.Sleep(testSessionCfg().ReconnectGrace + 50*time.Millisecond)
	_, ok := registry.Get(r.ID)
	assert.True(t, ok, "a cancelled grace timer must not later tear the room down")
}

func TestManager_Terminate_ClosesTransport(t *testing.T) {
	m, _ := newTestManager()
	tr := &fakeTransport{}
	c, err := m.Register(context.Background(), tr, "conn-1", "alice", nil)
	require.NoError(t, err)

	m.Terminate(c.ID)
	assert.True(t, tr.isClosed())
}
