package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruvnet/roomsync/internal/client"
	"github.com/ruvnet/roomsync/internal/config"
	"github.com/ruvnet/roomsync/internal/crdt"
	"github.com/ruvnet/roomsync/internal/hooks"
	"github.com/ruvnet/roomsync/internal/protocol"
	"github.com/ruvnet/roomsync/internal/room"
	"github.com/ruvnet/roomsync/internal/session"
	"github.com/ruvnet/roomsync/internal/wire"
)

// managerBroadcaster forwards room.Broadcaster calls to the Session
// Manager, resolved after construction, mirroring the constructor-order
// tie-break in cmd/server/main.go.
type managerBroadcaster struct {
	manager *session.Manager
}

func (b *managerBroadcaster) SendToClient(clientID string, frame wire.Frame) {
	if b.manager == nil {
		return
	}
	b.manager.SendToClient(clientID, frame)
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	log := zap.NewNop()
	hookRegistry := hooks.New(log)
	broadcaster := &managerBroadcaster{}

	roomCfg := config.RoomConfig{
		ClientOwnedMaxSize: 10,
		ServerOwnedMaxSize: 50,
		MaxKeysPerRoom:     100,
		MaxValueBytes:      50000,
		IDLength:           6,
		GCMinInterval:      time.Second,
		GCMinAge:           time.Second,
	}
	rooms := room.New(roomCfg, hookRegistry, broadcaster, log)

	sessCfg := config.SessionConfig{HeartbeatInterval: time.Hour, ReconnectGrace: time.Second, SessionTokenLength: 16}
	rateCfg := config.RateLimitConfig{Capacity: 100, RefillInterval: time.Second, CreateRoomCost: 5, DefaultCost: 1}
	sessions := session.New(rooms, hookRegistry, sessCfg, rateCfg, log)
	broadcaster.manager = sessions

	dispatcher := protocol.New(sessions, rooms, hookRegistry, rateCfg, log)
	handler := NewHandler(dispatcher, sessions, log)

	srv := httptest.NewServer(handler)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestWebSocketRoundTrip_RegisterCreateAndUpdate(t *testing.T) {
	srv, wsURL := newTestServer(t)
	defer srv.Close()

	c, err := client.New(wsURL, crdt.Limits{MaxKeys: 100, MaxValueBytes: 50000})
	require.NoError(t, err)
	defer c.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Init(ctx, "", nil))

	roomID, err := c.CreateRoom(ctx, map[string]interface{}{"score": 0.0}, 4)
	require.NoError(t, err)
	assert.NotEmpty(t, roomID)

	require.NoError(t, c.UpdateProperty("score", crdt.OpSet, 7.0, nil))
}

func TestWebSocketRoundTrip_SecondClientJoins(t *testing.T) {
	srv, wsURL := newTestServer(t)
	defer srv.Close()

	host, err := client.New(wsURL, crdt.Limits{MaxKeys: 100, MaxValueBytes: 50000})
	require.NoError(t, err)
	defer host.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, host.Init(ctx, "host-1", nil))
	roomID, err := host.CreateRoom(ctx, map[string]interface{}{"score": 1.0}, 4)
	require.NoError(t, err)

	guest, err := client.New(wsURL, crdt.Limits{MaxKeys: 100, MaxValueBytes: 50000})
	require.NoError(t, err)
	defer guest.Destroy()
	require.NoError(t, guest.Init(ctx, "guest-1", nil))
	require.NoError(t, guest.JoinRoom(ctx, roomID))
}
