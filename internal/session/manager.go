// Package session implements the Session Manager: client registration,
// reconnection, the pending-disconnect grace period, per-connection rate
// limiting, and heartbeat liveness, per spec.md §4.4.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/roomsync/internal/config"
	apierrors "github.com/ruvnet/roomsync/internal/errors"
	"github.com/ruvnet/roomsync/internal/hooks"
	"github.com/ruvnet/roomsync/internal/room"
	"github.com/ruvnet/roomsync/internal/wire"
)

const maxMintAttempts = 50

// Recorder receives session lifecycle counts for the /metrics surface. A
// nil Recorder is valid; every call site guards against it.
type Recorder interface {
	SessionConnected()
	SessionDisconnected()
	RegistrationOutcome(outcome string)
	ReconnectionOutcome(outcome string)
	RateLimitRejection()
	HostMigration()
}

// pendingEntry holds a disconnected client's resumable state during the
// reconnect grace window.
type pendingEntry struct {
	client *Client
	timer  *time.Timer
}

// Manager is the process-wide table of connected and pending-disconnect
// clients.
type Manager struct {
	mu       sync.RWMutex
	live     map[string]*Client
	pending  map[string]*pendingEntry

	registry *room.Registry
	hooks    *hooks.Registry
	sessCfg  config.SessionConfig
	rateCfg  config.RateLimitConfig
	log      *zap.Logger
	recorder Recorder

	heartbeatStop chan struct{}
}

// New builds a Manager bound to the given Room Registry.
func New(registry *room.Registry, hookRegistry *hooks.Registry, sessCfg config.SessionConfig, rateCfg config.RateLimitConfig, log *zap.Logger) *Manager {
	return &Manager{
		live:    make(map[string]*Client),
		pending: make(map[string]*pendingEntry),

		registry: registry,
		hooks:    hookRegistry,
		sessCfg:  sessCfg,
		rateCfg:  rateCfg,
		log:      log,
	}
}

// WithRecorder attaches a metrics Recorder, returning the Manager for
// chaining at construction time.
func (m *Manager) WithRecorder(recorder Recorder) *Manager {
	m.recorder = recorder
	return m
}

func (m *Manager) record(fn func(Recorder)) {
	if m.recorder != nil {
		fn(m.recorder)
	}
}

// SendToClient implements room.Broadcaster, delivering frame to a live
// client's transport. A client that is no longer live is silently skipped
// — its disconnect notification has already fired or will shortly.
func (m *Manager) SendToClient(clientID string, frame wire.Frame) {
	m.mu.RLock()
	c, ok := m.live[clientID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.Transport.Send(frame); err != nil {
		m.log.Debug("send failed, terminating transport", zap.String("client", clientID), zap.Error(err))
		c.terminate()
	}
}

// Get returns the live client by id.
func (m *Manager) Get(clientID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.live[clientID]
	return c, ok
}

// Register implements spec.md §4.4 "Registration". On success it sends the
// registered frame itself and returns the new Client; on failure it sends
// registration_failed and returns an error.
func (m *Manager) Register(ctx context.Context, transport Transport, connectionID, requestedID string, customData map[string]interface{}) (*Client, error) {
	if requestedID != "" {
		if requestedID == room.ServerHostID {
			return m.failRegistration(transport, "ID is taken")
		}
		m.mu.RLock()
		_, taken := m.live[requestedID]
		m.mu.RUnlock()
		if taken {
			return m.failRegistration(transport, "ID is taken")
		}
	}

	id := requestedID
	if id == "" {
		minted, err := m.mintClientID()
		if err != nil {
			return m.failRegistration(transport, "Unable to allocate a client id")
		}
		id = minted
	}

	decision := m.hooks.CallClientRegistrationRequested(ctx, id, customData)
	if !decision.Allowed {
		return m.failRegistration(transport, orDefault(decision.Reason, "Denied"))
	}

	token, err := mintSessionToken(m.sessCfg.SessionTokenLength)
	if err != nil {
		return m.failRegistration(transport, "Unable to allocate a session token")
	}

	m.record(func(r Recorder) { r.RegistrationOutcome("success"); r.SessionConnected() })

	c := &Client{
		ID:           id,
		Transport:    transport,
		SessionToken: token,
		CustomData:   customData,
		ConnectionID: connectionID,
		Status:       StatusRegistered,
		Alive:        true,
		limiter:      newBucket(m.rateCfg),
	}

	m.mu.Lock()
	m.live[id] = c
	m.mu.Unlock()

	_ = transport.Send(wire.Frame{
		Type:    wire.TypeRegistered,
		Payload: wire.RegisteredPayload{ID: id, SessionToken: token},
	})
	m.hooks.NotifyClientRegistered(ctx, map[string]interface{}{"id": id})
	return c, nil
}

func (m *Manager) failRegistration(transport Transport, reason string) (*Client, error) {
	_ = transport.Send(wire.Frame{
		Type:    wire.TypeRegistrationFailed,
		Payload: wire.FailurePayload{Reason: reason},
	})
	m.record(func(r Recorder) { r.RegistrationOutcome("failure") })
	return nil, apierrors.New(apierrors.IDTaken, reason)
}

// Reconnect implements spec.md §4.4 "Reconnection".
func (m *Manager) Reconnect(ctx context.Context, transport Transport, connectionID, id, token string) (*Client, error) {
	m.mu.Lock()
	entry, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		_ = transport.Send(wire.Frame{
			Type:    wire.TypeReconnectionFailed,
			Payload: wire.FailurePayload{Reason: "Client unknown to server"},
		})
		m.record(func(r Recorder) { r.ReconnectionOutcome("failure") })
		return nil, apierrors.New(apierrors.SessionUnknown, "client unknown to server")
	}

	if subtle.ConstantTimeCompare([]byte(entry.client.SessionToken), []byte(token)) != 1 {
		m.mu.Unlock()
		_ = transport.Send(wire.Frame{
			Type:    wire.TypeReconnectionFailed,
			Payload: wire.FailurePayload{Reason: "Session token does not match"},
		})
		m.record(func(r Recorder) { r.ReconnectionOutcome("failure") })
		return nil, apierrors.New(apierrors.SessionTokenInvalid, "session token does not match")
	}

	entry.timer.Stop()
	delete(m.pending, id)

	c := entry.client
	c.mu.Lock()
	c.Transport = transport
	c.ConnectionID = connectionID
	c.Alive = true
	c.WillfulDisconnect = false
	roomID := c.RoomID
	c.mu.Unlock()

	m.live[id] = c
	m.mu.Unlock()

	var roomData *wire.RoomData
	if roomID != "" {
		if r, ok := m.registry.Get(roomID); ok {
			r.EnsureParticipant(id)
			count, host, version, state := r.Snapshot()
			roomData = &wire.RoomData{State: state, ParticipantCount: count, Host: host, Version: version}
		} else {
			c.clearRoom()
		}
	}

	_ = transport.Send(wire.Frame{
		Type:    wire.TypeReconnected,
		Payload: wire.ReconnectedPayload{RoomData: roomData},
	})
	m.record(func(r Recorder) { r.ReconnectionOutcome("success"); r.SessionConnected() })
	return c, nil
}

// HandleDisconnectFrame marks a client's session as willful, per
// spec.md §4.4 "On disconnect frame from the client".
func (m *Manager) HandleDisconnectFrame(clientID string) {
	if c, ok := m.Get(clientID); ok {
		c.MarkWillful()
	}
}

// HandleTransportClose implements spec.md §4.4 "On transport close" and
// §4.5 host migration. It removes the client from the live table
// immediately, migrates the room's host if needed, and either tears the
// session down immediately (willful disconnect) or arms the grace timer.
func (m *Manager) HandleTransportClose(ctx context.Context, clientID string) {
	m.mu.Lock()
	c, ok := m.live[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.live, clientID)
	m.mu.Unlock()
	m.record(func(r Recorder) { r.SessionDisconnected() })

	roomID := c.currentRoom()
	if roomID != "" {
		m.migrateHostIfNeeded(roomID, clientID)
		m.broadcastPresence(roomID, clientID, wire.TypeClientDisconnected)
	}
	m.hooks.NotifyClientDisconnected(ctx, map[string]interface{}{"id": clientID})

	if c.IsWillful() {
		m.teardown(ctx, clientID, roomID)
		return
	}
	m.armGrace(ctx, c, roomID)
}

// migrateHostIfNeeded hands the room's host role off to another
// participant when the departing client was hosting, per spec.md §4.5.
// It does not remove departingClient from the room's participant list —
// that happens only on timer expiry or a willful disconnect (see
// teardown), since the client is still a member of the room through its
// reconnect grace window (spec.md §4.4).
func (m *Manager) migrateHostIfNeeded(roomID, departingClient string) {
	r, ok := m.registry.Get(roomID)
	if !ok {
		return
	}
	if !r.IsHost(departingClient) {
		return
	}
	newHost := r.MigrateHostAwayFrom(departingClient)
	if newHost == "" {
		return
	}
	m.record(func(r Recorder) { r.HostMigration() })
	m.registry.ForEachParticipant(roomID, func(clientID string) {
		m.SendToClient(clientID, wire.Frame{
			Type:    wire.TypeHostMigrated,
			Payload: wire.HostMigratedPayload{NewHost: newHost},
		})
	})
}

func (m *Manager) broadcastPresence(roomID, clientID string, frameType wire.Type) {
	r, ok := m.registry.Get(roomID)
	if !ok {
		return
	}
	count, _, _, _ := r.Snapshot()
	m.registry.ForEachParticipant(roomID, func(participant string) {
		m.SendToClient(participant, wire.Frame{
			Type:    frameType,
			Payload: wire.ClientPresencePayload{Client: clientID, ParticipantCount: count},
		})
	})
}

func (m *Manager) armGrace(ctx context.Context, c *Client, roomID string) {
	entry := &pendingEntry{client: c}
	entry.timer = time.AfterFunc(m.sessCfg.ReconnectGrace, func() {
		m.expireGrace(ctx, c.ID, roomID)
	})

	m.mu.Lock()
	m.pending[c.ID] = entry
	m.mu.Unlock()
}

func (m *Manager) expireGrace(ctx context.Context, clientID, roomID string) {
	m.mu.Lock()
	_, stillPending := m.pending[clientID]
	delete(m.pending, clientID)
	m.mu.Unlock()
	if !stillPending {
		return
	}
	m.teardown(ctx, clientID, roomID)
}

// teardown removes a client from its room's participant list, destroying
// a client-owned room left empty, per spec.md §4.4.
func (m *Manager) teardown(ctx context.Context, clientID, roomID string) {
	if roomID == "" {
		return
	}
	r, ok := m.registry.Get(roomID)
	if !ok {
		return
	}
	_, remaining := r.RemoveParticipant(clientID)
	if remaining == 0 && r.Owner == room.OwnerClient {
		_ = m.registry.Destroy(ctx, roomID)
	}
}

// CancelPending stops one client's pending-disconnect timer immediately and
// drops its pending entry (spec.md §5 "Timer cancellation"). Stop does the
// same for every pending entry without calling this method.
func (m *Manager) CancelPending(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.pending[clientID]; ok {
		entry.timer.Stop()
		delete(m.pending, clientID)
	}
}

// BindRoom transitions a client into a room after a successful create or
// join, per spec.md §3 "client→room and room.participants" invariant.
func (m *Manager) BindRoom(clientID, roomID string) {
	if c, ok := m.Get(clientID); ok {
		c.setRoom(roomID)
	}
}

// Terminate force-closes a live client's transport, used on rate-limit
// exhaustion (spec.md §4.4 "Rate limiting").
func (m *Manager) Terminate(clientID string) {
	if c, ok := m.Get(clientID); ok {
		c.terminate()
	}
}

// UnbindRoom clears a client's room association.
func (m *Manager) UnbindRoom(clientID string) {
	if c, ok := m.Get(clientID); ok {
		c.clearRoom()
	}
}

func (m *Manager) mintClientID() (string, error) {
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		id, err := randomID(6)
		if err != nil {
			return "", err
		}
		m.mu.RLock()
		_, taken := m.live[id]
		m.mu.RUnlock()
		if !taken && id != room.ServerHostID {
			return id, nil
		}
	}
	return "", fmt.Errorf("session: exhausted %d attempts minting a unique client id", maxMintAttempts)
}

func mintSessionToken(length int) (string, error) {
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:length], nil
}

func randomID(length int) (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ123456789"
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
