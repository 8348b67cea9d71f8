// Package room implements the Room Registry: the table of live rooms,
// each carrying a CRDT engine, participant list, host, size cap, ownership
// flag, and monotonic version, per spec.md §4.3.
package room

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ruvnet/roomsync/internal/config"
	"github.com/ruvnet/roomsync/internal/crdt"
	apierrors "github.com/ruvnet/roomsync/internal/errors"
	"github.com/ruvnet/roomsync/internal/hooks"
	"github.com/ruvnet/roomsync/internal/wire"
)

// idAlphabet excludes the digit 0 for readability, per spec.md §3.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ123456789"

const maxMintAttempts = 50

// Broadcaster delivers a frame to a single connected client. The Session
// Manager implements this; the Registry never touches transports directly.
type Broadcaster interface {
	SendToClient(clientID string, frame wire.Frame)
}

// Recorder receives room lifecycle counts for the /metrics surface. A nil
// Recorder is valid; every call site guards against it.
type Recorder interface {
	RoomCreated()
	RoomDestroyed()
}

// Room is one live room: its CRDT engine, membership, and bookkeeping.
type Room struct {
	mu sync.Mutex

	ID           string
	Participants []string
	Host         Host
	MaxSize      int
	Owner        Owner
	Version      uint64
	Engine       *crdt.Engine
}

// Registry is the process-wide table of live rooms.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	limits       config.RoomConfig
	hooks        *hooks.Registry
	broadcaster  Broadcaster
	log          *zap.Logger
	recorder     Recorder
	crdtRecorder crdt.Recorder
}

// New builds an empty Registry.
func New(limits config.RoomConfig, hookRegistry *hooks.Registry, broadcaster Broadcaster, log *zap.Logger) *Registry {
	return &Registry{
		rooms:       make(map[string]*Room),
		limits:      limits,
		hooks:       hookRegistry,
		broadcaster: broadcaster,
		log:         log,
	}
}

// WithRecorder attaches a metrics Recorder, returning the Registry for
// chaining at construction time. recorder must also satisfy crdt.Recorder;
// every engine minted after this call records through it too.
func (reg *Registry) WithRecorder(recorder interface {
	Recorder
	crdt.Recorder
}) *Registry {
	reg.recorder = recorder
	reg.crdtRecorder = recorder
	return reg
}

// Get returns the room by id, if live.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// IDs returns the ids of every currently live room.
func (reg *Registry) IDs() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ids := make([]string, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Create mints a room, seeds it with initialStorage, and registers it,
// per spec.md §4.3 "create".
func (reg *Registry) Create(ctx context.Context, initialStorage map[string]interface{}, size int, host Host, owner Owner, requestingClient string) (*Room, error) {
	decision := reg.hooks.CallRoomCreationRequested(ctx, "", requestingClient, deepCopyStorage(initialStorage))
	if !decision.Allowed {
		return nil, apierrors.New(apierrors.RoomCreationFailed, orDefault(decision.Reason, "Denied"))
	}
	if decision.Override != nil {
		initialStorage = decision.Override
	}

	id, err := reg.mintRoomID()
	if err != nil {
		return nil, apierrors.New(apierrors.RoomCreationFailed, err.Error())
	}

	maxSize := clampSize(size, owner, reg.limits)
	replicaID := fmt.Sprintf("room:%s", id)
	r := &Room{
		ID:      id,
		Host:    host,
		MaxSize: maxSize,
		Owner:   owner,
		Version: 0,
		Engine: crdt.NewWithReplicaID(replicaID, crdt.Limits{
			MaxKeys:       reg.limits.MaxKeysPerRoom,
			MaxValueBytes: reg.limits.MaxValueBytes,
			GCMinInterval: reg.limits.GCMinInterval,
			GCMinAge:      reg.limits.GCMinAge,
		}),
	}
	if reg.crdtRecorder != nil {
		r.Engine.WithRecorder(reg.crdtRecorder)
	}
	if !host.IsServer {
		r.Participants = []string{host.ClientID}
	}

	if err := r.Engine.SeedSet(initialStorage); err != nil {
		return nil, apierrors.New(apierrors.RoomCreationFailed, err.Error())
	}

	reg.mu.Lock()
	reg.rooms[id] = r
	reg.mu.Unlock()

	if reg.recorder != nil {
		reg.recorder.RoomCreated()
	}
	reg.hooks.NotifyRoomCreated(ctx, map[string]interface{}{"roomId": id, "host": host.ID()})
	return r, nil
}

// Destroy kicks every participant and removes the room, per spec.md §4.3
// "destroy".
func (reg *Registry) Destroy(ctx context.Context, roomID string) error {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return apierrors.New(apierrors.RoomNotFound, "room not found")
	}
	delete(reg.rooms, roomID)
	reg.mu.Unlock()

	r.mu.Lock()
	participants := append([]string(nil), r.Participants...)
	r.mu.Unlock()

	for _, clientID := range participants {
		reg.broadcaster.SendToClient(clientID, wire.Frame{
			Type:    wire.TypeKicked,
			Payload: wire.KickedPayload{Reason: "Room destroyed by server"},
		})
	}

	if reg.recorder != nil {
		reg.recorder.RoomDestroyed()
	}
	reg.hooks.NotifyRoomDestroyed(ctx, map[string]interface{}{"roomId": roomID})
	return nil
}

// GetStorage returns the room's current materialized state.
func (reg *Registry) GetStorage(roomID string) (map[string]interface{}, error) {
	r, ok := reg.Get(roomID)
	if !ok {
		return nil, apierrors.New(apierrors.RoomNotFound, "room not found")
	}
	return r.Engine.GetState(), nil
}

// UpdateStorage is the server-authoritative write path of spec.md §4.3
// "update_storage": apply locally, bump version, broadcast, notify.
func (reg *Registry) UpdateStorage(ctx context.Context, roomID, key string, opType crdt.OpType, value, updateValue interface{}) error {
	r, ok := reg.Get(roomID)
	if !ok {
		return apierrors.New(apierrors.RoomNotFound, "room not found")
	}

	r.mu.Lock()
	update, err := r.Engine.UpdateProperty(key, opType, value, updateValue)
	if err != nil {
		r.mu.Unlock()
		return apierrors.New(apierrors.ValueTooLarge, err.Error())
	}
	r.Version++
	version := r.Version
	participants := append([]string(nil), r.Participants...)
	r.mu.Unlock()

	frame := wire.Frame{
		Type: wire.TypePropertyUpdated,
		Payload: wire.PropertyUpdatedPayload{
			Update: wire.UpdatePayload{
				Key:         key,
				Operation:   update.Operation,
				VectorClock: update.VectorClock.Entries(),
			},
			Version: version,
		},
	}
	for _, clientID := range participants {
		reg.broadcaster.SendToClient(clientID, frame)
	}

	reg.hooks.NotifyStorageUpdated(ctx, map[string]interface{}{"roomId": roomID, "key": key})
	return nil
}

// ImportUpdate applies a client-authored CRDT operation arriving over an
// update_property frame, per spec.md §4.1 "Import path": merge into the
// engine, bump the room version, and broadcast, re-using the client's own
// operation and vector clock rather than minting a new local one.
func (reg *Registry) ImportUpdate(ctx context.Context, roomID, key string, op *crdt.Operation, clock crdt.VectorClock) error {
	r, ok := reg.Get(roomID)
	if !ok {
		return apierrors.New(apierrors.RoomNotFound, "room not found")
	}

	r.mu.Lock()
	err := r.Engine.ImportPropertyUpdate(crdt.ImportRecord{Key: key, Operation: op, VectorClock: clock})
	if err != nil {
		r.mu.Unlock()
		return apierrors.New(apierrors.KeyCapReached, err.Error())
	}
	r.Version++
	version := r.Version
	participants := append([]string(nil), r.Participants...)
	r.mu.Unlock()

	frame := wire.Frame{
		Type: wire.TypePropertyUpdated,
		Payload: wire.PropertyUpdatedPayload{
			Update: wire.UpdatePayload{
				Key:         key,
				Operation:   op,
				VectorClock: clock.Entries(),
			},
			Version: version,
		},
	}
	for _, clientID := range participants {
		reg.broadcaster.SendToClient(clientID, frame)
	}

	reg.hooks.NotifyStorageUpdated(ctx, map[string]interface{}{"roomId": roomID, "key": key})
	return nil
}

// ForEachParticipant calls fn with every current participant id, taken
// under the room's lock as of the call (spec.md §4.3).
func (reg *Registry) ForEachParticipant(roomID string, fn func(clientID string)) {
	r, ok := reg.Get(roomID)
	if !ok {
		return
	}
	r.mu.Lock()
	participants := append([]string(nil), r.Participants...)
	r.mu.Unlock()

	for _, clientID := range participants {
		fn(clientID)
	}
}

// AddParticipant appends clientID to the room's participant list under the
// room lock, promoting it to host if the room currently has no live host
// (spec.md §4.5, join-side of migration). It returns false if the room is
// already at its size cap.
func (r *Room) AddParticipant(clientID string, hostAbsent bool) (promoted bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.Participants) >= r.MaxSize {
		return false, false
	}
	r.Participants = append(r.Participants, clientID)
	if hostAbsent {
		r.Host = ClientHost(clientID)
		promoted = true
	}
	return promoted, true
}

// RemoveParticipant removes clientID from the participant list, returning
// whether it was the host and the room's remaining participant count.
func (r *Room) RemoveParticipant(clientID string) (wasHost bool, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.Participants[:0]
	for _, id := range r.Participants {
		if id != clientID {
			out = append(out, id)
		}
	}
	r.Participants = out
	wasHost = r.Host.Is(clientID)
	return wasHost, len(r.Participants)
}

// MigrateHost selects the first remaining participant as the new host,
// per spec.md §4.5, returning the new host id (empty if no participant
// remains).
func (r *Room) MigrateHost() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.Participants) == 0 {
		return ""
	}
	newHost := r.Participants[0]
	r.Host = ClientHost(newHost)
	return newHost
}

// IsHost reports whether clientID is the room's current host.
func (r *Room) IsHost(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Host.Is(clientID)
}

// MigrateHostAwayFrom selects the first remaining participant other than
// departingClient as the new host, per spec.md §4.5. Unlike MigrateHost it
// leaves the participant list untouched: a client that just lost its
// transport stays listed through its reconnect grace window (spec.md §4.4),
// so host selection must skip it by id rather than by absence from the
// list. Returns the new host id, or "" if no other participant remains.
func (r *Room) MigrateHostAwayFrom(departingClient string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.Participants {
		if id != departingClient {
			r.Host = ClientHost(id)
			return id
		}
	}
	return ""
}

// EnsureParticipant re-adds clientID to the participant list if it is
// missing, per spec.md §4.4 "Reconnection" — a client resuming within its
// grace window keeps the room slot it never should have lost. If the
// room's recorded host has since dropped out of the participant list
// entirely (its own migration having found nobody to hand off to),
// clientID is promoted to host.
func (r *Room) EnsureParticipant(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	present := false
	for _, id := range r.Participants {
		if id == clientID {
			present = true
			break
		}
	}
	if !present {
		r.Participants = append(r.Participants, clientID)
	}

	if !r.Host.IsServer {
		hostLive := false
		for _, id := range r.Participants {
			if id == r.Host.ClientID {
				hostLive = true
				break
			}
		}
		if !hostLive {
			r.Host = ClientHost(clientID)
		}
	}
}

// Snapshot returns the read-only fields needed to build a join/reconnect
// payload, taken under the room's own lock.
func (r *Room) Snapshot() (participantCount int, host string, version uint64, state map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Participants), r.Host.ID(), r.Version, r.Engine.GetState()
}

func (reg *Registry) mintRoomID() (string, error) {
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		id, err := randomID(reg.limits.IDLength)
		if err != nil {
			return "", err
		}
		reg.mu.RLock()
		_, exists := reg.rooms[id]
		reg.mu.RUnlock()
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("room: exhausted %d attempts minting a unique id", maxMintAttempts)
}

func randomID(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}

func clampSize(requested int, owner Owner, limits config.RoomConfig) int {
	ceiling := limits.ClientOwnedMaxSize
	if owner == OwnerServer {
		ceiling = limits.ServerOwnedMaxSize
	}
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

func deepCopyStorage(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	var copyValue func(v interface{}) interface{}
	copyValue = func(v interface{}) interface{} {
		switch val := v.(type) {
		case map[string]interface{}:
			out := make(map[string]interface{}, len(val))
			for k, elem := range val {
				out[k] = copyValue(elem)
			}
			return out
		case []interface{}:
			out := make([]interface{}, len(val))
			for i, elem := range val {
				out[i] = copyValue(elem)
			}
			return out
		default:
			return v
		}
	}
	return copyValue(m).(map[string]interface{})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
