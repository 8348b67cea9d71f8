// Package server implements the host-application interface of spec.md §6
// (createRoom/destroyRoom/kick/getRoomStorage/updateRoomStorage/onEvent/
// stop/getRooms) and exposes an admin HTTP surface over it.
package server

import (
	"context"
	"sort"

	"github.com/ruvnet/roomsync/internal/crdt"
	apierrors "github.com/ruvnet/roomsync/internal/errors"
	"github.com/ruvnet/roomsync/internal/hooks"
	"github.com/ruvnet/roomsync/internal/room"
	"github.com/ruvnet/roomsync/internal/session"
	"github.com/ruvnet/roomsync/internal/wire"
)

// RoomSnapshot is one entry of the GetRooms listing.
type RoomSnapshot struct {
	ID               string
	ParticipantCount int
	Host             string
	Version          uint64
}

// Host is the programmatic host-application interface. It is the Go-level
// counterpart to a remote admin caller: both the admin HTTP surface
// (http.go) and an embedding application call through this type.
type Host struct {
	rooms    *room.Registry
	sessions *session.Manager
	hooks    *hooks.Registry
}

// NewHost builds a Host over the given Room Registry and Session Manager.
func NewHost(rooms *room.Registry, sessions *session.Manager, hookRegistry *hooks.Registry) *Host {
	return &Host{rooms: rooms, sessions: sessions, hooks: hookRegistry}
}

// CreateRoom creates a server-owned room, per spec.md §6
// "createRoom(initialStorage?, size?, host?=\"server\")".
func (h *Host) CreateRoom(ctx context.Context, initialStorage map[string]interface{}, size int) (roomID string, state map[string]interface{}, err error) {
	r, err := h.rooms.Create(ctx, initialStorage, size, room.ServerHost(), room.OwnerServer, room.ServerHostID)
	if err != nil {
		return "", nil, err
	}
	_, _, _, state = r.Snapshot()
	return r.ID, state, nil
}

// DestroyRoom tears down a room and kicks its participants.
func (h *Host) DestroyRoom(ctx context.Context, roomID string) error {
	return h.rooms.Destroy(ctx, roomID)
}

// Kick disconnects a single client with the given reason.
func (h *Host) Kick(clientID, reason string) error {
	if _, ok := h.sessions.Get(clientID); !ok {
		return apierrors.New(apierrors.SessionUnknown, "client not connected")
	}
	if reason == "" {
		reason = "Kicked by host application."
	}
	h.sessions.SendToClient(clientID, wire.Frame{Type: wire.TypeKicked, Payload: wire.KickedPayload{Reason: reason}})
	h.sessions.Terminate(clientID)
	return nil
}

// GetRoomStorage returns a room's materialized state.
func (h *Host) GetRoomStorage(roomID string) (map[string]interface{}, error) {
	return h.rooms.GetStorage(roomID)
}

// UpdateRoomStorage is the server-authoritative write described in
// spec.md §6 "updateRoomStorage".
func (h *Host) UpdateRoomStorage(ctx context.Context, roomID, key string, opType crdt.OpType, value, updateValue interface{}) error {
	return h.rooms.UpdateStorage(ctx, roomID, key, opType, value, updateValue)
}

// OnEvent registers a notification-only hook handler, per spec.md §6
// "onEvent(name, handler)". name selects which Registry field to bind.
func (h *Host) OnEvent(name string, handler hooks.NotifyFunc) {
	switch name {
	case "requestReceived":
		h.hooks.RequestReceived = handler
	case "storageUpdated":
		h.hooks.StorageUpdated = handler
	case "clientRegistered":
		h.hooks.ClientRegistered = handler
	case "clientJoinedRoom":
		h.hooks.ClientJoinedRoom = handler
	case "clientDisconnected":
		h.hooks.ClientDisconnected = handler
	case "roomCreated":
		h.hooks.RoomCreated = handler
	case "roomDestroyed":
		h.hooks.RoomDestroyed = handler
	}
}

// Stop sends every live client a kicked frame and halts the heartbeat
// loop, per spec.md §6 "stop".
func (h *Host) Stop() {
	h.sessions.BroadcastServerStopped()
	h.sessions.Stop()
}

// GetRooms returns a snapshot listing of every live room, ordered by id.
func (h *Host) GetRooms() []RoomSnapshot {
	ids := h.rooms.IDs()
	sort.Strings(ids)

	out := make([]RoomSnapshot, 0, len(ids))
	for _, id := range ids {
		r, ok := h.rooms.Get(id)
		if !ok {
			continue
		}
		count, host, version, _ := r.Snapshot()
		out = append(out, RoomSnapshot{ID: id, ParticipantCount: count, Host: host, Version: version})
	}
	return out
}
