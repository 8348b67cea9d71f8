// Package hooks dispatches the host application's asynchronous
// extensibility callbacks and interprets their return values as
// allow/deny/override, per spec.md §4.6 "Hook semantics".
package hooks

import (
	"context"

	"go.uber.org/zap"
)

// Decision is the normalized allow/deny/override result of a hook call.
type Decision struct {
	Allowed bool
	Reason  string
	// Override, when non-nil, replaces the caller-proposed value (used by
	// roomCreationRequested's initial_storage override).
	Override map[string]interface{}
}

// Allow is the default decision used when a hook is unset or panics.
var Allow = Decision{Allowed: true}

// ClientRegistrationFunc implements clientRegistrationRequested.
type ClientRegistrationFunc func(ctx context.Context, id string, customData map[string]interface{}) Decision

// ClientJoinFunc implements clientJoinRequested.
type ClientJoinFunc func(ctx context.Context, id, roomID string) Decision

// RoomCreationFunc implements roomCreationRequested.
type RoomCreationFunc func(ctx context.Context, roomID, clientID string, initialStorage map[string]interface{}) Decision

// StorageUpdateFunc implements storageUpdateRequested.
type StorageUpdateFunc func(ctx context.Context, roomID, clientID string, update map[string]interface{}, storage map[string]interface{}) Decision

// NotifyFunc implements the notification-only hooks (requestReceived,
// storageUpdated, clientRegistered, clientJoinedRoom, clientDisconnected,
// roomCreated, roomDestroyed).
type NotifyFunc func(ctx context.Context, payload map[string]interface{})

// Registry holds the host application's registered hook implementations.
// Any field left nil behaves as its documented default.
type Registry struct {
	log *zap.Logger

	ClientRegistrationRequested ClientRegistrationFunc
	ClientJoinRequested         ClientJoinFunc
	RoomCreationRequested       RoomCreationFunc
	StorageUpdateRequested      StorageUpdateFunc

	RequestReceived    NotifyFunc
	StorageUpdated     NotifyFunc
	ClientRegistered   NotifyFunc
	ClientJoinedRoom   NotifyFunc
	ClientDisconnected NotifyFunc
	RoomCreated        NotifyFunc
	RoomDestroyed      NotifyFunc
}

// New builds an empty Registry; the host application populates its fields
// before the protocol dispatcher starts.
func New(log *zap.Logger) *Registry {
	return &Registry{log: log}
}

// CallClientRegistrationRequested invokes the hook, defaulting to Allow on
// a nil hook or a recovered panic (spec.md §7 "Hook exceptions").
func (r *Registry) CallClientRegistrationRequested(ctx context.Context, id string, customData map[string]interface{}) (decision Decision) {
	if r.ClientRegistrationRequested == nil {
		return Allow
	}
	defer r.recoverAs("clientRegistrationRequested", &decision)
	return r.ClientRegistrationRequested(ctx, id, customData)
}

// CallClientJoinRequested invokes the hook, defaulting to Allow.
func (r *Registry) CallClientJoinRequested(ctx context.Context, id, roomID string) (decision Decision) {
	if r.ClientJoinRequested == nil {
		return Allow
	}
	defer r.recoverAs("clientJoinRequested", &decision)
	return r.ClientJoinRequested(ctx, id, roomID)
}

// CallRoomCreationRequested invokes the hook, defaulting to Allow with no
// override.
func (r *Registry) CallRoomCreationRequested(ctx context.Context, roomID, clientID string, initialStorage map[string]interface{}) (decision Decision) {
	if r.RoomCreationRequested == nil {
		return Allow
	}
	defer r.recoverAs("roomCreationRequested", &decision)
	return r.RoomCreationRequested(ctx, roomID, clientID, initialStorage)
}

// CallStorageUpdateRequested invokes the hook, defaulting to Allow.
func (r *Registry) CallStorageUpdateRequested(ctx context.Context, roomID, clientID string, update, storage map[string]interface{}) (decision Decision) {
	if r.StorageUpdateRequested == nil {
		return Allow
	}
	defer r.recoverAs("storageUpdateRequested", &decision)
	return r.StorageUpdateRequested(ctx, roomID, clientID, update, storage)
}

// notify fires a notification-only hook, swallowing and logging any panic.
func (r *Registry) notify(name string, fn NotifyFunc, ctx context.Context, payload map[string]interface{}) {
	if fn == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil && r.log != nil {
			r.log.Error("hook panicked", zap.String("hook", name), zap.Any("recover", rec))
		}
	}()
	fn(ctx, payload)
}

func (r *Registry) NotifyRequestReceived(ctx context.Context, payload map[string]interface{}) {
	r.notify("requestReceived", r.RequestReceived, ctx, payload)
}

func (r *Registry) NotifyStorageUpdated(ctx context.Context, payload map[string]interface{}) {
	r.notify("storageUpdated", r.StorageUpdated, ctx, payload)
}

func (r *Registry) NotifyClientRegistered(ctx context.Context, payload map[string]interface{}) {
	r.notify("clientRegistered", r.ClientRegistered, ctx, payload)
}

func (r *Registry) NotifyClientJoinedRoom(ctx context.Context, payload map[string]interface{}) {
	r.notify("clientJoinedRoom", r.ClientJoinedRoom, ctx, payload)
}

func (r *Registry) NotifyClientDisconnected(ctx context.Context, payload map[string]interface{}) {
	r.notify("clientDisconnected", r.ClientDisconnected, ctx, payload)
}

func (r *Registry) NotifyRoomCreated(ctx context.Context, payload map[string]interface{}) {
	r.notify("roomCreated", r.RoomCreated, ctx, payload)
}

func (r *Registry) NotifyRoomDestroyed(ctx context.Context, payload map[string]interface{}) {
	r.notify("roomDestroyed", r.RoomDestroyed, ctx, payload)
}

// recoverAs recovers a panicking hook call and rewrites *out to Allow,
// logging the panic. Deferred with &decision as out so callers get a safe
// default instead of a crashed dispatcher.
func (r *Registry) recoverAs(name string, out *Decision) {
	if rec := recover(); rec != nil {
		if r.log != nil {
			r.log.Error("hook panicked, defaulting to allow", zap.String("hook", name), zap.Any("recover", rec))
		}
		*out = Allow
	}
}
