// Package protocol implements the Protocol Dispatcher: it translates wire
// frames into calls on the Room Registry, Session Manager, and CRDT
// engines, and drives the per-connection state machine of spec.md §4.6.
package protocol

import (
	"context"

	"go.uber.org/zap"

	"github.com/ruvnet/roomsync/internal/config"
	"github.com/ruvnet/roomsync/internal/crdt"
	"github.com/ruvnet/roomsync/internal/hooks"
	"github.com/ruvnet/roomsync/internal/room"
	"github.com/ruvnet/roomsync/internal/session"
	"github.com/ruvnet/roomsync/internal/validation"
	"github.com/ruvnet/roomsync/internal/wire"
)

// Recorder receives rate-limit rejection counts for the /metrics surface.
// A nil Recorder is valid; the call site guards against it.
type Recorder interface {
	RateLimitRejection()
}

// Dispatcher wires inbound frames to the registry/session/CRDT layer.
type Dispatcher struct {
	sessions *session.Manager
	rooms    *room.Registry
	hooks    *hooks.Registry
	rateCfg  config.RateLimitConfig
	log      *zap.Logger
	recorder Recorder
	validate *validation.Validator
}

// New builds a Dispatcher over the given collaborators.
func New(sessions *session.Manager, rooms *room.Registry, hookRegistry *hooks.Registry, rateCfg config.RateLimitConfig, log *zap.Logger) *Dispatcher {
	return &Dispatcher{sessions: sessions, rooms: rooms, hooks: hookRegistry, rateCfg: rateCfg, log: log, validate: validation.New()}
}

// WithRecorder attaches a metrics Recorder, returning the Dispatcher for
// chaining at construction time.
func (d *Dispatcher) WithRecorder(recorder Recorder) *Dispatcher {
	d.recorder = recorder
	return d
}

// HandleFrame processes one inbound frame for a connection. client is nil
// until registration succeeds; the return value is the (possibly newly
// bound) client, which the transport loop must remember and pass back in
// on the next call for this connection.
func (d *Dispatcher) HandleFrame(ctx context.Context, transport session.Transport, connectionID string, client *session.Client, frame wire.Frame) *session.Client {
	if client == nil {
		switch frame.Type {
		case wire.TypeRegister:
			return d.handleRegister(ctx, transport, connectionID, frame)
		case wire.TypeReconnect:
			return d.handleReconnect(ctx, transport, connectionID, frame)
		default:
			// Forbidden in UNREGISTERED; silently dropped per spec.md §4.6.
			return nil
		}
	}

	if frame.Type != wire.TypeRegister && frame.Type != wire.TypeReconnect {
		cost := d.rateCfg.DefaultCost
		if frame.Type == wire.TypeCreateRoom {
			cost = d.rateCfg.CreateRoomCost
		}
		if !client.Allow(cost) {
			if d.recorder != nil {
				d.recorder.RateLimitRejection()
			}
			d.sessions.Terminate(client.ID)
			return client
		}
	}

	switch frame.Type {
	case wire.TypeCreateRoom:
		d.handleCreateRoom(ctx, transport, client, frame)
	case wire.TypeJoinRoom:
		d.handleJoinRoom(ctx, transport, client, frame)
	case wire.TypeUpdateProperty:
		d.handleUpdateProperty(ctx, client, frame)
	case wire.TypeRequest:
		d.handleRequest(ctx, client, frame)
	case wire.TypeDisconnect:
		d.sessions.HandleDisconnectFrame(client.ID)
	default:
		d.log.Debug("dropping frame forbidden in current state", zap.String("type", string(frame.Type)), zap.String("client", client.ID))
	}
	return client
}

func (d *Dispatcher) handleRegister(ctx context.Context, transport session.Transport, connectionID string, frame wire.Frame) *session.Client {
	var payload wire.RegisterPayload
	_ = wire.DecodePayload(frame, &payload)
	if err := d.validate.ValidateStruct(payload); err != nil {
		_ = transport.Send(wire.Frame{Type: wire.TypeRegistrationFailed, Payload: wire.FailurePayload{Reason: err.Error()}})
		return nil
	}
	c, err := d.sessions.Register(ctx, transport, connectionID, payload.ID, payload.CustomData)
	if err != nil {
		return nil
	}
	return c
}

func (d *Dispatcher) handleReconnect(ctx context.Context, transport session.Transport, connectionID string, frame wire.Frame) *session.Client {
	var payload wire.ReconnectPayload
	_ = wire.DecodePayload(frame, &payload)
	if err := d.validate.ValidateStruct(payload); err != nil {
		_ = transport.Send(wire.Frame{Type: wire.TypeReconnectionFailed, Payload: wire.FailurePayload{Reason: err.Error()}})
		return nil
	}
	c, err := d.sessions.Reconnect(ctx, transport, connectionID, payload.ID, payload.SessionToken)
	if err != nil {
		return nil
	}
	return c
}

func (d *Dispatcher) handleCreateRoom(ctx context.Context, transport session.Transport, client *session.Client, frame wire.Frame) {
	if client.CurrentStatus() == session.StatusInRoom {
		_ = transport.Send(wire.Frame{Type: wire.TypeRoomCreationFailed, Payload: wire.FailurePayload{Reason: "Already in a room"}})
		return
	}

	var payload wire.CreateRoomPayload
	_ = wire.DecodePayload(frame, &payload)
	if err := d.validate.ValidateStruct(payload); err != nil {
		_ = transport.Send(wire.Frame{Type: wire.TypeRoomCreationFailed, Payload: wire.FailurePayload{Reason: err.Error()}})
		return
	}

	r, err := d.rooms.Create(ctx, payload.InitialStorage, payload.Size, room.ClientHost(client.ID), room.OwnerClient, client.ID)
	if err != nil {
		_ = transport.Send(wire.Frame{Type: wire.TypeRoomCreationFailed, Payload: wire.FailurePayload{Reason: err.Error()}})
		return
	}

	d.sessions.BindRoom(client.ID, r.ID)
	_, _, _, state := r.Snapshot()
	_ = transport.Send(wire.Frame{
		Type: wire.TypeRoomCreated,
		Payload: wire.RoomCreatedPayload{
			State:  state,
			RoomID: r.ID,
			Size:   r.MaxSize,
		},
	})
}

func (d *Dispatcher) handleJoinRoom(ctx context.Context, transport session.Transport, client *session.Client, frame wire.Frame) {
	if client.CurrentStatus() == session.StatusInRoom {
		_ = transport.Send(wire.Frame{Type: wire.TypeJoinRejected, Payload: wire.FailurePayload{Reason: "Already in a room"}})
		return
	}

	var payload wire.JoinRoomPayload
	_ = wire.DecodePayload(frame, &payload)
	if err := d.validate.ValidateStruct(payload); err != nil {
		_ = transport.Send(wire.Frame{Type: wire.TypeJoinRejected, Payload: wire.FailurePayload{Reason: err.Error()}})
		return
	}

	decision := d.hooks.CallClientJoinRequested(ctx, client.ID, payload.RoomID)
	if !decision.Allowed {
		_ = transport.Send(wire.Frame{Type: wire.TypeJoinRejected, Payload: wire.FailurePayload{Reason: orDefault(decision.Reason, "Denied")}})
		return
	}

	r, ok := d.rooms.Get(payload.RoomID)
	if !ok {
		_ = transport.Send(wire.Frame{Type: wire.TypeJoinRejected, Payload: wire.FailurePayload{Reason: "Room not found"}})
		return
	}

	hostAbsent := d.hostCurrentlyAbsent(r)
	promoted, ok := r.AddParticipant(client.ID, hostAbsent)
	if !ok {
		_ = transport.Send(wire.Frame{Type: wire.TypeJoinRejected, Payload: wire.FailurePayload{Reason: "Room is full"}})
		return
	}

	d.sessions.BindRoom(client.ID, r.ID)
	count, host, version, state := r.Snapshot()

	d.rooms.ForEachParticipant(r.ID, func(participant string) {
		if participant == client.ID {
			return
		}
		d.sessions.SendToClient(participant, wire.Frame{
			Type:    wire.TypeClientConnected,
			Payload: wire.ClientPresencePayload{Client: client.ID, ParticipantCount: count},
		})
	})

	if promoted {
		d.rooms.ForEachParticipant(r.ID, func(participant string) {
			d.sessions.SendToClient(participant, wire.Frame{
				Type:    wire.TypeHostMigrated,
				Payload: wire.HostMigratedPayload{NewHost: client.ID},
			})
		})
	}

	_ = transport.Send(wire.Frame{
		Type: wire.TypeJoinAccepted,
		Payload: wire.JoinAcceptedPayload{
			State:            state,
			ParticipantCount: count,
			Host:             host,
			Version:          version,
		},
	})

	d.hooks.NotifyClientJoinedRoom(ctx, map[string]interface{}{"id": client.ID, "roomId": r.ID})
}

// hostCurrentlyAbsent reports whether the room's host is a client that is
// not presently live (pending-disconnect or otherwise gone), per spec.md
// §4.5 "When a new client joins a room whose host is absent".
func (d *Dispatcher) hostCurrentlyAbsent(r *room.Room) bool {
	_, host, _, _ := r.Snapshot()
	if host == room.ServerHostID {
		return false
	}
	_, live := d.sessions.Get(host)
	return !live
}

func (d *Dispatcher) handleUpdateProperty(ctx context.Context, client *session.Client, frame wire.Frame) {
	if client.CurrentStatus() != session.StatusInRoom {
		return
	}

	var payload wire.UpdatePayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return
	}

	op, err := crdt.DecodeOperation(payload.Operation)
	if err != nil {
		return
	}
	clock, err := crdt.DecodeVectorClock(payload.VectorClock)
	if err != nil {
		return
	}

	roomID := client.CurrentRoomID()
	currentStorage, _ := d.rooms.GetStorage(roomID)
	update := map[string]interface{}{
		"key":         payload.Key,
		"opType":      op.Type,
		"value":       op.Value,
		"updateValue": op.UpdateValue,
	}
	decision := d.hooks.CallStorageUpdateRequested(ctx, roomID, client.ID, update, currentStorage)
	if !decision.Allowed {
		d.sessions.SendToClient(client.ID, wire.Frame{
			Type:    wire.TypePropertyUpdateRejected,
			Payload: wire.PropertyUpdateRejectedPayload{State: currentStorage},
		})
		return
	}

	if err := d.rooms.ImportUpdate(ctx, roomID, payload.Key, op, clock); err != nil {
		d.log.Debug("dropping update_property", zap.String("room", roomID), zap.Error(err))
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, client *session.Client, frame wire.Frame) {
	var payload wire.RequestPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return
	}
	if err := d.validate.ValidateStruct(payload); err != nil {
		return
	}
	d.hooks.NotifyRequestReceived(ctx, map[string]interface{}{
		"roomId":   client.CurrentRoomID(),
		"clientId": client.ID,
		"name":     payload.Name,
		"data":     payload.Data,
	})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
