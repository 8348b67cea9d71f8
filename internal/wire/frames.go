// Package wire defines the frame shapes of spec.md §6 ("External
// interfaces"). The concrete binary encode/decode is an opaque dependency
// per spec.md §1 ("Non-goals"); this package only fixes the Go shapes that
// a Codec (see codec.go) turns into bytes and back.
package wire

// Type identifies a frame's kind via its "type" wire key.
type Type string

const (
	// Client-originated.
	TypeRegister       Type = "register"
	TypeReconnect      Type = "reconnect"
	TypeCreateRoom     Type = "create_room"
	TypeJoinRoom       Type = "join_room"
	TypeUpdateProperty Type = "update_property"
	TypeRequest        Type = "request"
	TypeDisconnect     Type = "disconnect"

	// Server-originated.
	TypeRegistered            Type = "registered"
	TypeRegistrationFailed    Type = "registration_failed"
	TypeReconnected           Type = "reconnected"
	TypeReconnectionFailed    Type = "reconnection_failed"
	TypeRoomCreated           Type = "room_created"
	TypeRoomCreationFailed    Type = "room_creation_failed"
	TypeJoinAccepted          Type = "join_accepted"
	TypeJoinRejected          Type = "join_rejected"
	TypePropertyUpdated       Type = "property_updated"
	TypePropertyUpdateRejected Type = "property_update_rejected"
	TypeClientConnected       Type = "client_connected"
	TypeClientDisconnected    Type = "client_disconnected"
	TypeHostMigrated          Type = "host_migrated"
	TypeKicked                Type = "kicked"
	TypeServerStopped         Type = "server_stopped"
)

// Frame is the envelope every inbound and outbound message shares: a type
// tag plus an opaque payload the dispatcher decodes per-type.
type Frame struct {
	Type    Type        `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// UpdatePayload is the whole payload of an update_property frame and the
// "update" field of a property_updated broadcast; the dispatcher decodes it
// into a CRDT import record.
type UpdatePayload struct {
	Key         string      `json:"key"`
	Operation   interface{} `json:"operation"`
	VectorClock interface{} `json:"vectorClock"`
}

// RegisterPayload is the client->server register frame payload.
type RegisterPayload struct {
	ID         string                 `json:"id,omitempty" validate:"omitempty,clientid"`
	CustomData map[string]interface{} `json:"customData,omitempty"`
}

// ReconnectPayload is the client->server reconnect frame payload.
type ReconnectPayload struct {
	ID           string `json:"id" validate:"required,clientid"`
	SessionToken string `json:"sessionToken" validate:"required,min=8"`
}

// CreateRoomPayload is the client->server create_room frame payload.
type CreateRoomPayload struct {
	InitialStorage map[string]interface{} `json:"initialStorage,omitempty"`
	Size           int                    `json:"size,omitempty" validate:"omitempty,min=1"`
}

// JoinRoomPayload is the client->server join_room frame payload.
type JoinRoomPayload struct {
	RoomID string `json:"roomId" validate:"required,roomid"`
}

// RequestPayload wraps an opaque application-level request passed through
// to the host application, per spec.md §6.
type RequestPayload struct {
	Name string                 `json:"name" validate:"required"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// RegisteredPayload is the server->client registered frame payload.
type RegisteredPayload struct {
	ID           string `json:"id"`
	SessionToken string `json:"sessionToken"`
}

// FailurePayload carries a single human-readable reason, shared by every
// *_failed / *_rejected frame whose only field is "reason".
type FailurePayload struct {
	Reason string `json:"reason"`
}

// RoomData is the reconnect/join payload shape carrying the room's current
// full state, per spec.md §6 ("roomData").
type RoomData struct {
	State            map[string]interface{} `json:"state"`
	ParticipantCount int                     `json:"participantCount"`
	Host             string                  `json:"host"`
	Version          uint64                  `json:"version"`
}

// ReconnectedPayload is the server->client reconnected frame payload.
// RoomData is nil when the client's room no longer exists.
type ReconnectedPayload struct {
	RoomData *RoomData `json:"roomData,omitempty"`
}

// RoomCreatedPayload is the server->client room_created frame payload.
type RoomCreatedPayload struct {
	State  map[string]interface{} `json:"state"`
	RoomID string                 `json:"roomId"`
	Size   int                    `json:"size,omitempty"`
}

// JoinAcceptedPayload is the server->client join_accepted frame payload.
type JoinAcceptedPayload struct {
	State            map[string]interface{} `json:"state"`
	ParticipantCount int                     `json:"participantCount"`
	Host             string                  `json:"host"`
	Version          uint64                  `json:"version"`
}

// PropertyUpdatedPayload is the server->clients property_updated broadcast.
type PropertyUpdatedPayload struct {
	Update  UpdatePayload `json:"update"`
	Version uint64        `json:"version"`
}

// PropertyUpdateRejectedPayload is sent back to the author when a
// storageUpdateRequested hook rejects an update; the client resyncs from
// the embedded full state.
type PropertyUpdateRejectedPayload struct {
	State map[string]interface{} `json:"state"`
}

// ClientPresencePayload backs client_connected / client_disconnected.
type ClientPresencePayload struct {
	Client           string `json:"client"`
	ParticipantCount int    `json:"participantCount"`
}

// HostMigratedPayload is the server->clients host_migrated frame payload.
type HostMigratedPayload struct {
	NewHost string `json:"newHost"`
}

// KickedPayload is the server->client kicked frame payload.
type KickedPayload struct {
	Reason string `json:"reason"`
}
