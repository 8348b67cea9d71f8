package room

// ServerHostID is the reserved sentinel client id denoting a server-owned
// room with no client host, per spec.md §9 ("Host=\"server\" sentinel").
// It is also reserved and refused as a registrable client id
// (internal/session).
const ServerHostID = "server"

// Owner distinguishes a client-initiated room (destroyed when its last
// participant leaves) from a server-initiated one (persists empty).
type Owner int

const (
	OwnerClient Owner = iota
	OwnerServer
)

// Host is the "Client(id) | Server" typed variant spec.md §9 recommends in
// place of a magic string.
type Host struct {
	ClientID string
	IsServer bool
}

// ServerHost returns the server sentinel host.
func ServerHost() Host {
	return Host{IsServer: true}
}

// ClientHost returns a client-id host.
func ClientHost(id string) Host {
	return Host{ClientID: id}
}

// ID returns the wire representation of the host: the client id, or the
// literal "server" sentinel.
func (h Host) ID() string {
	if h.IsServer {
		return ServerHostID
	}
	return h.ClientID
}

// Is reports whether this host is the given client id (never true for the
// server sentinel).
func (h Host) Is(clientID string) bool {
	return !h.IsServer && h.ClientID == clientID
}
