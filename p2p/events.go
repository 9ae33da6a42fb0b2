package p2p

// PeerEventType enumerates the session transitions surfaced for
// observability.
type PeerEventType string

const (
	PeerConnected    PeerEventType = "connected"
	PeerDisconnected PeerEventType = "disconnected"
)

// PeerEvent is a peer/session notification. Consumption is optional and
// failures to consume are non-fatal.
type PeerEvent struct {
	Type   PeerEventType
	PeerID string
}

// Handle exposes the live event feed of a running network.
type Handle interface {
	Events() <-chan PeerEvent
}
