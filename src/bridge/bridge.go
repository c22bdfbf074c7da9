package bridge

import "github.com/resonate-fm/pulse/src/protocol"

// Relay broadcasts events to other server instances so a user connected to
// one instance still receives events published on another.
type Relay interface {
	// Publish forwards an envelope and its target users to other instances.
	Publish(targetUserIDs []string, env protocol.Envelope) error

	// Start begins listening for events from other instances.
	Start() error

	// Stop shuts down the relay connection.
	Stop() error

	// Available reports whether the relay is connected and operational.
	Available() bool
}

// LocalBroadcaster is implemented by the publisher to deliver relayed
// events to this instance's connections only.
type LocalBroadcaster interface {
	BroadcastLocal(targetUserIDs []string, env protocol.Envelope)
}
