package session

import "context"

// EventSink receives connection lifecycle events from a Driver.
// Implementations must not block; drivers call these from their own goroutines.
type EventSink interface {
	OnPairingChallenge(payload string)
	OnAuthenticated()
	OnReady()
	OnAuthFailure(err error)
	OnDisconnected(reason string, loggedOut bool)
}

// Driver is the messaging-network connection. Start returns once the
// connection attempt is underway; readiness is reported through the sink.
type Driver interface {
	Start(ctx context.Context, sink EventSink) error
	Send(ctx context.Context, phone, text string) error
	Stop()
}
