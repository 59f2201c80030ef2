package session

import (
	"context"
	"time"
)

// LiveState is the provider's own view of the connection, as reported by an
// active query. Values outside the two known constants are recorded as-is
// without forcing a disconnect (providers surface many transient states).
type LiveState string

const (
	LiveConnected    LiveState = "connected"
	LiveDisconnected LiveState = "disconnected"
)

// Events is the fixed callback set a Provider delivers session events
// through. All registrations happen once, at construction, via the Factory;
// a reconnect discards the whole Provider and constructs a fresh one rather
// than re-subscribing on a long-lived object.
//
// Callbacks may be invoked from provider-owned goroutines. Nil members are
// allowed and skipped.
type Events struct {
	// PairingCode fires when the provider needs the operator to pair a new
	// device. The token is opaque pairing data for the image codec.
	PairingCode func(token string)

	Authenticated func()
	AuthFailed    func(reason string)

	// Ready fires when the session is fully connected and usable.
	Ready func()

	Disconnected func(reason string)

	// StateChanged reports provider-internal state strings. Only a
	// transition to LiveDisconnected is acted upon.
	StateChanged func(state LiveState)

	Heartbeat func(at time.Time)
}

// Provider is the live capability object for one remote session.
//
// The wire protocol behind it is deliberately out of scope; implementations
// adapt whatever client library talks to the account. At most one Provider
// exists at a time and only the Supervisor creates or destroys it.
//
// All methods must honor ctx and return (never panic across); the
// Supervisor converts every failure into a log line and a state transition.
type Provider interface {
	// Initialize opens the session. It returns once the connection attempt
	// has been handed to the remote side; progress arrives via Events.
	Initialize(ctx context.Context) error

	// LiveState actively queries the current connection state.
	LiveState(ctx context.Context) (LiveState, error)

	// Send delivers one outbound item. image is nil for text-only sends.
	Send(ctx context.Context, target, text string, image []byte) error

	// Identity fetches the connected account's profile.
	Identity(ctx context.Context) (Identity, error)

	// Logout invalidates the remote pairing (best-effort).
	Logout(ctx context.Context) error

	// Destroy releases the session resources. Always awaited before a new
	// Provider is constructed.
	Destroy(ctx context.Context) error
}

// Factory constructs a fresh Provider with its event callbacks wired.
// Called once per (re)connect attempt.
type Factory func(ctx context.Context, ev Events) (Provider, error)
