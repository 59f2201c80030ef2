package session

import "time"

// ConnState is the lifecycle state of the remote messaging session.
// Exactly one value is current at any time; the Supervisor is the only
// mutator. The intended transitions:
//
// initializing    -> pairing_ready | connected | disconnected
// pairing_ready   -> authenticated | pairing_expired | disconnected
// pairing_expired -> disconnected (teardown) -> initializing
// authenticated   -> connected | disconnected
// connected       -> disconnected | resetting | logged_out
// disconnected    -> initializing (delayed reinit)
// resetting       -> disconnected -> initializing
// logged_out      -> initializing (delayed reinit)
// error           -> disconnected | initializing
type ConnState string

const (
	StateInitializing   ConnState = "initializing"
	StatePairingReady   ConnState = "pairing_ready"
	StatePairingExpired ConnState = "pairing_expired"
	StateAuthenticated  ConnState = "authenticated"
	StateConnected      ConnState = "connected"
	StateDisconnected   ConnState = "disconnected"
	StateResetting      ConnState = "resetting"
	StateLoggedOut      ConnState = "logged_out"
	StateError          ConnState = "error"
)

func (s ConnState) Valid() bool {
	switch s {
	case StateInitializing, StatePairingReady, StatePairingExpired,
		StateAuthenticated, StateConnected, StateDisconnected,
		StateResetting, StateLoggedOut, StateError:
		return true
	}
	return false
}

// Live reports whether the session is usable for outbound sends.
func (s ConnState) Live() bool {
	return s == StateConnected || s == StateAuthenticated
}

// Identity is the remote account's profile, populated only while the
// session is connected. Fields fall back to placeholders when the
// post-connect profile fetch fails.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

func (i Identity) IsZero() bool { return i == Identity{} }

// Artifact is a rendered pairing image. Valid only while the state is
// pairing_ready; discarded on authentication or (with auto-refresh) once
// older than the configured max age.
type Artifact struct {
	Image       []byte
	GeneratedAt time.Time
}

// Status is the thread-safe read model returned to the HTTP layer.
// The artifact image is the caller's own copy and may be retained.
type Status struct {
	State          ConnState `json:"state"`
	Identity       Identity  `json:"identity,omitempty"`
	Artifact       *Artifact `json:"-"`
	LastLiveness   time.Time `json:"last_liveness,omitempty"`
	AutoRefresh    bool      `json:"auto_refresh"`
	ReconnectCount int       `json:"reconnect_count"`
}
