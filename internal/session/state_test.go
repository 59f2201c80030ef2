package session

import "testing"

func TestConnStateValid(t *testing.T) {
	t.Parallel()

	all := []ConnState{
		StateInitializing, StatePairingReady, StatePairingExpired,
		StateAuthenticated, StateConnected, StateDisconnected,
		StateResetting, StateLoggedOut, StateError,
	}
	for _, s := range all {
		if !s.Valid() {
			t.Fatalf("%q not valid", s)
		}
	}
	for _, s := range []ConnState{"", "CONNECTED", "paired", "unknown"} {
		if s.Valid() {
			t.Fatalf("%q unexpectedly valid", s)
		}
	}
}

func TestConnStateLive(t *testing.T) {
	t.Parallel()

	live := map[ConnState]bool{
		StateConnected:     true,
		StateAuthenticated: true,
	}
	all := []ConnState{
		StateInitializing, StatePairingReady, StatePairingExpired,
		StateAuthenticated, StateConnected, StateDisconnected,
		StateResetting, StateLoggedOut, StateError,
	}
	for _, s := range all {
		if got := s.Live(); got != live[s] {
			t.Fatalf("%q.Live() = %v, want %v", s, got, live[s])
		}
	}
}

func TestIdentityIsZero(t *testing.T) {
	t.Parallel()

	if !(Identity{}).IsZero() {
		t.Fatal("empty identity not zero")
	}
	if (Identity{ID: "x"}).IsZero() {
		t.Fatal("populated identity reported zero")
	}
}
