package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wagate/internal/codec"
	logx "wagate/pkg/logx"
)

type fakeProvider struct {
	mu       sync.Mutex
	inits    int
	destroys int
	logouts  int
	sends    []string
	live     LiveState
	liveErr  error
	identity Identity
	idErr    error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		live:     LiveConnected,
		identity: Identity{ID: "12345@c.us", DisplayName: "Ops Account"},
	}
}

func (f *fakeProvider) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return nil
}

func (f *fakeProvider) LiveState(context.Context) (LiveState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live, f.liveErr
}

func (f *fakeProvider) Send(_ context.Context, target, _ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, target)
	return nil
}

func (f *fakeProvider) Identity(context.Context) (Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity, f.idErr
}

func (f *fakeProvider) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeProvider) Destroy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

func (f *fakeProvider) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroys
}

// harness owns the factory side of a test: it hands out fake providers and
// keeps the event callbacks wired into the most recent one.
type harness struct {
	mu         sync.Mutex
	ev         Events
	p          *fakeProvider
	creates    int
	factoryErr error
}

func (h *harness) factory(_ context.Context, ev Events) (Provider, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.creates++
	if h.factoryErr != nil {
		return nil, h.factoryErr
	}
	h.p = newFakeProvider()
	h.ev = ev
	return h.p, nil
}

func (h *harness) events() Events {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ev
}

func (h *harness) provider() *fakeProvider {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.p
}

func (h *harness) createCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.creates
}

func okCodec() codec.Codec {
	return codec.Funcs{
		Pairing: func(_ context.Context, token string) ([]byte, error) {
			return []byte("png:" + token), nil
		},
	}
}

func newTestSupervisor(h *harness, cfg Config) *Supervisor {
	s := New(h.factory, okCodec(), cfg, logx.Nop())
	s.tm = timings{
		minStartInterval: 50 * time.Millisecond,
		reconnectDelay:   time.Hour, // tests inspect the pending slot, never wait for it
		monitorInterval:  time.Hour,
		livenessWindow:   time.Minute,
		artifactMaxAge:   30 * time.Millisecond,
	}
	return s
}

func (s *Supervisor) reconnectArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectPending
}

func TestStartThenReady(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	s.Start(context.Background())

	if got := s.State(); got != StateInitializing {
		t.Fatalf("state after start = %q, want %q", got, StateInitializing)
	}
	if h.provider().inits != 1 {
		t.Fatalf("provider initialized %d times, want 1", h.provider().inits)
	}

	h.events().Ready()

	if got := s.State(); got != StateConnected {
		t.Fatalf("state after ready = %q, want %q", got, StateConnected)
	}
	st := s.Status()
	if st.Identity.ID != "12345@c.us" {
		t.Fatalf("identity not populated: %+v", st.Identity)
	}
	if st.LastLiveness.IsZero() {
		t.Fatal("last liveness not stamped on connect")
	}
}

func TestSendRequiresLiveSession(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	ctx := context.Background()

	if err := s.Send(ctx, "15551234567@c.us", "hi", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send before start: got %v, want ErrNotConnected", err)
	}

	s.Start(ctx)
	if err := s.Send(ctx, "15551234567@c.us", "hi", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send before ready: got %v, want ErrNotConnected", err)
	}

	h.events().Ready()
	if err := s.Send(ctx, "15551234567@c.us", "hi", nil); err != nil {
		t.Fatalf("send while connected: %v", err)
	}
	p := h.provider()
	p.mu.Lock()
	sends := len(p.sends)
	p.mu.Unlock()
	if sends != 1 {
		t.Fatalf("provider saw %d sends, want 1", sends)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	ctx := context.Background()
	s.Start(ctx)
	h.events().Ready()

	s.Stop(ctx)
	s.Stop(ctx)

	if got := h.provider().destroyCount(); got != 1 {
		t.Fatalf("provider destroyed %d times, want exactly 1", got)
	}
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state after stop = %q, want %q", got, StateDisconnected)
	}
	st := s.Status()
	if !st.Identity.IsZero() || st.Artifact != nil {
		t.Fatalf("stop left residual session data: %+v", st)
	}
	if s.reconnectArmed() {
		t.Fatal("stop left a reconnect timer armed")
	}
}

func TestStartDeferredInsideMinInterval(t *testing.T) {
	t.Parallel()

	h := &harness{factoryErr: errors.New("remote refused")}
	s := newTestSupervisor(h, Config{})
	ctx := context.Background()

	s.Start(ctx)
	if got := h.createCount(); got != 1 {
		t.Fatalf("factory called %d times, want 1", got)
	}
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state after create failure = %q, want %q", got, StateDisconnected)
	}
	if !s.reconnectArmed() {
		t.Fatal("create failure did not schedule a reconnect")
	}

	// Inside the minimum interval the retry is silently deferred.
	s.Start(ctx)
	if got := h.createCount(); got != 1 {
		t.Fatalf("deferred start still called factory: %d calls", got)
	}

	time.Sleep(60 * time.Millisecond)
	s.Start(ctx)
	if got := h.createCount(); got != 2 {
		t.Fatalf("start after interval called factory %d times, want 2", got)
	}
}

func TestPairingFlow(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	s.Start(context.Background())

	h.events().PairingCode("tok-12345678")

	if got := s.State(); got != StatePairingReady {
		t.Fatalf("state after pairing emission = %q, want %q", got, StatePairingReady)
	}
	st := s.Status()
	if st.Artifact == nil || string(st.Artifact.Image) != "png:tok-12345678" {
		t.Fatalf("pairing artifact missing or wrong: %+v", st.Artifact)
	}

	// The snapshot's artifact must be a copy, not a view.
	st.Artifact.Image[0] = 'X'
	if again := s.Status(); string(again.Artifact.Image) != "png:tok-12345678" {
		t.Fatal("status shares artifact bytes with internal state")
	}

	h.events().Authenticated()
	if got := s.State(); got != StateAuthenticated {
		t.Fatalf("state after auth = %q, want %q", got, StateAuthenticated)
	}
	if s.Status().Artifact != nil {
		t.Fatal("artifact survived authentication")
	}

	h.events().Ready()
	if got := s.State(); got != StateConnected {
		t.Fatalf("state after ready = %q, want %q", got, StateConnected)
	}
}

func TestMalformedPairingTokenIgnored(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	s.Start(context.Background())

	h.events().PairingCode("  ")
	h.events().PairingCode("short")

	if got := s.State(); got != StateInitializing {
		t.Fatalf("malformed tokens changed state to %q", got)
	}
	if s.Status().Artifact != nil {
		t.Fatal("malformed token produced an artifact")
	}
}

func TestPairingBurstTearsDownOnce(t *testing.T) {
	t.Parallel()

	var fatalMu sync.Mutex
	var fatals []string

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	s.SetFatalHook(func(event, _ string) {
		fatalMu.Lock()
		fatals = append(fatals, event)
		fatalMu.Unlock()
	})
	s.Start(context.Background())

	ev := h.events()
	p := h.provider()
	for i := 0; i < pairingBurstMax+2; i++ {
		ev.PairingCode("tok-12345678")
	}

	if got := p.destroyCount(); got != 1 {
		t.Fatalf("burst caused %d teardowns, want exactly 1", got)
	}
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state after burst = %q, want %q", got, StateDisconnected)
	}
	if !s.reconnectArmed() {
		t.Fatal("burst teardown did not schedule a reconnect")
	}

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if len(fatals) != 1 || fatals[0] != "pairing-burst" {
		t.Fatalf("fatal events = %v, want exactly one pairing-burst", fatals)
	}
}

func TestDisconnectKeepsSingleReconnectSlot(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	s.Start(context.Background())
	h.events().Ready()

	h.events().Disconnected("network")
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state after disconnect = %q, want %q", got, StateDisconnected)
	}
	s.mu.Lock()
	first := s.reconnect
	s.mu.Unlock()
	if first == nil {
		t.Fatal("disconnect did not arm a reconnect timer")
	}

	// Further disconnect signals while one reconnect is pending must not
	// re-arm or replace the timer.
	h.events().Disconnected("network-again")
	h.events().StateChanged(LiveDisconnected)

	s.mu.Lock()
	second := s.reconnect
	pending := s.reconnectPending
	s.mu.Unlock()
	if second != first {
		t.Fatal("repeat disconnect replaced the pending reconnect timer")
	}
	if !pending {
		t.Fatal("pending reconnect slot was cleared by repeat disconnect")
	}
}

func TestArtifactExpiryAutoRefresh(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{AutoRefreshPairing: true})
	ctx := context.Background()
	s.Start(ctx)
	h.events().PairingCode("tok-12345678")
	p := h.provider()

	time.Sleep(50 * time.Millisecond)
	s.monitorTick(ctx)

	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state after expiry sweep = %q, want %q", got, StateDisconnected)
	}
	if s.Status().Artifact != nil {
		t.Fatal("expired artifact still exposed")
	}
	if got := p.destroyCount(); got != 1 {
		t.Fatalf("expiry destroyed provider %d times, want 1", got)
	}
	if !s.reconnectArmed() {
		t.Fatal("expiry did not schedule regeneration")
	}
}

func TestArtifactKeptWithoutAutoRefresh(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{AutoRefreshPairing: false})
	ctx := context.Background()
	s.Start(ctx)
	h.events().PairingCode("tok-12345678")

	time.Sleep(50 * time.Millisecond)
	s.monitorTick(ctx)

	if got := s.State(); got != StatePairingReady {
		t.Fatalf("state = %q, want stale artifact left in %q", got, StatePairingReady)
	}
	if s.Status().Artifact == nil {
		t.Fatal("stale artifact discarded despite auto-refresh being off")
	}
}

func TestLivenessGraceWindow(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	ctx := context.Background()
	s.Start(ctx)
	h.events().Ready()
	p := h.provider()

	p.mu.Lock()
	p.liveErr = errors.New("query timed out")
	p.mu.Unlock()

	// A failing check inside the silence window is tolerated.
	s.CheckLiveness(ctx)
	if got := s.State(); got != StateConnected {
		t.Fatalf("single failed check disconnected the session: %q", got)
	}

	// Once no check has succeeded inside the window, the session is
	// declared disconnected.
	s.mu.Lock()
	s.lastLive = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()
	s.CheckLiveness(ctx)
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state after silence window = %q, want %q", got, StateDisconnected)
	}
	if !s.reconnectArmed() {
		t.Fatal("liveness loss did not schedule a reconnect")
	}
}

func TestLivenessReportsDisconnected(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	ctx := context.Background()
	s.Start(ctx)
	h.events().Ready()
	p := h.provider()

	p.mu.Lock()
	p.live = LiveDisconnected
	p.mu.Unlock()

	s.CheckLiveness(ctx)
	if got := s.State(); got != StateDisconnected {
		t.Fatalf("state = %q, want %q", got, StateDisconnected)
	}
}

func TestMonitorRestartsIdleSession(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	ctx := context.Background()

	if got := h.createCount(); got != 0 {
		t.Fatalf("factory called before any tick: %d", got)
	}
	s.monitorTick(ctx)
	if got := h.createCount(); got != 1 {
		t.Fatalf("idle tick called factory %d times, want 1", got)
	}
}

func TestResetSchedulesReinit(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	ctx := context.Background()
	s.Start(ctx)
	h.events().Ready()
	p := h.provider()

	s.Reset(ctx)

	if got := p.destroyCount(); got != 1 {
		t.Fatalf("reset destroyed provider %d times, want 1", got)
	}
	if got := s.State(); got != StateResetting {
		t.Fatalf("state after reset = %q, want %q", got, StateResetting)
	}
	if !s.reconnectArmed() {
		t.Fatal("reset did not schedule reinitialization")
	}
	if got := s.Status().ReconnectCount; got != 0 {
		t.Fatalf("reset did not clear reconnect counter: %d", got)
	}
}

func TestLogoutAndReset(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	ctx := context.Background()
	s.Start(ctx)
	h.events().Ready()
	p := h.provider()

	s.LogoutAndReset(ctx)

	p.mu.Lock()
	logouts := p.logouts
	p.mu.Unlock()
	if logouts != 1 {
		t.Fatalf("provider logout called %d times, want 1", logouts)
	}
	if got := p.destroyCount(); got != 1 {
		t.Fatalf("logout destroyed provider %d times, want 1", got)
	}
	if got := s.State(); got != StateLoggedOut {
		t.Fatalf("state after logout = %q, want %q", got, StateLoggedOut)
	}
	if !s.reconnectArmed() {
		t.Fatal("logout did not schedule reinitialization")
	}
}

func TestStaleProviderEventsDropped(t *testing.T) {
	t.Parallel()

	h := &harness{}
	s := newTestSupervisor(h, Config{})
	ctx := context.Background()
	s.Start(ctx)
	stale := h.events()
	s.Stop(ctx)

	// Events wired into the destroyed provider must not resurrect state.
	stale.Ready()
	stale.PairingCode("tok-12345678")
	stale.Authenticated()

	if got := s.State(); got != StateDisconnected {
		t.Fatalf("stale events moved state to %q", got)
	}
	if s.Status().Artifact != nil {
		t.Fatal("stale pairing event produced an artifact")
	}
}
