package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"wagate/internal/codec"
	logx "wagate/pkg/logx"
)

// ErrNotConnected is returned for sends attempted while the session is not
// in a usable state.
var ErrNotConnected = errors.New("session: not connected")

const (
	// pairingBurstMax is the number of pairing emissions (without an
	// intervening authentication) tolerated before the provider is treated
	// as malfunctioning and torn down.
	pairingBurstMax = 5

	// reconnectAdvisoryMax is advisory only: passing it logs a warning and
	// resets the counter, but the supervisor keeps retrying. A hard stop
	// would leave the gateway down with no operator in the loop.
	reconnectAdvisoryMax = 10

	// minPairingTokenLen filters out clearly invalid pairing emissions.
	minPairingTokenLen = 8
)

// timings groups the supervisor's fixed intervals. Tests shrink these.
type timings struct {
	minStartInterval time.Duration
	reconnectDelay   time.Duration
	monitorInterval  time.Duration
	livenessWindow   time.Duration
	artifactMaxAge   time.Duration
}

func defaultTimings() timings {
	return timings{
		minStartInterval: 10 * time.Second,
		reconnectDelay:   15 * time.Second,
		monitorInterval:  30 * time.Second,
		livenessWindow:   90 * time.Second,
		artifactMaxAge:   60 * time.Second,
	}
}

type Config struct {
	// AutoRefreshPairing discards a stale pairing artifact and triggers
	// regeneration. When false, a stale artifact is left rendered.
	AutoRefreshPairing bool
}

// Supervisor owns the single remote session and drives it through the
// connection state machine. It is the only creator and destroyer of the
// Provider handle; all provider failures terminate in a log line plus a
// state transition, never an error escaping this package.
type Supervisor struct {
	log     logx.Logger
	factory Factory
	codec   codec.Codec

	mu    sync.Mutex
	state ConnState

	provider Provider
	// gen identifies the current provider; event callbacks carry the gen
	// they were wired with, so events from a torn-down provider are dropped.
	gen uint64

	identity Identity
	artifact *Artifact
	lastLive time.Time

	lastStart time.Time
	starting  bool
	stopping  bool

	// Single pending reconnection slot: scheduling while one is pending is
	// a no-op. This plus the starting/stopping flags are the correctness
	// mechanism, not an optimization: monitor ticks and provider events
	// interleave freely.
	reconnect        *time.Timer
	reconnectPending bool
	reconnectCount   int

	pairingEmits int
	autoRefresh  bool

	tm     timings
	runCtx context.Context

	// onFatal is invoked (outside the lock) for session-fatal events so the
	// app can fan out ops alerts. Best-effort.
	onFatal func(event, detail string)
}

func New(factory Factory, c codec.Codec, cfg Config, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		log:         log,
		factory:     factory,
		codec:       c,
		state:       StateInitializing,
		autoRefresh: cfg.AutoRefreshPairing,
		tm:          defaultTimings(),
		runCtx:      context.Background(),
	}
}

// SetFatalHook installs the session-fatal event callback. Call before Run.
func (s *Supervisor) SetFatalHook(fn func(event, detail string)) { s.onFatal = fn }

// SetAutoRefresh hot-applies the pairing auto-refresh switch.
func (s *Supervisor) SetAutoRefresh(v bool) {
	s.mu.Lock()
	s.autoRefresh = v
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot safe for concurrent readers. The artifact
// image is the caller's own copy.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:          s.state,
		Identity:       s.identity,
		LastLiveness:   s.lastLive,
		AutoRefresh:    s.autoRefresh,
		ReconnectCount: s.reconnectCount,
	}
	if s.artifact != nil {
		st.Artifact = &Artifact{
			Image:       append([]byte(nil), s.artifact.Image...),
			GeneratedAt: s.artifact.GeneratedAt,
		}
	}
	return st
}

// Send delivers one outbound item through the live session.
// It is the only provider capability exposed outside the supervisor.
func (s *Supervisor) Send(ctx context.Context, target, text string, image []byte) error {
	s.mu.Lock()
	p := s.provider
	live := s.state.Live()
	s.mu.Unlock()
	if !live || p == nil {
		return ErrNotConnected
	}
	return s.guard("send", func() error { return p.Send(ctx, target, text, image) })
}

// Run performs the initial connection attempt and hosts the periodic
// monitor until ctx is canceled, then tears the session down best-effort.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.Start(ctx)

	ticker := time.NewTicker(s.tm.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.monitorTick(ctx)
		}
	}
}

func (s *Supervisor) shutdown() {
	s.cancelReconnect(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.teardown(ctx, StateDisconnected, true)
	s.log.Info("supervisor stopped")
}

// Start creates a fresh session. It refuses to overlap an existing session
// or an in-progress create, and silently defers calls issued within the
// minimum inter-attempt interval.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.starting || s.stopping || s.provider != nil {
		s.mu.Unlock()
		s.log.Debug("start ignored; session create or teardown already in progress")
		return
	}
	if !s.lastStart.IsZero() && time.Since(s.lastStart) < s.tm.minStartInterval {
		s.mu.Unlock()
		s.log.Debug("start deferred; inside minimum reconnect interval")
		return
	}
	s.lastStart = time.Now()
	s.starting = true
	s.pairingEmits = 0
	s.gen++
	gen := s.gen
	s.setStateLocked(StateInitializing)
	s.mu.Unlock()

	p, err := s.factory(ctx, s.eventsFor(gen))
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		s.log.Error("session create failed", logx.Err(err))
		s.fatal("init-failed", err.Error())
		s.toDisconnected("create-failed")
		return
	}

	s.mu.Lock()
	// A Stop may have raced the factory call; discard the orphan handle.
	if gen != s.gen {
		s.starting = false
		s.mu.Unlock()
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.guard("destroy", func() error { return p.Destroy(dctx) })
		cancel()
		return
	}
	s.provider = p
	s.mu.Unlock()

	err = s.guard("initialize", func() error { return p.Initialize(ctx) })

	s.mu.Lock()
	s.starting = false
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("session initialize failed", logx.Err(err))
		s.fatal("init-failed", err.Error())
		s.toDisconnected("init-failed")
	}
}

// Stop tears the session down: cancels pending timers, destroys the
// provider best-effort, clears identity and artifact, and forces the
// disconnected state. Idempotent: a second call during teardown no-ops.
func (s *Supervisor) Stop(ctx context.Context) {
	s.cancelReconnect(true)
	s.teardown(ctx, StateDisconnected, true)
}

// Reset fully tears down the current session and schedules a delayed
// reinitialization. The resetting state is held until the reinit fires.
func (s *Supervisor) Reset(ctx context.Context) {
	s.cancelReconnect(true)
	s.teardown(ctx, StateResetting, true)
	s.mu.Lock()
	s.reconnectCount = 0
	s.mu.Unlock()
	s.scheduleReconnect()
}

// LogoutAndReset invalidates the remote pairing (best-effort) before the
// full teardown. The logged_out final state is purely for observability.
func (s *Supervisor) LogoutAndReset(ctx context.Context) {
	s.mu.Lock()
	p := s.provider
	live := s.state.Live()
	s.mu.Unlock()

	if live && p != nil {
		if err := s.guard("logout", func() error { return p.Logout(ctx) }); err != nil {
			s.log.Warn("provider logout failed (continuing teardown)", logx.Err(err))
		}
	}

	s.cancelReconnect(true)
	s.teardown(ctx, StateLoggedOut, true)
	s.mu.Lock()
	s.reconnectCount = 0
	s.mu.Unlock()
	s.scheduleReconnect()
}

// CheckLiveness actively re-validates the session while believed connected.
// A single query failure is tolerated; liveness is considered lost only
// once no check has succeeded within the silence window.
func (s *Supervisor) CheckLiveness(ctx context.Context) {
	s.mu.Lock()
	if !s.state.Live() {
		s.mu.Unlock()
		return
	}
	p := s.provider
	s.mu.Unlock()
	if p == nil {
		return
	}

	var got LiveState
	err := s.guard("live-state", func() error {
		st, e := p.LiveState(ctx)
		got = st
		return e
	})
	now := time.Now()

	if err != nil {
		s.mu.Lock()
		last := s.lastLive
		window := s.tm.livenessWindow
		s.mu.Unlock()
		if !last.IsZero() && now.Sub(last) > window {
			s.log.Warn("liveness lost; no successful check inside silence window",
				logx.Time("last_live", last), logx.Duration("window", window), logx.Err(err))
			s.toDisconnected("liveness-lost")
			return
		}
		s.log.Debug("liveness check failed; within grace window", logx.Err(err))
		return
	}

	switch got {
	case LiveConnected:
		s.mu.Lock()
		s.lastLive = now
		s.mu.Unlock()
	case LiveDisconnected:
		s.toDisconnected("liveness-disconnected")
	default:
		// Observed but unknown-to-us states are recorded, not punished.
		s.mu.Lock()
		if next := ConnState(got); next.Valid() {
			s.setStateLocked(next)
		} else {
			s.log.Debug("unrecognized provider live state", logx.String("state", string(got)))
		}
		s.mu.Unlock()
	}
}

// monitorTick is the periodic sweep: artifact expiry, liveness
// revalidation, and opportunistic restart when nothing else will.
func (s *Supervisor) monitorTick(ctx context.Context) {
	s.mu.Lock()
	expired := false
	if s.state == StatePairingReady && s.autoRefresh && s.artifact != nil &&
		time.Since(s.artifact.GeneratedAt) > s.tm.artifactMaxAge {
		expired = true
		s.artifact = nil
		s.setStateLocked(StatePairingExpired)
	}
	live := s.state.Live()
	idle := s.provider == nil && !s.reconnectPending && !s.starting && !s.stopping
	s.mu.Unlock()

	if expired {
		s.log.Info("pairing artifact expired; regenerating session")
		s.teardown(ctx, StateDisconnected, false)
		s.scheduleReconnect()
		return
	}
	if live {
		s.CheckLiveness(ctx)
		return
	}
	if idle {
		n := s.bumpReconnectCount()
		s.log.Info("no session and no reconnect pending; starting", logx.Int("attempt", n))
		s.Start(ctx)
	}
}

// ---- event handlers ----

func (s *Supervisor) eventsFor(gen uint64) Events {
	return Events{
		PairingCode:   func(tok string) { s.onPairing(gen, tok) },
		Authenticated: func() { s.onAuthenticated(gen) },
		AuthFailed:    func(reason string) { s.onAuthFailed(gen, reason) },
		Ready:         func() { s.onReady(gen) },
		Disconnected:  func(reason string) { s.onDisconnected(gen, reason) },
		StateChanged: func(st LiveState) {
			if st == LiveDisconnected {
				s.onDisconnected(gen, "state-changed")
			}
		},
		Heartbeat: func(at time.Time) { s.onHeartbeat(gen, at) },
	}
}

func (s *Supervisor) onPairing(gen uint64, token string) {
	token = strings.TrimSpace(token)
	if len(token) < minPairingTokenLen {
		s.log.Debug("ignoring empty or malformed pairing token")
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.stopping {
		s.mu.Unlock()
		return
	}
	s.pairingEmits++
	emits := s.pairingEmits
	ctx := s.runCtx
	s.mu.Unlock()

	if emits > pairingBurstMax {
		s.log.Error("pairing emissions exceeded burst threshold; provider malfunction assumed",
			logx.Int("emissions", emits), logx.Int("threshold", pairingBurstMax))
		s.fatal("pairing-burst", fmt.Sprintf("%d pairing emissions without authentication", emits))
		s.teardown(ctx, StateDisconnected, false)
		s.scheduleReconnect()
		return
	}

	img, err := s.codec.EncodePairing(ctx, token)
	if err != nil {
		// Providers re-emit pairing data; wait for the next emission.
		s.log.Warn("pairing image encode failed", logx.Err(err))
		return
	}

	s.mu.Lock()
	if gen == s.gen && !s.stopping {
		s.artifact = &Artifact{Image: img, GeneratedAt: time.Now()}
		s.setStateLocked(StatePairingReady)
	}
	s.mu.Unlock()
}

func (s *Supervisor) onAuthenticated(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.artifact = nil
	s.pairingEmits = 0
	s.setStateLocked(StateAuthenticated)
	s.mu.Unlock()
}

func (s *Supervisor) onAuthFailed(gen uint64, reason string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	s.mu.Unlock()

	s.log.Warn("authentication failed", logx.String("reason", reason))
	s.fatal("auth-failed", reason)
	s.teardown(ctx, StateDisconnected, false)
	s.scheduleReconnect()
}

func (s *Supervisor) onReady(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	p := s.provider
	ctx := s.runCtx
	s.reconnectCount = 0
	s.lastLive = time.Now()
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	// Identity fetch must never block or undo the connected transition.
	id := Identity{ID: "unknown", DisplayName: "unknown"}
	if p != nil {
		if err := s.guard("identity", func() error {
			got, e := p.Identity(ctx)
			if e == nil {
				id = got
			}
			return e
		}); err != nil {
			s.log.Debug("identity fetch failed; using placeholders", logx.Err(err))
		}
	}

	s.mu.Lock()
	if gen == s.gen && s.state.Live() {
		s.identity = id
	}
	s.mu.Unlock()
	s.log.Info("session connected", logx.String("account", id.ID))
}

func (s *Supervisor) onDisconnected(gen uint64, reason string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.log.Warn("session disconnected", logx.String("reason", reason))
	s.toDisconnected(reason)
}

func (s *Supervisor) onHeartbeat(gen uint64, at time.Time) {
	s.mu.Lock()
	if gen == s.gen && s.state.Live() {
		if at.IsZero() {
			at = time.Now()
		}
		s.lastLive = at
	}
	s.mu.Unlock()
}

// ---- internals ----

// toDisconnected is the single disconnection path. Idempotent: while
// already disconnected with a reconnect pending it neither re-clears state
// nor schedules a second timer.
func (s *Supervisor) toDisconnected(reason string) {
	s.mu.Lock()
	if s.state == StateDisconnected && s.reconnectPending {
		s.mu.Unlock()
		return
	}
	s.artifact = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
	_ = reason
	s.scheduleReconnect()
}

// teardown destroys the current provider (awaited, best-effort), clears
// identity/artifact, and settles on the final state. Guarded so two
// overlapping teardowns cannot run.
func (s *Supervisor) teardown(ctx context.Context, final ConnState, fromStop bool) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		if fromStop {
			s.log.Debug("stop requested while teardown already in progress")
		}
		return
	}
	s.stopping = true
	p := s.provider
	s.provider = nil
	s.gen++ // invalidate events from the discarded provider
	s.identity = Identity{}
	s.artifact = nil
	s.pairingEmits = 0
	s.lastLive = time.Time{}
	s.mu.Unlock()

	if p != nil {
		if err := s.guard("destroy", func() error { return p.Destroy(ctx) }); err != nil {
			s.log.Warn("provider destroy failed", logx.Err(err))
		}
	}

	s.mu.Lock()
	s.stopping = false
	s.setStateLocked(final)
	s.mu.Unlock()
}

// scheduleReconnect arms the single pending reconnection slot. A no-op
// when a timer is already pending.
func (s *Supervisor) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnectPending {
		return
	}
	s.reconnectPending = true
	delay := s.tm.reconnectDelay
	s.reconnect = time.AfterFunc(delay, s.reinit)
	s.log.Info("reconnect scheduled", logx.Duration("delay", delay))
}

func (s *Supervisor) cancelReconnect(logIt bool) {
	s.mu.Lock()
	t := s.reconnect
	pending := s.reconnectPending
	s.reconnect = nil
	s.reconnectPending = false
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	if pending && logIt {
		s.log.Debug("pending reconnect canceled")
	}
}

// reinit fires from the reconnect timer: finish any leftover teardown,
// then attempt a fresh start.
func (s *Supervisor) reinit() {
	s.mu.Lock()
	s.reconnectPending = false
	s.reconnect = nil
	if s.state.Live() || s.starting {
		// The provider recovered (or a start raced us); nothing to do.
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	s.mu.Unlock()

	s.teardown(ctx, StateDisconnected, false)
	n := s.bumpReconnectCount()
	s.log.Info("reconnect attempt", logx.Int("attempt", n))
	s.Start(ctx)
}

func (s *Supervisor) bumpReconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectCount++
	n := s.reconnectCount
	if n > reconnectAdvisoryMax {
		// Advisory limit: warn, reset, keep trying.
		s.log.Warn("reconnect attempts exceeded advisory maximum; counter reset",
			logx.Int("attempts", n), logx.Int("max", reconnectAdvisoryMax))
		s.reconnectCount = 0
	}
	return n
}

func (s *Supervisor) setStateLocked(next ConnState) {
	if next == s.state {
		return
	}
	if !next.Live() {
		s.identity = Identity{}
	}
	s.log.Info("connection state", logx.String("from", string(s.state)), logx.String("to", string(next)))
	s.state = next
}

// guard wraps a provider/codec call so a panic inside an external
// implementation is converted into an error instead of crashing the process.
func (s *Supervisor) guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op, r)
			s.log.Error("provider call panicked",
				logx.String("op", op), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return fn()
}

func (s *Supervisor) fatal(event, detail string) {
	if s.onFatal != nil {
		s.onFatal(event, detail)
	}
}
