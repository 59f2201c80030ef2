package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"wagate/internal/codec"
	logx "wagate/pkg/logx"
)

func New(cfg Config, sender Sender, enc codec.Codec, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		enc:     codec.WithTimeout(enc, cfg.EncodeTimeout),
		log:     log,
		limiter: newLimiter(cfg.RatePerSec),
		queue:   make(chan job, 64),
		status:  map[string]*JobStatus{},
	}
}

// newLimiter builds the send pacer. Burst must cover the two-token media
// reservation even at rate 1.
func newLimiter(perSec int) *rate.Limiter {
	burst := perSec
	if burst < 2 {
		burst = 2
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// SetDoneHook installs the finished-job callback (audit/alerts). Call
// before Start.
func (s *Service) SetDoneHook(fn func(JobStatus)) { s.onDone = fn }

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter = newLimiter(cfg.RatePerSec)
}

// Submit accepts an ordered job for asynchronous delivery. It validates
// only the boundary preconditions (non-empty, session usable) and returns
// before any delivery happens. The returned job id is for log correlation;
// there is intentionally no per-job result channel back to the caller.
func (s *Service) Submit(items []SendRequest) (string, int, error) {
	if len(items) == 0 {
		return "", 0, ErrEmptyJob
	}
	if !s.sender.State().Live() {
		return "", 0, ErrNotConnected
	}

	j := job{
		id:        fmt.Sprintf("job-%d-%d", time.Now().UnixMilli(), atomic.AddUint64(&s.seq, 1)),
		items:     append([]SendRequest(nil), items...),
		createdAt: time.Now(),
	}

	s.statusMu.Lock()
	s.status[j.id] = &JobStatus{ID: j.id, Total: len(j.items)}
	s.statusMu.Unlock()

	// Accept in full: admission never blocks or rejects on depth; pacing
	// happens downstream in the runner.
	select {
	case s.queue <- j:
	default:
		s.log.Warn("dispatch queue full; enqueueing asynchronously", logx.String("job", j.id))
		go func() { s.queue <- j }()
	}

	s.log.Info("dispatch job accepted",
		logx.String("job", j.id), logx.Int("items", len(j.items)))
	return j.id, len(j.items), nil
}

// Status returns a copy of a job's aggregate status.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.status[id]
	if st == nil {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]Failure(nil), st.Failures...)
	return cp, true
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double runners).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	// keep queue across restarts (jobs remain pending)
	queue := s.queue
	stopCh := s.stopCh
	runCtx := s.runCtx

	s.runnerWG.Add(1)
	go func() {
		defer s.runnerWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in dispatch runner", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		s.runner(runCtx, stopCh, queue)
	}()

	s.log.Info("dispatch engine started",
		logx.Int("batch_size", s.cfg.BatchSize), logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.runnerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("dispatch engine stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}
