package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	logx "wagate/pkg/logx"
)

// maxJitter spreads intra-batch sends a little so a batch does not hit the
// provider as a metronome.
const maxJitter = 250 * time.Millisecond

func (s *Service) runner(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execJob(ctx, stopCh, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, stopCh <-chan struct{}, j job) {
	start := time.Now()
	s.setRunning(j.id)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	batches := partition(j.items, cfg.BatchSize, cfg.MediaBatchSize)
	s.log.Info("dispatch job started",
		logx.String("job", j.id), logx.Int("items", len(j.items)), logx.Int("batches", len(batches)))

	for i, b := range batches {
		if ctx.Err() != nil {
			s.log.Warn("dispatch job abandoned (shutdown); remaining items lost",
				logx.String("job", j.id), logx.Int("batch", i))
			return
		}
		s.execBatch(ctx, j.id, i, b, cfg)

		// Inter-batch delay, skipped after the final batch. Batches with an
		// attachment use the stricter profile.
		if i < len(batches)-1 {
			delay := cfg.BatchDelay
			if batchHasMedia(b) {
				delay = cfg.MediaBatchDelay
			}
			if !sleepCtx(ctx, stopCh, delay) {
				s.log.Warn("dispatch job abandoned (shutdown); remaining items lost",
					logx.String("job", j.id), logx.Int("batch", i+1))
				return
			}
		}
	}

	st := s.finish(j.id)
	fields := []logx.Field{
		logx.String("job", j.id),
		logx.Int("total", st.Total),
		logx.Int("delivered", st.Delivered),
		logx.Int("failed", st.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	if st.Failed > 0 {
		s.log.Warn("dispatch job finished with failures", fields...)
	} else {
		s.log.Info("dispatch job finished", fields...)
	}
	if s.onDone != nil {
		s.onDone(st)
	}
}

// execBatch runs one batch with bounded fan-out and returns only once every
// item has reached a terminal outcome. That barrier is what keeps batches
// strictly sequential.
func (s *Service) execBatch(ctx context.Context, jobID string, idx int, items []SendRequest, cfg Config) {
	workers := cfg.Workers
	if workers > len(items) {
		workers = len(items)
	}

	ch := make(chan SendRequest)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for it := range ch {
				s.deliverOne(ctx, jobID, it, cfg)
			}
		}()
	}
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		ch <- it
	}
	close(ch)
	wg.Wait()

	s.log.Info("dispatch batch finished",
		logx.String("job", jobID), logx.Int("batch", idx), logx.Int("size", len(items)))
}

func (s *Service) deliverOne(ctx context.Context, jobID string, it SendRequest, cfg Config) {
	target, err := NormalizeTarget(it.Target)
	if err != nil {
		s.log.Debug("rejecting unroutable target",
			logx.String("job", jobID), logx.String("target", it.Target), logx.Err(err))
		s.markFailed(jobID, it.Target, FailInvalidAddress)
		return
	}

	var image []byte
	if len(it.Image) > 0 {
		image = s.encodeWithFallback(ctx, jobID, it.Image, cfg)
	}

	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	// An attachment send consumes two tokens, halving its effective rate.
	// An item degraded to text-only by encode failure paces as text.
	tokens := 1
	if len(image) > 0 {
		tokens = 2
	}

	var last error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if lim != nil {
			if err := lim.WaitN(ctx, tokens); err != nil {
				s.markFailed(jobID, target, FailSendError)
				return
			}
		}
		if !sleepCtx(ctx, nil, time.Duration(rand.Int63n(int64(maxJitter)))) {
			s.markFailed(jobID, target, FailSendError)
			return
		}

		err := s.sender.Send(ctx, target, it.Text, image)
		if err == nil {
			s.markDelivered(jobID)
			return
		}
		last = err
		if attempt == cfg.MaxAttempts {
			break
		}
		s.log.Debug("send retry scheduled",
			logx.String("job", jobID), logx.String("target", target),
			logx.Int("attempt", attempt+1), logx.Duration("delay", cfg.AttemptDelay), logx.Err(err))
		if !sleepCtx(ctx, nil, cfg.AttemptDelay) {
			s.markFailed(jobID, target, FailSendError)
			return
		}
	}

	s.log.Warn("send failed; attempts exhausted",
		logx.String("job", jobID), logx.String("target", target),
		logx.Int("attempts", cfg.MaxAttempts), logx.Err(last))
	s.markFailed(jobID, target, FailSendError)
}

// encodeWithFallback asks the codec for an attachment image with a bounded
// wait, retries the encode once, then falls back to text-only (nil image).
func (s *Service) encodeWithFallback(ctx context.Context, jobID string, payload []byte, cfg Config) []byte {
	img, err := s.enc.EncodeAttachment(ctx, payload)
	if err == nil {
		return img
	}
	s.log.Debug("attachment encode failed; retrying once",
		logx.String("job", jobID), logx.Err(err))
	if !sleepCtx(ctx, nil, cfg.EncodeRetryDelay) {
		return nil
	}
	img, err = s.enc.EncodeAttachment(ctx, payload)
	if err == nil {
		return img
	}
	s.log.Warn("attachment encode failed twice; sending text only",
		logx.String("job", jobID), logx.Err(err))
	return nil
}

// partition splits items into ordered batches. A batch holding any
// attachment item is capped at the stricter media size; a media item never
// joins a batch that is already past that cap.
func partition(items []SendRequest, textCap, mediaCap int) [][]SendRequest {
	var (
		out      [][]SendRequest
		cur      []SendRequest
		hasMedia bool
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, cur)
			cur = nil
			hasMedia = false
		}
	}
	for _, it := range items {
		media := len(it.Image) > 0
		if media && len(cur) >= mediaCap {
			flush()
		}
		cur = append(cur, it)
		if media {
			hasMedia = true
		}
		limit := textCap
		if hasMedia {
			limit = mediaCap
		}
		if len(cur) >= limit {
			flush()
		}
	}
	flush()
	return out
}

func batchHasMedia(items []SendRequest) bool {
	for _, it := range items {
		if len(it.Image) > 0 {
			return true
		}
	}
	return false
}

// sleepCtx waits for d, aborting early on ctx cancellation or stop signal.
// Returns false when the wait was aborted. stopCh may be nil.
func sleepCtx(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}

// ---- status bookkeeping ----

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.StartedAt = time.Now()
		st.Running = true
	}
}

func (s *Service) markDelivered(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Delivered++
	}
}

func (s *Service) markFailed(id, target string, reason FailReason) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Failed++
		if len(st.Failures) < 200 {
			st.Failures = append(st.Failures, Failure{Target: target, Reason: reason})
		}
	}
}

func (s *Service) finish(id string) JobStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status[id]
	if st == nil {
		return JobStatus{ID: id}
	}
	st.DoneAt = time.Now()
	st.Running = false
	cp := *st
	cp.Failures = append([]Failure(nil), st.Failures...)
	return cp
}
