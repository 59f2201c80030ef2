package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wagate/internal/codec"
	"wagate/internal/session"
	logx "wagate/pkg/logx"
)

// Boundary rejections. Everything past Submit resolves to logged outcomes,
// never errors.
var (
	ErrEmptyJob     = errors.New("dispatch: empty job")
	ErrNotConnected = errors.New("dispatch: session not connected")
)

// SendRequest is one outbound item. Image (if any) is the raw payload the
// image codec turns into an attachment; it is not a rendered image yet.
type SendRequest struct {
	Target string `json:"target"`
	Text   string `json:"text"`
	Image  []byte `json:"image,omitempty"`
}

// FailReason tags a terminal per-item failure.
type FailReason string

const (
	FailInvalidAddress FailReason = "invalid-address"
	FailSendError      FailReason = "send-error"
)

type Failure struct {
	Target string     `json:"target"`
	Reason FailReason `json:"reason"`
}

// JobStatus is the aggregate outcome of one submitted job. Jobs are
// transient: the status map is the only record once a job finishes, and it
// is observable through logs and the optional audit ledger, not the HTTP
// contract.
type JobStatus struct {
	ID        string    `json:"id"`
	Total     int       `json:"total"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
	StartedAt time.Time `json:"started_at"`
	DoneAt    time.Time `json:"done_at"`
	Running   bool      `json:"running"`
}

// Sender is the slice of the session supervisor the engine needs.
type Sender interface {
	Send(ctx context.Context, target, text string, image []byte) error
	State() session.ConnState
}

// Config tunes pacing. Zero values fall back to defaults; the whole block
// hot-reloads via Apply.
type Config struct {
	// Workers bounds the in-batch fan-out. Batches themselves always run
	// strictly in sequence.
	Workers int

	BatchSize      int
	MediaBatchSize int

	RatePerSec  int
	MaxAttempts int

	AttemptDelay    time.Duration
	BatchDelay      time.Duration
	MediaBatchDelay time.Duration

	EncodeTimeout    time.Duration
	EncodeRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MediaBatchSize <= 0 || c.MediaBatchSize > c.BatchSize {
		c.MediaBatchSize = 8
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptDelay <= 0 {
		c.AttemptDelay = 2 * time.Second
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 10 * time.Second
	}
	if c.MediaBatchDelay <= 0 {
		c.MediaBatchDelay = 20 * time.Second
	}
	if c.EncodeTimeout <= 0 {
		c.EncodeTimeout = 8 * time.Second
	}
	if c.EncodeRetryDelay <= 0 {
		c.EncodeRetryDelay = time.Second
	}
	return c
}

type job struct {
	id        string
	items     []SendRequest
	createdAt time.Time
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	sender Sender
	enc    codec.Codec
	log    logx.Logger

	limiter *rate.Limiter
	queue   chan job
	stopCh  chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when
	// the runner fully exits.
	stopDone chan struct{}

	statusMu sync.RWMutex
	status   map[string]*JobStatus

	// onDone (optional) receives each finished job's aggregate for audit
	// persistence and alerting. Invoked from the runner goroutine.
	onDone func(JobStatus)

	runCtx    context.Context
	runCancel context.CancelFunc
	runnerWG  sync.WaitGroup

	seq uint64
}
