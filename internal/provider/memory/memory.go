// Package memory is an in-process session provider for development and
// integration testing. It walks the full pairing handshake on a timer and
// accepts every send, so the gateway can be exercised end to end without a
// remote account.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"wagate/internal/session"
	logx "wagate/pkg/logx"
)

type Options struct {
	// PairDelay is how long after Initialize the pairing token is emitted.
	PairDelay time.Duration
	// AuthDelay is how long after the pairing emission the session
	// authenticates and becomes ready.
	AuthDelay time.Duration
	// AccountID is the identity reported once connected.
	AccountID   string
	DisplayName string
}

func (o Options) withDefaults() Options {
	if o.PairDelay <= 0 {
		o.PairDelay = 2 * time.Second
	}
	if o.AuthDelay <= 0 {
		o.AuthDelay = 10 * time.Second
	}
	if o.AccountID == "" {
		o.AccountID = "10000000000@c.us"
	}
	if o.DisplayName == "" {
		o.DisplayName = "dev account"
	}
	return o
}

// Factory returns a session.Factory producing memory providers. Pairing
// state is remembered across providers from the same factory, so a
// reconnect skips straight to ready the way a real paired account does.
func Factory(opts Options, log logx.Logger) session.Factory {
	opts = opts.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	shared := &pairingState{}
	return func(_ context.Context, ev session.Events) (session.Provider, error) {
		return &provider{opts: opts, log: log, ev: ev, shared: shared}, nil
	}
}

type pairingState struct {
	mu     sync.Mutex
	paired bool
}

type provider struct {
	opts   Options
	log    logx.Logger
	ev     session.Events
	shared *pairingState

	mu        sync.Mutex
	cancel    context.CancelFunc
	connected bool
	destroyed bool
}

func (p *provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return errors.New("provider destroyed")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()
	_ = ctx

	go p.run(runCtx)
	return nil
}

func (p *provider) run(ctx context.Context) {
	p.shared.mu.Lock()
	paired := p.shared.paired
	p.shared.mu.Unlock()

	if !paired {
		if !sleep(ctx, p.opts.PairDelay) {
			return
		}
		token := randomToken()
		p.log.Debug("emitting pairing token", logx.String("token", token))
		if p.ev.PairingCode != nil {
			p.ev.PairingCode(token)
		}
		if !sleep(ctx, p.opts.AuthDelay) {
			return
		}
		p.shared.mu.Lock()
		p.shared.paired = true
		p.shared.mu.Unlock()
		if p.ev.Authenticated != nil {
			p.ev.Authenticated()
		}
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	if p.ev.Ready != nil {
		p.ev.Ready()
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if p.ev.Heartbeat != nil {
				p.ev.Heartbeat(now)
			}
		}
	}
}

func (p *provider) LiveState(context.Context) (session.LiveState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return "", errors.New("provider destroyed")
	}
	if p.connected {
		return session.LiveConnected, nil
	}
	return session.LiveDisconnected, nil
}

func (p *provider) Send(_ context.Context, target, text string, image []byte) error {
	p.mu.Lock()
	connected := p.connected && !p.destroyed
	p.mu.Unlock()
	if !connected {
		return errors.New("not connected")
	}
	p.log.Info("dev send",
		logx.String("target", target), logx.Int("text_len", len(text)), logx.Int("image_len", len(image)))
	return nil
}

func (p *provider) Identity(context.Context) (session.Identity, error) {
	return session.Identity{ID: p.opts.AccountID, DisplayName: p.opts.DisplayName}, nil
}

func (p *provider) Logout(context.Context) error {
	p.shared.mu.Lock()
	p.shared.paired = false
	p.shared.mu.Unlock()
	return nil
}

func (p *provider) Destroy(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	p.connected = false
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func randomToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}
