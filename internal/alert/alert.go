// Package alert pushes session-fatal events to an operator's Telegram chat.
// It is send-only and strictly best-effort: a failed or rate-dropped alert
// is logged and forgotten, never retried.
package alert

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "wagate/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerMin int
}

type Alerter struct {
	log logx.Logger

	mu      sync.Mutex
	bot     *tele.Bot
	chat    tele.ChatID
	limiter *rate.Limiter
	enabled bool
	dropped uint64
}

// New builds the alerter. A disabled or unconfigured alerter is returned as
// a functional no-op rather than an error so wiring stays unconditional.
func New(cfg Config, log logx.Logger) *Alerter {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Alerter{log: log}
	a.apply(cfg)
	return a
}

// Apply hot-reloads the alert configuration.
func (a *Alerter) Apply(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.apply(cfg)
}

func (a *Alerter) apply(cfg Config) {
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 6
	}
	a.limiter = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
	a.chat = tele.ChatID(cfg.ChatID)
	a.enabled = cfg.Enabled && strings.TrimSpace(cfg.Token) != "" && cfg.ChatID != 0
	if !a.enabled {
		a.bot = nil
		return
	}

	// Send-only: no poller, just the HTTP client.
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		a.log.Warn("alert channel unavailable", logx.Err(err))
		a.enabled = false
		a.bot = nil
		return
	}
	a.bot = b
}

// Notify sends one alert line. Over-rate alerts are dropped with a counter
// so a flapping session cannot flood the operator.
func (a *Alerter) Notify(ctx context.Context, event, detail string) {
	a.mu.Lock()
	enabled := a.enabled
	bot := a.bot
	chat := a.chat
	lim := a.limiter
	a.mu.Unlock()

	if !enabled || bot == nil {
		return
	}
	if !lim.Allow() {
		a.mu.Lock()
		a.dropped++
		n := a.dropped
		a.mu.Unlock()
		a.log.Debug("alert dropped by rate limit",
			logx.String("event", event), logx.Uint64("dropped_total", n))
		return
	}

	text := fmt.Sprintf("⚠️ %s", event)
	if strings.TrimSpace(detail) != "" {
		text += ": " + detail
	}

	go func() {
		if _, err := bot.Send(chat, text); err != nil {
			a.log.Warn("alert send failed", logx.String("event", event), logx.Err(err))
		}
	}()
	_ = ctx
}
