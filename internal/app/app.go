// Package app wires the gateway's components together: config, logging,
// session supervisor, dispatch engine, HTTP surface, alerting, the audit
// ledger, and the maintenance schedule.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wagate/internal/alert"
	"wagate/internal/codec"
	"wagate/internal/config"
	"wagate/internal/dispatch"
	"wagate/internal/httpapi"
	rtsup "wagate/internal/runtime/supervisor"
	"wagate/internal/session"
	"wagate/internal/storage"
	logx "wagate/pkg/logx"
)

type Options struct {
	ConfigPath string

	// Factory builds the session provider. The wire client behind it is
	// pluggable; cmd/wagate wires the built-in development provider.
	Factory session.Factory

	// Codec renders pairing and attachment images. Nil selects the
	// built-in QR/PNG codec.
	Codec codec.Codec
}

type App struct {
	log  logx.Logger
	logs *logx.Service
	cfgm *config.Manager

	sup  *rtsup.Supervisor
	sess *session.Supervisor
	disp *dispatch.Service
	http *httpapi.Server
	alrt *alert.Alerter
	crn  *cron.Cron

	storeMu sync.Mutex
	store   storage.Store

	stopOnce sync.Once
}

func New(opts Options) (*App, error) {
	if opts.Factory == nil {
		return nil, errors.New("app: session provider factory is required")
	}
	enc := opts.Codec
	if enc == nil {
		enc = codec.Default()
	}

	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logxConfig(cfg.Logging))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{log: log, logs: logs, cfgm: cfgm}

	// The audit ledger is optional observability: a broken ledger is
	// logged, it never blocks startup.
	if st, err := storage.Open(storageConfig(cfg.Storage), log.With(logx.String("comp", "storage"))); err != nil {
		log.Warn("audit ledger unavailable", logx.Err(err))
	} else {
		a.store = st
	}

	a.alrt = alert.New(alertConfig(cfg.Alert), log.With(logx.String("comp", "alert")))

	a.sess = session.New(opts.Factory, enc,
		session.Config{AutoRefreshPairing: autoRefresh(cfg.Session)},
		log.With(logx.String("comp", "session")))
	a.sess.SetFatalHook(a.onSessionFatal)

	dcfg, err := dispatchConfig(cfg.Dispatch)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.disp = dispatch.New(dcfg, a.sess, enc, log.With(logx.String("comp", "dispatch")))
	a.disp.SetDoneHook(a.onJobDone)

	hopts, err := httpOptions(cfg.HTTP)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	a.crn = cron.New()
	a.registerMaintenance(cfg)

	// Reload safety: a config that fails these checks is rejected before
	// commit, keeping the last good config live.
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := dispatchConfig(c.Dispatch); err != nil {
			return err
		}
		if _, err := httpOptions(c.HTTP); err != nil {
			return err
		}
		if c.Storage != nil {
			if _, err := config.ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 0); err != nil {
				return err
			}
		}
		return nil
	})

	hopts.Logger = log.With(logx.String("comp", "http"))
	// The runtime supervisor is created in Start (it owns the run context);
	// the HTTP server gets it injected there.
	a.http = httpapi.NewServer(a.sess, a.disp, nil, hopts)

	return a, nil
}

// Start launches every component under one runtime supervisor. It returns
// immediately; use Done/Err and Stop.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "runtime"))))
	runCtx := a.sup.Context()

	// Recreate the HTTP server now that counters exist to expose.
	a.http = httpapi.NewServer(a.sess, a.disp, a.sup, a.httpOpts())

	// Run loops under the restarting variant: a panic in the monitor must
	// not leave the gateway with no supervisor loop.
	a.sup.GoRestart("session.run", a.sess.Run)
	a.disp.Start(runCtx)
	a.http.Start()
	a.crn.Start()

	ch := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(ch)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-ch:
				if !ok {
					return
				}
				a.applyReload(last, cfg)
				last = cfg
			}
		}
	})
	// The fsnotify watcher can die when the config directory is replaced;
	// restart it with a gentle backoff instead of losing hot reload.
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(time.Second, time.Minute))

	a.log.Info("gateway started")
	return nil
}

// Done is closed when the runtime context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop shuts the gateway down in dependency order, bounding each step so
// one stuck component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context) {
	a.stopOnce.Do(func() { a.stop(ctx) })
}

func (a *App) stop(ctx context.Context) {
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				return
			}
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("http", 3*time.Second, a.http.Stop)
	step("cron", 2*time.Second, func(c context.Context) error {
		stopped := a.crn.Stop()
		select {
		case <-stopped.Done():
		case <-c.Done():
		}
		return nil
	})
	step("dispatch", 5*time.Second, func(c context.Context) error {
		a.disp.Stop(c)
		return nil
	})

	// Stop cancels the runtime context, which drives the session supervisor
	// through its own teardown inside Run, then waits for every goroutine.
	if a.sup != nil {
		step("runtime", 5*time.Second, a.sup.Stop)
	}

	a.storeMu.Lock()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("audit ledger close failed", logx.Err(err))
		}
		a.store = nil
	}
	a.storeMu.Unlock()

	a.log.Info("gateway stopped")
	_ = a.logs.Close()
}

func (a *App) httpOpts() httpapi.Options {
	opts, _ := httpOptions(a.cfgm.Get().HTTP)
	opts.Logger = a.log.With(logx.String("comp", "http"))
	return opts
}

func (a *App) ledger() storage.Store {
	a.storeMu.Lock()
	defer a.storeMu.Unlock()
	return a.store
}

func (a *App) onSessionFatal(event, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.alrt.Notify(ctx, event, detail)
	if st := a.ledger(); st != nil {
		if err := st.AppendSession(ctx, storage.SessionEvent{Event: event, Detail: detail}); err != nil {
			a.log.Debug("session event append failed", logx.Err(err))
		}
	}
}

func (a *App) onJobDone(js dispatch.JobStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if st := a.ledger(); st != nil {
		rec := storage.JobRecord{
			At:        js.DoneAt,
			JobID:     js.ID,
			Total:     js.Total,
			Delivered: js.Delivered,
			Failed:    js.Failed,
		}
		if !js.StartedAt.IsZero() && !js.DoneAt.IsZero() {
			rec.TookMS = js.DoneAt.Sub(js.StartedAt).Milliseconds()
		}
		if len(js.Failures) > 0 {
			if b, err := json.Marshal(js.Failures); err == nil {
				rec.FailuresJSON = string(b)
			}
		}
		if err := st.AppendJob(ctx, rec); err != nil {
			a.log.Debug("job record append failed", logx.Err(err))
		}
	}

	if js.Failed > 0 {
		a.alrt.Notify(ctx, "dispatch-failures",
			fmt.Sprintf("job %s: %d of %d failed", js.ID, js.Failed, js.Total))
	}
}

func (a *App) registerMaintenance(cfg *config.Config) {
	scfg := storageConfig(cfg.Storage)

	_, _ = a.crn.AddFunc("@hourly", func() {
		st := a.ledger()
		if st == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cutoff := time.Now().Add(-scfg.RetainFor())
		if err := st.Prune(ctx, cutoff); err != nil {
			a.log.Warn("audit ledger prune failed", logx.Err(err))
		}
	})

	_, _ = a.crn.AddFunc("@daily", func() {
		st := a.ledger()
		if st == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		jobs, err := st.RecentJobs(ctx, 200)
		if err != nil {
			a.log.Warn("daily summary query failed", logx.Err(err))
			return
		}
		var total, delivered, failed int
		since := time.Now().Add(-24 * time.Hour)
		for _, j := range jobs {
			if j.At.Before(since) {
				continue
			}
			total += j.Total
			delivered += j.Delivered
			failed += j.Failed
		}
		a.log.Info("daily dispatch summary",
			logx.Int("items", total), logx.Int("delivered", delivered), logx.Int("failed", failed),
			logx.String("state", string(a.sess.State())))
	})
}

func (a *App) applyReload(old, cfg *config.Config) {
	changed := config.ChangedSections(old, cfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("applying config reload", logx.Any("sections", changed))

	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(logxConfig(cfg.Logging))
		case "dispatch":
			dcfg, err := dispatchConfig(cfg.Dispatch)
			if err != nil {
				// Validator should have caught this; keep the old pacing.
				a.log.Warn("dispatch reload skipped", logx.Err(err))
				continue
			}
			a.disp.Apply(dcfg)
		case "alert":
			a.alrt.Apply(alertConfig(cfg.Alert))
		case "session":
			a.sess.SetAutoRefresh(autoRefresh(cfg.Session))
		case "http", "storage":
			a.log.Info("section change requires restart", logx.String("section", section))
		}
	}
}
