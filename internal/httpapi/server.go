// Package httpapi hosts the gateway's HTTP surface: the JSON control plane
// under /v1 and the operator HTML views at the root.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"wagate/internal/dispatch"
	"wagate/internal/runtime/supervisor"
	"wagate/internal/session"
	logx "wagate/pkg/logx"
)

// Route prefixing is explicit to allow non-breaking additions.
const (
	APIVersion     = "v1"
	DefaultAddress = "127.0.0.1:8799"
)

// SessionControl is the slice of the session supervisor the HTTP layer
// drives. Mutating calls run asynchronously; handlers acknowledge intent.
type SessionControl interface {
	Status() session.Status
	Start(ctx context.Context)
	Reset(ctx context.Context)
	LogoutAndReset(ctx context.Context)
}

// Dispatcher accepts bulk send jobs.
type Dispatcher interface {
	Submit(items []dispatch.SendRequest) (string, int, error)
}

// Options configures the HTTP server.
// Timeouts are conservative defaults suitable for a local control-plane
// server.
type Options struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	Logger            logx.Logger
}

type Server struct {
	http    *http.Server
	sess    SessionControl
	disp    Dispatcher
	runtime *supervisor.Supervisor // health counters; may be nil
	log     logx.Logger
	opts    Options
}

// NewServer wires the HTTP surface. The server does not start listening
// until Start is called.
func NewServer(sess SessionControl, disp Dispatcher, rt *supervisor.Supervisor, opts Options) *Server {
	if sess == nil {
		panic("httpapi.NewServer: session control is nil")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddress
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 2 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}

	mux := http.NewServeMux()
	s := &Server{
		sess:    sess,
		disp:    disp,
		runtime: rt,
		log:     opts.Logger,
		opts:    opts,
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           withAccessLog(mux, opts.Logger),
			ReadTimeout:       opts.ReadTimeout,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			WriteTimeout:      opts.WriteTimeout,
			IdleTimeout:       opts.IdleTimeout,
			BaseContext: func(l net.Listener) context.Context {
				return context.Background()
			},
		},
	}

	mux.HandleFunc("/"+APIVersion+"/healthz", s.handleHealthz)
	mux.HandleFunc("/"+APIVersion+"/status", s.handleStatus)
	mux.HandleFunc("/"+APIVersion+"/start", s.handleStart)
	mux.HandleFunc("/"+APIVersion+"/reset", s.handleReset)
	mux.HandleFunc("/"+APIVersion+"/logout", s.handleLogout)
	mux.HandleFunc("/"+APIVersion+"/send", s.handleSend)
	mux.HandleFunc("/", s.handleRoot)

	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start begins serving in a background goroutine; use Stop for graceful
// shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info("http listening", logx.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http serve failed", logx.Err(err))
		}
	}()
}

// Stop gracefully shuts down the server, waiting up to ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	timeout := s.opts.ShutdownTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	body := map[string]any{
		"status":    "ok",
		"state":     string(s.sess.Status().State),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.runtime != nil {
		body["goroutines"] = s.runtime.Counters()
		if err := s.runtime.Err(); err != nil {
			body["first_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, statusFromSession(s.sess.Status()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	go s.sess.Start(context.Background())
	writeAck(w, "starting")
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	go s.sess.Reset(context.Background())
	writeAck(w, "resetting")
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	go s.sess.LogoutAndReset(context.Background())
	writeAck(w, "logging_out")
}

// handleSend accepts a bulk dispatch job.
// Method: POST
// Request: SendRequest JSON (unknown fields rejected)
// Response (202): SendResponse (acceptance only, no delivery outcome)
// Errors:
//   - 400 for malformed JSON or an empty item list
//   - 409 while the session is not connected
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.disp == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch engine not running")
		return
	}

	var req SendRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	items := make([]dispatch.SendRequest, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, dispatch.SendRequest{Target: it.Target, Text: it.Text, Image: it.Image})
	}

	id, n, err := s.disp.Submit(items)
	switch {
	case errors.Is(err, dispatch.ErrEmptyJob):
		writeError(w, http.StatusBadRequest, "items is required")
		return
	case errors.Is(err, dispatch.ErrNotConnected):
		writeError(w, http.StatusConflict, "session not connected")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, SendResponse{Accepted: n, Job: id})
}

// Access log middleware. No CORS or auth because this is a local
// control-plane service.
func withAccessLog(next http.Handler, log logx.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("http request",
			logx.String("method", r.Method), logx.String("path", r.URL.Path),
			logx.Duration("took", time.Since(start)))
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func writeAck(w http.ResponseWriter, status string) {
	writeJSON(w, http.StatusAccepted, AckResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIError{
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
