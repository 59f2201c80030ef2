package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wagate/internal/dispatch"
	"wagate/internal/session"
)

type fakeSession struct {
	mu      sync.Mutex
	status  session.Status
	starts  int
	resets  int
	logouts int
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) Start(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
}

func (f *fakeSession) Reset(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeSession) LogoutAndReset(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
}

type fakeDispatcher struct {
	mu    sync.Mutex
	items []dispatch.SendRequest
	err   error
}

func (f *fakeDispatcher) Submit(items []dispatch.SendRequest) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", 0, f.err
	}
	if len(items) == 0 {
		return "", 0, dispatch.ErrEmptyJob
	}
	f.items = items
	return "job-test-1", len(items), nil
}

func newTestServer(fs *fakeSession, fd *fakeDispatcher) *Server {
	return NewServer(fs, fd, nil, Options{})
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{status: session.Status{
		State:          session.StateConnected,
		Identity:       session.Identity{ID: "12345@c.us", DisplayName: "Ops"},
		LastLiveness:   time.Now(),
		ReconnectCount: 2,
	}}
	srv := newTestServer(fs, &fakeDispatcher{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != session.StateConnected || resp.Identity == nil || resp.Identity.ID != "12345@c.us" {
		t.Fatalf("unexpected status payload: %+v", resp)
	}
	if resp.ReconnectCount != 2 || resp.PairingPending {
		t.Fatalf("unexpected status payload: %+v", resp)
	}
}

func TestLifecycleEndpointsAcknowledge(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{status: session.Status{State: session.StateDisconnected}}
	srv := newTestServer(fs, &fakeDispatcher{})

	for _, path := range []string{"/v1/start", "/v1/reset", "/v1/logout"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("%s: status code = %d, want 202", path, rec.Code)
		}

		rec = httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s: status code = %d, want 405", path, rec.Code)
		}
	}

	// The control calls run asynchronously; give them a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		fs.mu.Lock()
		done := fs.starts == 1 && fs.resets == 1 && fs.logouts == 1
		fs.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("control calls not observed: %+v", fs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendEndpoint(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{status: session.Status{State: session.StateConnected}}
	fd := &fakeDispatcher{}
	srv := newTestServer(fs, fd)

	body := `{"items":[{"target":"15551234567","text":"hi"},{"target":"15557654321","text":"yo"}]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/send", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp SendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Accepted != 2 || resp.Job == "" {
		t.Fatalf("unexpected ack: %+v", resp)
	}
	fd.mu.Lock()
	got := len(fd.items)
	fd.mu.Unlock()
	if got != 2 {
		t.Fatalf("dispatcher received %d items", got)
	}
}

func TestSendEndpointRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "malformed json", body: `{"items":`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"items":[],"extra":1}`, want: http.StatusBadRequest},
		{name: "empty items", body: `{"items":[]}`, want: http.StatusBadRequest},
		{name: "not connected", body: `{"items":[{"target":"15551234567","text":"x"}]}`,
			err: dispatch.ErrNotConnected, want: http.StatusConflict},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := &fakeSession{status: session.Status{State: session.StateConnected}}
			srv := newTestServer(fs, &fakeDispatcher{err: tc.err})

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/send", strings.NewReader(tc.body)))
			if rec.Code != tc.want {
				t.Fatalf("status code = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
			var apiErr APIError
			if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil || apiErr.Error == "" {
				t.Fatalf("error envelope missing: %s", rec.Body.String())
			}
		})
	}
}

func TestRootViews(t *testing.T) {
	t.Parallel()

	get := func(srv *Server) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		return rec
	}

	t.Run("pairing view shows inline image", func(t *testing.T) {
		t.Parallel()
		fs := &fakeSession{status: session.Status{
			State:    session.StatePairingReady,
			Artifact: &session.Artifact{Image: []byte("png-bytes"), GeneratedAt: time.Now()},
		}}
		rec := get(newTestServer(fs, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status code = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "data:image/png;base64,") {
			t.Fatal("pairing view missing inline image")
		}
	})

	t.Run("connected view shows identity", func(t *testing.T) {
		t.Parallel()
		fs := &fakeSession{status: session.Status{
			State:    session.StateConnected,
			Identity: session.Identity{ID: "12345@c.us", DisplayName: "Ops"},
		}}
		rec := get(newTestServer(fs, nil))
		if !strings.Contains(rec.Body.String(), "Ops") {
			t.Fatal("connected view missing identity")
		}
	})

	t.Run("other states self-refresh", func(t *testing.T) {
		t.Parallel()
		fs := &fakeSession{status: session.Status{State: session.StateInitializing}}
		rec := get(newTestServer(fs, nil))
		if !strings.Contains(rec.Body.String(), `http-equiv="refresh"`) {
			t.Fatal("waiting view missing refresh")
		}
	})

	t.Run("unknown path is 404", func(t *testing.T) {
		t.Parallel()
		fs := &fakeSession{status: session.Status{State: session.StateInitializing}}
		rec := httptest.NewRecorder()
		newTestServer(fs, nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status code = %d", rec.Code)
		}
	})
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	fs := &fakeSession{status: session.Status{State: session.StateConnected}}
	srv := newTestServer(fs, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["state"] != "connected" {
		t.Fatalf("unexpected health payload: %v", body)
	}
}
