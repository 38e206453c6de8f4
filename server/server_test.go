package server

import (
	"cents-notifier/poll"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakePoller struct {
	last      poll.Result
	hasLast   bool
	pending   bool
	triggered int
}

func (p *fakePoller) Trigger() bool {
	if p.pending {
		return false
	}
	p.pending = true
	p.triggered++
	return true
}

func (p *fakePoller) LastResult() (poll.Result, bool) { return p.last, p.hasLast }

type fakeStore struct{ count int }

func (s fakeStore) Count(context.Context) int { return s.count }
func (s fakeStore) BackendName() string { return "sqlite" }

func newServer(p *fakePoller, webhook http.Handler) *Server {
	return New(&Config{
		Poller:      p,
		Store:       fakeStore{count: 3},
		Logger:      testLogger(),
		Webhook:     webhook,
		WebhookPath: "/telegram/abc",
	})
}

func TestHealth(t *testing.T) {
	h := newServer(&fakePoller{}, nil).Handler()

	tests := []struct {
		method string
		want   int
	}{
		{method: http.MethodGet, want: http.StatusOK},
		{method: http.MethodPost, want: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, "/health", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && !strings.Contains(rec.Body.String(), `"healthy"`) {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestStatus(t *testing.T) {
	p := &fakePoller{hasLast: true, last: poll.Result{Fetched: 12, Available: 2, New: 1, FetchOK: true}}
	h := newServer(p, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Subscribers != 3 || got.Storage != "sqlite" {
		t.Errorf("status = %+v, want 3 subscribers on sqlite", got)
	}
	if !got.CyclesStarted || got.LastCycle == nil || got.LastCycle.Fetched != 12 || got.LastCycle.Available != 2 {
		t.Errorf("last cycle = %+v", got.LastCycle)
	}
}

func TestStatusBeforeFirstCycle(t *testing.T) {
	h := newServer(&fakePoller{}, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if strings.Contains(rec.Body.String(), "last_cycle") {
		t.Errorf("body = %s, want no last_cycle", rec.Body.String())
	}
}

func TestPollTriggers(t *testing.T) {
	p := &fakePoller{}
	h := newServer(p, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", nil))
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), "triggered") {
		t.Errorf("first poll = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pollz", nil))
	if !strings.Contains(rec.Body.String(), "already pending") {
		t.Errorf("second poll body = %s", rec.Body.String())
	}
	if p.triggered != 1 {
		t.Errorf("triggered = %d, want 1", p.triggered)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pollz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /pollz = %d, want 405", rec.Code)
	}
}

func TestWebhookMounted(t *testing.T) {
	var got string
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
	})
	h := newServer(&fakePoller{}, webhook).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telegram/abc", strings.NewReader(`{"update_id":1}`)))
	if rec.Code != http.StatusOK || got != `{"update_id":1}` {
		t.Errorf("webhook = %d, body seen %q", rec.Code, got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telegram/abc", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET webhook = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telegram/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("wrong path = %d, want 404", rec.Code)
	}
}

func TestWebhookNotMountedWithoutHandler(t *testing.T) {
	h := newServer(&fakePoller{}, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telegram/abc", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListenAndServeShutsDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	s := newServer(&fakePoller{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, strconv.Itoa(port)) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() error = %v, want nil", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}
