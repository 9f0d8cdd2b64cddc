package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Rorqualx/chatfilter-go/internal/middleware"
	"github.com/Rorqualx/chatfilter-go/internal/patterns"
	"github.com/Rorqualx/chatfilter-go/internal/stats"
	"github.com/Rorqualx/chatfilter-go/internal/types"
	"github.com/Rorqualx/chatfilter-go/internal/watch"
)

type testEnv struct {
	h        *Handler
	watches  *watch.Manager
	rec      *stats.Recorder
	detached atomic.Int32
}

// newTestEnv builds a handler over a watch manager whose watches attach
// to nothing.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{rec: stats.NewRecorder()}
	rules := patterns.NewStaticManager(patterns.Default())
	attach := watch.AttacherFunc(func(ctx context.Context, w *watch.Watch) (func() error, error) {
		return func() error {
			env.detached.Add(1)
			return nil
		}, nil
	})
	env.watches = watch.NewManager(rules, attach, 2)
	env.h = New(env.watches, rules, env.rec)
	t.Cleanup(func() { _ = env.watches.Close() })
	return env
}

func (env *testEnv) post(t *testing.T, body interface{}) (*httptest.ResponseRecorder, types.Response) {
	t.Helper()
	var data []byte
	switch b := body.(type) {
	case string:
		data = []byte(b)
	default:
		var err error
		data, err = json.Marshal(b)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
	}

	req := httptest.NewRequest("POST", "/v1", bytes.NewReader(data))
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, req)

	var resp types.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return w, resp
}

type failingHealth struct{}

func (failingHealth) Healthy(context.Context) error {
	return types.ErrBrowserUnhealthy
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp types.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Status != types.StatusOK {
		t.Errorf("Expected status 'ok', got %q", resp.Status)
	}
	if resp.Message != "chatfilter is ready" {
		t.Errorf("Unexpected message: %q", resp.Message)
	}
	if resp.Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	env := newTestEnv(t)
	env.h.WithHealthCheck(failingHealth{})

	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestRouting(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/v1", http.StatusMethodNotAllowed},
		{"PUT", "/", http.StatusMethodNotAllowed},
		{"POST", "/health", http.StatusMethodNotAllowed},
		{"GET", "/nope", http.StatusNotFound},
		{"GET", "/metrics", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.h.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestMetricsInline(t *testing.T) {
	env := newTestEnv(t)
	env.h.WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	}))

	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.String() != "# metrics" {
		t.Errorf("Expected inline metrics, got %d %q", w.Code, w.Body.String())
	}
}

func TestOptionsMethod(t *testing.T) {
	env := newTestEnv(t)
	handler := middleware.CORS(middleware.CORSConfig{AllowedOrigins: []string{"http://localhost"}})(env.h)

	req := httptest.NewRequest("OPTIONS", "/v1", nil)
	req.Header.Set("Origin", "http://localhost")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204 for OPTIONS, got %d", w.Code)
	}
}

func TestInvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.post(t, "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if resp.Status != types.StatusError || resp.Message != "Invalid JSON request" {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t)

	body := `{"cmd":"watch.list","url":"` + strings.Repeat("a", maxBodySize) + `"}`
	w, resp := env.post(t, body)
	if w.Code != http.StatusBadRequest || resp.Message != "Failed to read request" {
		t.Errorf("Expected read failure, got %d %q", w.Code, resp.Message)
	}
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  types.Request
		want string
	}{
		{"unknown command", types.Request{Cmd: "request.get"}, "Unknown command"},
		{"missing command", types.Request{}, "cmd failed validation"},
		{"create without url", types.Request{Cmd: types.CmdWatchCreate}, types.ErrURLRequired.Error()},
		{"destroy without watch", types.Request{Cmd: types.CmdWatchDestroy}, types.ErrWatchRequired.Error()},
		{"destroy with bad id", types.Request{Cmd: types.CmdWatchDestroy, Watch: "abc"}, "watch failed validation"},
		{"bad scheme", types.Request{Cmd: types.CmdWatchCreate, URL: "file:///etc/passwd"}, "url scheme must be http or https"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.post(t, tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
			if resp.Status != types.StatusError || !strings.Contains(resp.Message, tt.want) {
				t.Errorf("Expected error containing %q, got %+v", tt.want, resp)
			}
		})
	}
}

func TestWatchLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.post(t, types.Request{Cmd: types.CmdWatchCreate, URL: "https://steam.tv/csgo"})
	if w.Code != http.StatusOK || resp.Status != types.StatusOK {
		t.Fatalf("Create failed: %d %+v", w.Code, resp)
	}
	if resp.Watch == nil || resp.Watch.ID == "" || resp.Watch.Host != "steam.tv" {
		t.Fatalf("Unexpected watch info: %+v", resp.Watch)
	}
	id := resp.Watch.ID

	_, resp = env.post(t, types.Request{Cmd: types.CmdWatchList})
	if len(resp.Watches) != 1 || resp.Watches[0].ID != id {
		t.Errorf("Expected one listed watch %s, got %+v", id, resp.Watches)
	}

	w, resp = env.post(t, types.Request{Cmd: types.CmdWatchDestroy, Watch: id})
	if w.Code != http.StatusOK || resp.Status != types.StatusOK {
		t.Errorf("Destroy failed: %d %+v", w.Code, resp)
	}
	if env.detached.Load() != 1 {
		t.Errorf("Expected watch to be detached once, got %d", env.detached.Load())
	}

	w, resp = env.post(t, types.Request{Cmd: types.CmdWatchDestroy, Watch: id})
	if w.Code != http.StatusNotFound || resp.Status != types.StatusError {
		t.Errorf("Expected 404 for destroyed watch, got %d %+v", w.Code, resp)
	}
}

func TestWatchCreateErrors(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.post(t, types.Request{Cmd: types.CmdWatchCreate, URL: "https://example.com/"})
	if w.Code != http.StatusBadRequest || !strings.Contains(resp.Message, types.ErrURLNotActivated.Error()) {
		t.Errorf("Expected not-activated error, got %d %+v", w.Code, resp)
	}

	for i := 0; i < 2; i++ {
		if _, resp := env.post(t, types.Request{Cmd: types.CmdWatchCreate, URL: "https://steam.tv/"}); resp.Status != types.StatusOK {
			t.Fatalf("Create %d failed: %+v", i, resp)
		}
	}
	w, resp = env.post(t, types.Request{Cmd: types.CmdWatchCreate, URL: "https://steam.tv/"})
	if w.Code != http.StatusTooManyRequests || !strings.Contains(resp.Message, types.ErrTooManyWatches.Error()) {
		t.Errorf("Expected too-many-watches error, got %d %+v", w.Code, resp)
	}
}

func TestRulesGet(t *testing.T) {
	env := newTestEnv(t)

	_, resp := env.post(t, types.Request{Cmd: types.CmdRulesGet})
	if resp.Rules == nil {
		t.Fatal("Expected rules in response")
	}
	if len(resp.Rules.BlockedPatterns) != 1 || resp.Rules.BlockedPatterns[0] != "!drop" {
		t.Errorf("Unexpected blocked patterns: %v", resp.Rules.BlockedPatterns)
	}
	if resp.Rules.HiddenClass != "steamtv-filtered-message" {
		t.Errorf("Unexpected hidden class: %q", resp.Rules.HiddenClass)
	}
}

func TestStatsGet(t *testing.T) {
	env := newTestEnv(t)
	env.rec.RecordResponse("steam.tv", "fetch", 3, 2, nil)
	env.rec.RecordScan("steam.tv", 4, 1, nil)

	w := httptest.NewRecorder()
	env.h.ServeHTTP(w, httptest.NewRequest("POST", "/v1", strings.NewReader(`{"cmd":"stats.get"}`)))

	var raw struct {
		Status string `json:"status"`
		Stats  struct {
			Watches int `json:"watches"`
			Filter  struct {
				Hosts map[string]json.RawMessage `json:"hosts"`
			} `json:"filter"`
			Rules *struct {
				ReloadCount int64 `json:"reloadCount"`
			} `json:"rules"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if raw.Status != types.StatusOK {
		t.Fatalf("Expected ok, got %q", raw.Status)
	}
	if _, ok := raw.Stats.Filter.Hosts["steam.tv"]; !ok {
		t.Errorf("Expected steam.tv host stats, got %v", raw.Stats.Filter.Hosts)
	}
	if raw.Stats.Rules == nil {
		t.Error("Expected rules reload stats from the rules manager")
	}
}

func TestContentTypeHeader(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.post(t, types.Request{Cmd: types.CmdWatchList})
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %q", ct)
	}
}

func TestResponseTimestamps(t *testing.T) {
	env := newTestEnv(t)
	before := time.Now().UnixMilli()

	_, resp := env.post(t, types.Request{Cmd: types.CmdWatchList})

	after := time.Now().UnixMilli()
	if resp.StartTime < before || resp.StartTime > after {
		t.Errorf("StartTime %d outside [%d, %d]", resp.StartTime, before, after)
	}
	if resp.EndTime < resp.StartTime {
		t.Errorf("EndTime %d before StartTime %d", resp.EndTime, resp.StartTime)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrInvalidURL, http.StatusBadRequest},
		{types.ErrURLNotActivated, http.StatusBadRequest},
		{types.ErrTooManyWatches, http.StatusTooManyRequests},
		{types.ErrWatchManagerDown, http.StatusServiceUnavailable},
		{types.NewWatchError("navigate", "https://steam.tv/", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{types.NewWatchError("page", "https://steam.tv/", errors.New("boom")), http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
