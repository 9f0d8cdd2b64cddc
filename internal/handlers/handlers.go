// Package handlers provides HTTP request handlers for the control API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chatfilter-go/internal/metrics"
	"github.com/Rorqualx/chatfilter-go/internal/patterns"
	"github.com/Rorqualx/chatfilter-go/internal/security"
	"github.com/Rorqualx/chatfilter-go/internal/stats"
	"github.com/Rorqualx/chatfilter-go/internal/types"
	"github.com/Rorqualx/chatfilter-go/internal/watch"
	"github.com/Rorqualx/chatfilter-go/pkg/version"
)

// maxBodySize limits request bodies. Commands are tiny.
const maxBodySize = 64 << 10

// Watches is the subset of watch.Manager used by the API.
type Watches interface {
	Create(ctx context.Context, rawURL string) (*watch.Watch, error)
	List() []*watch.Watch
	Destroy(id string) error
	Count() int
}

// HealthChecker reports whether the browser is usable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// ReloadReporter exposes rules reload statistics.
type ReloadReporter interface {
	Stats() patterns.ReloadStats
}

// Handler handles all control API requests.
type Handler struct {
	watches Watches
	rules   patterns.Source
	stats   *stats.Recorder
	health  HealthChecker
	metrics http.Handler
}

// New creates a new Handler.
func New(watches Watches, rules patterns.Source, rec *stats.Recorder) *Handler {
	return &Handler{
		watches: watches,
		rules:   rules,
		stats:   rec,
	}
}

// WithHealthCheck makes /health report the browser state.
func (h *Handler) WithHealthCheck(hc HealthChecker) *Handler {
	h.health = hc
	return h
}

// WithMetrics serves /metrics from the API port.
func (h *Handler) WithMetrics(handler http.Handler) *Handler {
	h.metrics = handler
	return h
}

// ServeHTTP routes requests by path (implements http.Handler).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleHealth(w, r)
	case "/metrics":
		if h.metrics == nil {
			h.HandleNotFound(w, r)
			return
		}
		h.metrics.ServeHTTP(w, r)
	case "/", "/v1":
		if r.Method != http.MethodPost {
			h.HandleMethodNotAllowed(w, r)
			return
		}
		h.HandleAPI(w, r)
	default:
		h.HandleNotFound(w, r)
	}
}

// HandleHealth handles the /health endpoint.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if h.health != nil {
		if err := h.health.Healthy(r.Context()); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			h.writeErrorWithStatus(w, http.StatusServiceUnavailable, err.Error(), startTime)
			return
		}
	}

	resp := types.Response{
		Status:    types.StatusOK,
		Message:   "chatfilter is ready",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// HandleAPI handles the command endpoint.
func (h *Handler) HandleAPI(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("Failed to read request body")
		h.writeErrorWithStatus(w, http.StatusBadRequest, "Failed to read request", startTime)
		return
	}

	var req types.Request
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		h.writeErrorWithStatus(w, http.StatusBadRequest, "Invalid JSON request", startTime)
		return
	}

	log.Info().
		Str("cmd", req.Cmd).
		Str("url", security.RedactURL(req.URL)).
		Str("watch", req.Watch).
		Msg("Request received")

	if err := req.Validate(); err != nil {
		metrics.RecordRequest(commandLabel(req.Cmd), types.StatusError, time.Since(startTime))
		h.writeErrorWithStatus(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}

	h.routeCommand(w, r, &req, startTime)
}

// HandleMethodNotAllowed handles requests with unsupported HTTP methods.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusMethodNotAllowed, "Method not allowed", time.Now())
}

// HandleNotFound handles requests to unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithStatus(w, http.StatusNotFound, "Not found", time.Now())
}

// handleWatchCreate opens a new watch.
func (h *Handler) handleWatchCreate(w http.ResponseWriter, ctx context.Context, req *types.Request, startTime time.Time) {
	wt, err := h.watches.Create(ctx, req.URL)
	if err != nil {
		h.writeCommandError(w, req.Cmd, "Failed to create watch: "+err.Error(), statusFor(err), startTime)
		return
	}

	info := wt.Info()
	h.writeCommandOK(w, req.Cmd, types.Response{
		Message: "Watch created successfully",
		Watch:   &info,
	}, startTime)
}

// handleWatchList lists all open watches.
func (h *Handler) handleWatchList(w http.ResponseWriter, req *types.Request, startTime time.Time) {
	list := h.watches.List()
	infos := make([]types.WatchInfo, 0, len(list))
	for _, wt := range list {
		infos = append(infos, wt.Info())
	}

	h.writeCommandOK(w, req.Cmd, types.Response{
		Message: "Watch list retrieved",
		Watches: infos,
	}, startTime)
}

// handleWatchDestroy closes a watch.
func (h *Handler) handleWatchDestroy(w http.ResponseWriter, req *types.Request, startTime time.Time) {
	if err := h.watches.Destroy(req.Watch); err != nil {
		if errors.Is(err, types.ErrWatchNotFound) {
			h.writeCommandError(w, req.Cmd, "Failed to destroy watch: "+err.Error(), http.StatusNotFound, startTime)
			return
		}
		// The watch is gone even when detaching reported an error.
		log.Warn().Err(err).Str("watch", req.Watch).Msg("Watch destroyed with errors")
	}

	h.writeCommandOK(w, req.Cmd, types.Response{
		Message: "Watch destroyed successfully",
	}, startTime)
}

// handleRulesGet returns the active ruleset.
func (h *Handler) handleRulesGet(w http.ResponseWriter, req *types.Request, startTime time.Time) {
	d := h.rules.Get().Describe()
	info := &types.RulesInfo{
		BlockedPatterns:  d.BlockedPatterns,
		Hosts:            d.Hosts,
		ChatURLKeywords:  d.ChatURLKeywords,
		MessageSelectors: d.MessageSelectors,
		ContainerClasses: d.ContainerClasses,
		ContainerTags:    d.ContainerTags,
		HiddenClass:      d.HiddenClass,
		ContainerClass:   d.ContainerClass,
	}

	h.writeCommandOK(w, req.Cmd, types.Response{
		Message: "Rules retrieved",
		Rules:   info,
	}, startTime)
}

// statsPayload is the body of a stats.get reply.
type statsPayload struct {
	Watches int                   `json:"watches"`
	Filter  *stats.Snapshot       `json:"filter,omitempty"`
	Rules   *patterns.ReloadStats `json:"rules,omitempty"`
}

// handleStatsGet returns filter statistics.
func (h *Handler) handleStatsGet(w http.ResponseWriter, req *types.Request, startTime time.Time) {
	payload := statsPayload{Watches: h.watches.Count()}
	if h.stats != nil {
		snap := h.stats.Snapshot()
		payload.Filter = &snap
	}
	if rr, ok := h.rules.(ReloadReporter); ok {
		rs := rr.Stats()
		payload.Rules = &rs
	}

	h.writeCommandOK(w, req.Cmd, types.Response{
		Message: "Stats retrieved",
		Stats:   payload,
	}, startTime)
}

// statusFor maps watch errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidURL), errors.Is(err, types.ErrURLNotActivated):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrTooManyWatches):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrWatchManagerDown), errors.Is(err, types.ErrBrowserClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		var we *types.WatchError
		if errors.As(err, &we) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

// writeCommandOK fills the envelope of resp and writes it.
func (h *Handler) writeCommandOK(w http.ResponseWriter, cmd string, resp types.Response, startTime time.Time) {
	resp.Status = types.StatusOK
	resp.StartTime = startTime.UnixMilli()
	resp.EndTime = time.Now().UnixMilli()
	resp.Version = version.Full()
	metrics.RecordRequest(cmd, types.StatusOK, time.Since(startTime))
	h.writeJSONResponse(w, http.StatusOK, resp)
}

func (h *Handler) writeCommandError(w http.ResponseWriter, cmd, message string, statusCode int, startTime time.Time) {
	metrics.RecordRequest(cmd, types.StatusError, time.Since(startTime))
	h.writeErrorWithStatus(w, statusCode, message, startTime)
}

// writeErrorWithStatus writes an error response with a specific HTTP status code.
func (h *Handler) writeErrorWithStatus(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	resp := types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, statusCode, resp)
}

// writeJSONResponse buffers JSON before writing so encoding errors are
// caught before headers are sent.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}
