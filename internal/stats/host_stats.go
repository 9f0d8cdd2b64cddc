// Package stats tracks per-host filter activity for both pipelines.
package stats

import (
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/Rorqualx/chatfilter-go/internal/metrics"
)

// maxHosts is the maximum number of hosts to track before LRU eviction.
const maxHosts = 1000

// evictionBatchSize is the number of hosts to evict at once.
const evictionBatchSize = 10

// HostStats tracks filter activity for a single host.
type HostStats struct {
	mu sync.RWMutex

	// Network interceptor
	Responses       int64
	Filtered        int64
	PassedThrough   int64
	MessagesKept    int64
	MessagesDropped int64
	ByPrimitive     map[string]int64

	// DOM marker
	Scans            int64
	ScanErrors       int64
	ElementsHidden   int64
	ContainersMarked int64

	LastDrop   time.Time
	LastAccess time.Time // For LRU eviction
}

// HostStatsJSON is a point-in-time copy of HostStats.
type HostStatsJSON struct {
	Responses        int64            `json:"responses"`
	Filtered         int64            `json:"filtered"`
	PassedThrough    int64            `json:"passedThrough"`
	MessagesKept     int64            `json:"messagesKept"`
	MessagesDropped  int64            `json:"messagesDropped"`
	ByPrimitive      map[string]int64 `json:"byPrimitive,omitempty"`
	Scans            int64            `json:"scans"`
	ScanErrors       int64            `json:"scanErrors"`
	ElementsHidden   int64            `json:"elementsHidden"`
	ContainersMarked int64            `json:"containersMarked"`
	LastDrop         *time.Time       `json:"lastDrop,omitempty"`
}

// ToJSON returns a snapshot of s.
func (s *HostStats) ToJSON() HostStatsJSON {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := HostStatsJSON{
		Responses:        s.Responses,
		Filtered:         s.Filtered,
		PassedThrough:    s.PassedThrough,
		MessagesKept:     s.MessagesKept,
		MessagesDropped:  s.MessagesDropped,
		Scans:            s.Scans,
		ScanErrors:       s.ScanErrors,
		ElementsHidden:   s.ElementsHidden,
		ContainersMarked: s.ContainersMarked,
	}
	if len(s.ByPrimitive) > 0 {
		out.ByPrimitive = make(map[string]int64, len(s.ByPrimitive))
		for k, v := range s.ByPrimitive {
			out.ByPrimitive[k] = v
		}
	}
	if !s.LastDrop.IsZero() {
		last := s.LastDrop
		out.LastDrop = &last
	}
	return out
}

// Snapshot is the aggregate view returned by Recorder.Snapshot.
type Snapshot struct {
	StartedAt time.Time                `json:"startedAt"`
	Uptime    string                   `json:"uptime"`
	Totals    HostStatsJSON            `json:"totals"`
	Hosts     map[string]HostStatsJSON `json:"hosts"`
}

// Recorder collects filter statistics per host and mirrors them into
// Prometheus. It is safe for concurrent use.
type Recorder struct {
	mu        sync.RWMutex
	hosts     map[string]*HostStats
	startedAt time.Time
	now       func() time.Time
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		hosts:     make(map[string]*HostStats),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// ExtractHost extracts the host name from a URL.
func ExtractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// RecordResponse records one chat response seen by the interceptor.
// A non-nil err means the body was passed through unfiltered.
func (r *Recorder) RecordResponse(host, primitive string, kept, dropped int, err error) {
	outcome := "filtered"
	if err != nil {
		outcome = "passthrough"
	}
	metrics.RecordResponse(primitive, outcome, dropped)

	s := r.getOrCreate(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Responses++
	if err != nil {
		s.PassedThrough++
	} else {
		s.Filtered++
	}
	s.MessagesKept += int64(kept)
	s.MessagesDropped += int64(dropped)
	if s.ByPrimitive == nil {
		s.ByPrimitive = make(map[string]int64)
	}
	s.ByPrimitive[primitive]++
	if dropped > 0 {
		s.LastDrop = r.now()
	}
}

// RecordScan records one DOM marker pass on host.
func (r *Recorder) RecordScan(host string, hidden, containers int, err error) {
	metrics.RecordScan(hidden, containers)

	s := r.getOrCreate(host)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Scans++
	if err != nil {
		s.ScanErrors++
	}
	s.ElementsHidden += int64(hidden)
	s.ContainersMarked += int64(containers)
	if hidden > 0 {
		s.LastDrop = r.now()
	}
}

// Get returns the stats for host, or nil if none were recorded.
func (r *Recorder) Get(host string) *HostStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hosts[host]
}

// Snapshot returns per-host stats and their totals.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	hosts := make(map[string]*HostStats, len(r.hosts))
	for h, s := range r.hosts {
		hosts[h] = s
	}
	r.mu.RUnlock()

	snap := Snapshot{
		StartedAt: r.startedAt,
		Uptime:    r.now().Sub(r.startedAt).Truncate(time.Second).String(),
		Hosts:     make(map[string]HostStatsJSON, len(hosts)),
	}
	for h, s := range hosts {
		j := s.ToJSON()
		snap.Hosts[h] = j
		snap.Totals = addTotals(snap.Totals, j)
	}
	return snap
}

// HostCount returns the number of tracked hosts.
func (r *Recorder) HostCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}

// Reset clears the stats for host.
func (r *Recorder) Reset(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hosts, host)
}

// ResetAll clears all stats.
func (r *Recorder) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = make(map[string]*HostStats)
}

func addTotals(t, s HostStatsJSON) HostStatsJSON {
	t.Responses += s.Responses
	t.Filtered += s.Filtered
	t.PassedThrough += s.PassedThrough
	t.MessagesKept += s.MessagesKept
	t.MessagesDropped += s.MessagesDropped
	t.Scans += s.Scans
	t.ScanErrors += s.ScanErrors
	t.ElementsHidden += s.ElementsHidden
	t.ContainersMarked += s.ContainersMarked
	for k, v := range s.ByPrimitive {
		if t.ByPrimitive == nil {
			t.ByPrimitive = make(map[string]int64)
		}
		t.ByPrimitive[k] += v
	}
	if s.LastDrop != nil && (t.LastDrop == nil || s.LastDrop.After(*t.LastDrop)) {
		t.LastDrop = s.LastDrop
	}
	return t
}

// getOrCreate returns the stats for host, creating them if needed.
// Implements LRU eviction when the host count exceeds maxHosts.
func (r *Recorder) getOrCreate(host string) *HostStats {
	now := r.now()

	r.mu.Lock()
	s, ok := r.hosts[host]
	if !ok {
		if len(r.hosts) >= maxHosts {
			r.evictOldestBatchLocked(evictionBatchSize)
		}
		s = &HostStats{}
		r.hosts[host] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	s.LastAccess = now
	s.mu.Unlock()
	return s
}

// evictOldestBatchLocked removes the count least recently used hosts.
// Must be called with r.mu held.
func (r *Recorder) evictOldestBatchLocked(count int) {
	type hostTime struct {
		host       string
		lastAccess time.Time
	}
	candidates := make([]hostTime, 0, len(r.hosts))
	for h, s := range r.hosts {
		s.mu.RLock()
		candidates = append(candidates, hostTime{h, s.LastAccess})
		s.mu.RUnlock()
	}
	slices.SortFunc(candidates, func(a, b hostTime) int {
		return a.lastAccess.Compare(b.lastAccess)
	})
	for i := 0; i < count && i < len(candidates); i++ {
		delete(r.hosts, candidates[i].host)
	}
}
