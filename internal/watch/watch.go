// Package watch manages watches: chat pages that are kept open in the
// browser with both filtering pipelines attached.
package watch

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/chatfilter-go/internal/dom"
	"github.com/Rorqualx/chatfilter-go/internal/metrics"
	"github.com/Rorqualx/chatfilter-go/internal/patterns"
	"github.com/Rorqualx/chatfilter-go/internal/security"
	"github.com/Rorqualx/chatfilter-go/internal/types"
)

// Watch is one activated chat page with filtering attached.
type Watch struct {
	ID        string
	URL       string
	Host      string
	CreatedAt time.Time

	scans      atomic.Int64
	hidden     atomic.Int64
	containers atomic.Int64
	lastScan   atomic.Int64 // Unix nano timestamp of the last completed scan

	detach func() error
}

// RecordScan folds one marker scan into the watch counters.
func (w *Watch) RecordScan(r dom.ScanReport) {
	w.scans.Add(1)
	w.hidden.Add(int64(r.Hidden))
	w.containers.Add(int64(r.Containers))
	w.lastScan.Store(time.Now().UnixNano())
}

// Info returns the public view of w.
func (w *Watch) Info() types.WatchInfo {
	info := types.WatchInfo{
		ID:        w.ID,
		URL:       security.RedactURL(w.URL),
		Host:      w.Host,
		CreatedAt: w.CreatedAt.UnixMilli(),
		Scans:     w.scans.Load(),
		Hidden:    w.hidden.Load(),
	}
	if ns := w.lastScan.Load(); ns != 0 {
		info.LastScan = time.Unix(0, ns).UnixMilli()
	}
	return info
}

// Attacher wires the filtering pipelines into a new watch. The returned
// function undoes everything Attach installed. On error Attach must leave
// nothing behind.
type Attacher interface {
	Attach(ctx context.Context, w *Watch) (detach func() error, err error)
}

// AttacherFunc adapts a function to Attacher.
type AttacherFunc func(ctx context.Context, w *Watch) (func() error, error)

// Attach implements Attacher.
func (f AttacherFunc) Attach(ctx context.Context, w *Watch) (func() error, error) {
	return f(ctx, w)
}

// Manager handles watch lifecycle.
type Manager struct {
	mu       sync.RWMutex
	watches  map[string]*Watch
	pending  int // Create calls that hold a slot but have not finished attaching
	closed   bool
	rules    patterns.Source
	attacher Attacher
	max      int
}

// NewManager creates a watch manager allowing at most maxWatches watches.
func NewManager(rules patterns.Source, attacher Attacher, maxWatches int) *Manager {
	if maxWatches < 1 {
		maxWatches = 1
	}
	log.Info().
		Int("max_watches", maxWatches).
		Msg("Watch manager initialized")

	return &Manager{
		watches:  make(map[string]*Watch),
		rules:    rules,
		attacher: attacher,
		max:      maxWatches,
	}
}

// Create opens a watch on rawURL. The URL must be an http(s) URL on one of
// the activated hosts.
func (m *Manager) Create(ctx context.Context, rawURL string) (*Watch, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidURL, security.RedactURL(rawURL))
	}
	if !m.rules.Get().Activates(rawURL) {
		return nil, fmt.Errorf("%w: %s", types.ErrURLNotActivated, u.Hostname())
	}

	// Reserve a slot before the slow attach so concurrent creates cannot
	// overshoot the limit.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, types.ErrWatchManagerDown
	}
	if len(m.watches)+m.pending >= m.max {
		m.mu.Unlock()
		return nil, types.ErrTooManyWatches
	}
	m.pending++
	m.mu.Unlock()

	w := &Watch{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Host:      strings.ToLower(u.Hostname()),
		CreatedAt: time.Now(),
	}

	detach, err := m.attacher.Attach(ctx, w)

	m.mu.Lock()
	m.pending--
	if err != nil {
		m.mu.Unlock()
		log.Warn().
			Err(err).
			Str("url", security.RedactURL(rawURL)).
			Msg("Failed to create watch")
		return nil, err
	}
	if m.closed {
		m.mu.Unlock()
		if detachErr := detach(); detachErr != nil {
			log.Debug().Err(detachErr).Str("watch_id", w.ID).Msg("Error detaching watch after shutdown")
		}
		return nil, types.ErrWatchManagerDown
	}
	w.detach = detach
	m.watches[w.ID] = w
	count := len(m.watches)
	m.mu.Unlock()

	metrics.UpdateWatchMetrics(count)
	log.Info().
		Str("watch_id", w.ID).
		Str("host", w.Host).
		Int("total_watches", count).
		Msg("Watch created")

	return w, nil
}

// Get retrieves a watch by ID.
func (m *Manager) Get(id string) (*Watch, error) {
	m.mu.RLock()
	w, ok := m.watches[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.ErrWatchNotFound
	}
	return w, nil
}

// List returns all watches, oldest first.
func (m *Manager) List() []*Watch {
	m.mu.RLock()
	list := make([]*Watch, 0, len(m.watches))
	for _, w := range m.watches {
		list = append(list, w)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Count returns the number of open watches.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watches)
}

// Destroy detaches and removes a watch.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	w, ok := m.watches[id]
	if ok {
		delete(m.watches, id)
	}
	count := len(m.watches)
	m.mu.Unlock()

	if !ok {
		return types.ErrWatchNotFound
	}
	metrics.UpdateWatchMetrics(count)

	err := w.detach()
	log.Info().
		Str("watch_id", id).
		Dur("lifetime", time.Since(w.CreatedAt)).
		Int64("hidden", w.hidden.Load()).
		Msg("Watch destroyed")
	if err != nil {
		return fmt.Errorf("detach watch %s: %w", id, err)
	}
	return nil
}

// Close destroys every watch. Create fails once Close has started.
// Close is safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	watches := make([]*Watch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.watches = map[string]*Watch{}
	m.mu.Unlock()

	metrics.UpdateWatchMetrics(0)
	if len(watches) == 0 {
		log.Info().Msg("Watch manager closed")
		return nil
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, w := range watches {
		eg.Go(func() error {
			if err := w.detach(); err != nil {
				log.Debug().Err(err).Str("watch_id", w.ID).Msg("Error detaching watch during shutdown")
				return err
			}
			return nil
		})
	}
	err := eg.Wait()

	log.Info().Int("watches", len(watches)).Msg("Watch manager closed")
	return err
}
