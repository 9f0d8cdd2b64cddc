package patterns

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadStats contains statistics about rule reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Manager serves the active Ruleset and optionally hot-reloads it from an
// external file. Reads are lock-free; a reload swaps in a new snapshot, so
// a scan or a response filter always sees one consistent ruleset.
type Manager struct {
	embedded     *Rules
	current      atomic.Pointer[Ruleset]
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // Protects reload operations and stats
	stats        ReloadStats
	closed       bool
	onReload     []func(*Ruleset)
}

// NewManager creates a rules Manager.
// If externalPath is empty, only the embedded rules are used.
// If hotReload is true and externalPath is set, file changes trigger reloads.
// A broken external file is logged and the embedded rules stay active.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		embedded:     Embedded(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}

	base, err := m.embedded.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile embedded rules: %w", err)
	}
	m.current.Store(base)

	if externalPath == "" {
		return m, nil
	}

	if err := m.loadExternal(); err != nil {
		log.Warn().
			Err(err).
			Str("path", externalPath).
			Msg("Failed to load external rules, using embedded defaults")
	} else {
		log.Info().
			Str("path", externalPath).
			Msg("Loaded external rules file")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("Failed to start file watcher, hot-reload disabled")
		} else {
			log.Info().
				Str("path", externalPath).
				Msg("Hot-reload enabled for rules file")
		}
	}

	return m, nil
}

// NewStaticManager returns a Manager that always serves rs.
func NewStaticManager(rs *Ruleset) *Manager {
	m := &Manager{
		embedded: Embedded(),
		stopCh:   make(chan struct{}),
	}
	m.current.Store(rs)
	return m
}

// Get returns the current Ruleset.
func (m *Manager) Get() *Ruleset {
	return m.current.Load()
}

// OnReload registers fn to run with the new ruleset after each successful
// reload. Callbacks run on the reloading goroutine.
func (m *Manager) OnReload(fn func(*Ruleset)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// Reload re-reads the external file.
// On failure the previous ruleset remains in use.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external rules path configured")
	}

	return m.loadExternalLocked()
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) loadExternal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadExternalLocked()
}

// loadExternalLocked must be called with m.mu held.
func (m *Manager) loadExternalLocked() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	rules, err := ParseRules(data)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse rules file: %w", err)
	}

	compiled, err := rules.MergeOver(m.embedded).Compile()
	if err != nil {
		m.stats.LastError = err
		return err
	}

	m.current.Store(compiled)

	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Int("blocked_patterns", compiled.Blocked.Len()).
		Msg("Rules reloaded")

	for _, fn := range m.onReload {
		fn(compiled)
	}

	return nil
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory so saves that replace the file by rename keep
	// being seen.
	if err := watcher.Add(filepath.Dir(m.externalPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}

	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()

	return nil
}

// watchFile reloads on write/create events for the rules file, coalescing
// bursts. Other files in the directory are ignored.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	target := filepath.Clean(m.externalPath)

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Debug().
					Str("event", event.Op.String()).
					Str("file", event.Name).
					Msg("Rules file moved away, keeping current rules")
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Rules file changed")

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := m.Reload(); err != nil {
					log.Warn().
						Err(err).
						Str("path", m.externalPath).
						Msg("Hot-reload failed, keeping previous rules")
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
