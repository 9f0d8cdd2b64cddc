package dom

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chatfilter-go/internal/patterns"
)

// Scan defaults.
const (
	DefaultInterval    = time.Second
	DefaultScanTimeout = 5 * time.Second
)

// MutationSource signals that the document changed. Signals may be
// coalesced; one pending signal is enough to trigger a scan.
type MutationSource interface {
	Mutations() <-chan struct{}
	Close() error
}

// Marker rescans a document on a fixed interval and whenever its
// MutationSource fires.
type Marker struct {
	Doc   Document
	Rules patterns.Source
	// Mutations is optional. It is closed when the subscription ends.
	Mutations MutationSource

	Interval    time.Duration
	ScanTimeout time.Duration

	// OnScan, when set, receives the result of every scan. It runs on the
	// marker goroutine.
	OnScan func(ScanReport, error)
}

// Subscription is a running Marker.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop ends the subscription and waits for the scan loop to exit.
// It is safe to call more than once.
func (s *Subscription) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the scan loop has exited, either through Stop or
// because the context passed to Start was cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Start scans once right away, then keeps scanning until ctx is cancelled
// or Stop is called. Scans never overlap.
func (m *Marker) Start(ctx context.Context) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run(ctx, s.done)
	return s
}

func (m *Marker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var mutations <-chan struct{}
	if m.Mutations != nil {
		mutations = m.Mutations.Mutations()
		defer func() {
			if err := m.Mutations.Close(); err != nil {
				log.Debug().Err(err).Msg("Failed to close mutation source")
			}
		}()
	}

	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx)
		case <-mutations:
			m.scan(ctx)
		}
	}
}

func (m *Marker) scan(ctx context.Context) {
	timeout := m.ScanTimeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rules := m.rules()
	report, err := ScanAndMark(scanCtx, m.Doc, rules)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		log.Debug().Err(err).Msg("Scan finished with errors")
	}
	if report.Changed() {
		log.Debug().
			Int("scanned", report.Scanned).
			Int("hidden", report.Hidden).
			Int("containers", report.Containers).
			Msg("Marked chat messages")
	}
	if m.OnScan != nil {
		m.OnScan(report, err)
	}
}

func (m *Marker) rules() *patterns.Ruleset {
	if m.Rules != nil {
		if rs := m.Rules.Get(); rs != nil {
			return rs
		}
	}
	return defaultRuleset()
}

var defaultRuleset = sync.OnceValue(patterns.Default)
