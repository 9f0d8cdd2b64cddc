package watch

import (
	"context"
	"errors"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chatfilter-go/internal/dom"
	"github.com/Rorqualx/chatfilter-go/internal/intercept"
	"github.com/Rorqualx/chatfilter-go/internal/patterns"
	"github.com/Rorqualx/chatfilter-go/internal/types"
)

// DefaultNavigationTimeout bounds navigation and the initial page load.
const DefaultNavigationTimeout = 60 * time.Second

// Pages opens and closes browser pages.
type Pages interface {
	NewPage(ctx context.Context) (*rod.Page, error)
	ClosePage(page *rod.Page) error
}

// Recorder receives filter counters from both pipelines.
type Recorder interface {
	intercept.Recorder
	RecordScan(host string, hidden, containers int, err error)
}

// PageAttacher attaches watches to real browser pages: it installs the
// request hijacker, the marker styles and the mutation observer, navigates,
// and starts a Marker.
type PageAttacher struct {
	Pages    Pages
	Rules    patterns.Source
	Recorder Recorder

	LoadTimeout       time.Duration
	NavigationTimeout time.Duration
	ScanInterval      time.Duration
	ScanTimeout       time.Duration
}

// Attach implements Attacher.
func (a *PageAttacher) Attach(ctx context.Context, w *Watch) (func() error, error) {
	page, err := a.Pages.NewPage(ctx)
	if err != nil {
		return nil, types.NewWatchError("page", w.URL, err)
	}

	// Undo steps run in reverse order.
	undo := []func() error{func() error { return a.Pages.ClosePage(page) }}
	teardown := func() error {
		var errs []error
		for i := len(undo) - 1; i >= 0; i-- {
			if err := undo[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(stage string, err error) (func() error, error) {
		if tErr := teardown(); tErr != nil {
			log.Debug().Err(tErr).Str("stage", stage).Msg("Error tearing down failed watch")
		}
		return nil, types.NewWatchError(stage, w.URL, err)
	}

	var rec intercept.Recorder
	if a.Recorder != nil {
		rec = a.Recorder
	}
	hijacker := intercept.NewHijacker(a.Rules, rec)
	hijacker.Timeout = a.LoadTimeout
	stopHijack, err := hijacker.Install(page)
	if err != nil {
		return fail("intercept", err)
	}
	undo = append(undo, stopHijack)

	removeStyles, err := dom.InstallStyles(page, a.Rules.Get())
	if err != nil {
		return fail("styles", err)
	}
	undo = append(undo, removeStyles)

	observer, err := dom.ObservePage(page)
	if err != nil {
		return fail("observe", err)
	}
	observerUndo := len(undo)
	undo = append(undo, observer.Close)

	navTimeout := a.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = DefaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(w.URL); err != nil {
		return fail("navigate", err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		return fail("navigate", err)
	}

	marker := &dom.Marker{
		Doc:         &dom.PageDocument{Page: page},
		Rules:       a.Rules,
		Mutations:   observer,
		Interval:    a.ScanInterval,
		ScanTimeout: a.ScanTimeout,
		OnScan: func(r dom.ScanReport, err error) {
			w.RecordScan(r)
			if a.Recorder != nil {
				a.Recorder.RecordScan(w.Host, r.Hidden, r.Containers, err)
			}
		},
	}
	sub := marker.Start(context.Background())
	// The marker closes the observer when it stops.
	undo[observerUndo] = func() error {
		sub.Stop()
		return nil
	}

	log.Debug().
		Str("watch_id", w.ID).
		Str("host", w.Host).
		Msg("Watch attached")
	return teardown, nil
}
