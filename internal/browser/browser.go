// Package browser launches and owns the headless browser that hosts watched
// chat pages. One browser process is shared by every watch; each watch gets
// its own stealth page.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/chatfilter-go/internal/config"
	"github.com/Rorqualx/chatfilter-go/internal/security"
	"github.com/Rorqualx/chatfilter-go/internal/types"
	"github.com/Rorqualx/chatfilter-go/pkg/version"
)

// closeTimeout bounds how long Close waits for the browser process.
const closeTimeout = 15 * time.Second

// Browser wraps a launched rod browser and the pages opened on it.
//
// Lock ordering: mu is never held while talking to the browser.
type Browser struct {
	mu       sync.Mutex
	rod      *rod.Browser
	launcher *launcher.Launcher
	pages    map[*rod.Page]struct{}
	config   *config.Config
	closed   atomic.Bool

	// Statistics for monitoring
	stats Stats
}

// Stats provides statistics about page usage.
type Stats struct {
	Opened atomic.Int64
	Closed atomic.Int64
	Errors atomic.Int64
}

// StatsSnapshot holds a point-in-time snapshot of browser statistics.
type StatsSnapshot struct {
	Opened int64 `json:"opened"`
	Closed int64 `json:"closed"`
	Errors int64 `json:"errors"`
	Open   int   `json:"open"`
}

// Launch starts a browser process configured from cfg and connects to it.
func Launch(ctx context.Context, cfg *config.Config) (*Browser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	log.Info().
		Bool("headless", cfg.Headless).
		Str("browser_path", cfg.BrowserPath).
		Msg("Launching browser")

	b := &Browser{
		config: cfg,
		pages:  make(map[*rod.Page]struct{}),
	}
	b.launcher = b.createLauncher()

	url, err := b.launcher.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	r := rod.New().ControlURL(url)
	if err := r.Connect(); err != nil {
		b.launcher.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	if cfg.IgnoreCertErrors {
		log.Warn().Msg("Certificate validation disabled - MITM attacks possible")
		if err := r.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}
	b.rod = r

	log.Info().Str("url", url).Msg("Browser launched")
	return b, nil
}

// Connect attaches to an already running browser at controlURL. Close will
// disconnect from it but not kill the process.
func Connect(controlURL string) (*Browser, error) {
	r := rod.New().ControlURL(controlURL)
	if err := r.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	return &Browser{
		rod:    r,
		pages:  make(map[*rod.Page]struct{}),
		config: &config.Config{},
	}, nil
}

// createLauncher creates a configured Rod launcher.
func (b *Browser) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if b.config.BrowserPath != "" {
		l = l.Bin(b.config.BrowserPath)
	}

	// HEADLESS=false needs a display (e.g. Xvfb via DISPLAY)
	if b.config.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if b.config.ProxyURL != "" {
		l = l.Set("proxy-server", b.config.ProxyURL)
		log.Debug().Str("proxy", security.RedactProxyURL(b.config.ProxyURL)).Msg("Browser proxy configured")
	}

	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI,WebRtcHideLocalIpsWithMdns")

	if b.config.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("user-agent", version.UserAgent).
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("window-size", "1280,900")

	// Chat pages are long lived; keep timers running when the window is hidden.
	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-sync").
		Set("mute-audio").
		Set("disable-background-timer-throttling").
		Set("disable-renderer-backgrounding").
		Set("disable-backgrounding-occluded-windows")

	if isARM() {
		l = l.Set("disable-gpu-compositing")
		log.Debug().Msg("ARM detected: using software compositing")
	}

	return l
}

// NewPage opens a blank page with the stealth patches applied. The page is
// tracked until ClosePage or Close.
func (b *Browser) NewPage(ctx context.Context) (*rod.Page, error) {
	if b.closed.Load() {
		return nil, types.ErrBrowserClosed
	}

	page, err := stealth.Page(b.rod.Context(ctx))
	if err != nil {
		b.stats.Errors.Add(1)
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	// Drop the creation context so later calls are not bound to it.
	page = page.Context(context.Background())

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		_ = page.Close()
		return nil, types.ErrBrowserClosed
	}
	b.pages[page] = struct{}{}
	b.mu.Unlock()

	b.stats.Opened.Add(1)
	return page, nil
}

// ClosePage closes a page previously returned by NewPage. It is safe to call
// more than once.
func (b *Browser) ClosePage(page *rod.Page) error {
	if page == nil {
		return nil
	}
	b.mu.Lock()
	_, ok := b.pages[page]
	delete(b.pages, page)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	b.stats.Closed.Add(1)
	if err := page.Close(); err != nil {
		b.stats.Errors.Add(1)
		return fmt.Errorf("failed to close page: %w", err)
	}
	return nil
}

// Pages returns the pages currently tracked, in no particular order.
func (b *Browser) Pages() []*rod.Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	pages := make([]*rod.Page, 0, len(b.pages))
	for p := range b.pages {
		pages = append(pages, p)
	}
	return pages
}

// Healthy checks that the browser still answers CDP calls.
func (b *Browser) Healthy(ctx context.Context) error {
	if b.closed.Load() {
		return types.ErrBrowserClosed
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := (proto.BrowserGetVersion{}).Call(b.rod.Context(ctx)); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBrowserUnhealthy, err)
	}
	return nil
}

// Stats returns a snapshot of the current page statistics.
func (b *Browser) Stats() StatsSnapshot {
	b.mu.Lock()
	open := len(b.pages)
	b.mu.Unlock()
	return StatsSnapshot{
		Opened: b.stats.Opened.Load(),
		Closed: b.stats.Closed.Load(),
		Errors: b.stats.Errors.Load(),
		Open:   open,
	}
}

// Close closes every tracked page and then the browser.
// Close is safe to call multiple times.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return nil
	}
	pages := make([]*rod.Page, 0, len(b.pages))
	for p := range b.pages {
		pages = append(pages, p)
	}
	b.pages = map[*rod.Page]struct{}{}
	b.mu.Unlock()

	log.Info().Int("pages", len(pages)).Msg("Closing browser")

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, page := range pages {
		eg.Go(func() error {
			if err := page.Close(); err != nil {
				log.Warn().Err(err).Msg("Error closing page during shutdown")
				return err
			}
			return nil
		})
	}
	pageErr := eg.Wait()

	done := make(chan error, 1)
	go func() {
		if b.launcher == nil {
			// Connected, not launched: leave the process alone.
			done <- nil
			return
		}
		done <- b.rod.Close()
	}()

	var closeErr error
	select {
	case closeErr = <-done:
	case <-time.After(closeTimeout):
		log.Warn().Msg("Browser close timed out, killing process")
		closeErr = fmt.Errorf("browser close timed out after %s", closeTimeout)
	}
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
	}

	log.Info().
		Int64("pages_opened", b.stats.Opened.Load()).
		Int64("page_errors", b.stats.Errors.Load()).
		Msg("Browser closed")

	if closeErr != nil {
		return closeErr
	}
	return pageErr
}

// isARM returns true if running on ARM architecture.
func isARM() bool {
	arch := runtime.GOARCH
	return arch == "arm" || arch == "arm64"
}
