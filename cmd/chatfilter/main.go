// Package main provides the entry point for the chat filter.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof" // Import for side effects - registers pprof handlers
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chatfilter-go/internal/browser"
	"github.com/Rorqualx/chatfilter-go/internal/config"
	"github.com/Rorqualx/chatfilter-go/internal/dashboard"
	"github.com/Rorqualx/chatfilter-go/internal/dom"
	"github.com/Rorqualx/chatfilter-go/internal/handlers"
	"github.com/Rorqualx/chatfilter-go/internal/intercept"
	"github.com/Rorqualx/chatfilter-go/internal/metrics"
	"github.com/Rorqualx/chatfilter-go/internal/middleware"
	"github.com/Rorqualx/chatfilter-go/internal/patterns"
	"github.com/Rorqualx/chatfilter-go/internal/stats"
	"github.com/Rorqualx/chatfilter-go/internal/watch"
	"github.com/Rorqualx/chatfilter-go/pkg/version"
)

const usage = `Usage: chatfilter <command> [arguments]

Commands:
  serve                 run the control API and the watch browser (default)
  check <file|-|url> [out]
                        filter a chat response body and print every verdict
  mark <in.html> [out]  mark blocked messages in an HTML snapshot
  version               print the version

Configuration is read from the environment and from .env.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(stderr, "chatfilter: loading .env: %v\n", err)
		return 1
	}

	var err error
	switch cmd {
	case "serve":
		err = serve()
	case "check":
		err = check(args, stdin, stdout)
	case "mark":
		err = mark(args, stdin, stdout, stderr)
	case "version", "-v", "--version":
		fmt.Fprintf(stdout, "chatfilter %s (%s)\n", version.Full(), version.GoVersion())
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "chatfilter: unknown command %q\n\n%s", cmd, usage)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "chatfilter %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func serve() error {
	// Load configuration
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg.Validate()

	printBanner(cfg)

	rules, err := patterns.NewManager(cfg.RulesPath, cfg.RulesHotReload)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	defer rules.Close()
	rules.OnReload(func(rs *patterns.Ruleset) {
		metrics.RecordRulesReload(rs.Blocked.Len())
	})
	metrics.RecordRulesReload(rules.Get().Blocked.Len())

	rec := stats.NewRecorder()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Launching browser...")
	b, err := browser.Launch(ctx, cfg)
	if err != nil {
		return fmt.Errorf("launching browser: %w", err)
	}

	attacher := &watch.PageAttacher{
		Pages:             b,
		Rules:             rules,
		Recorder:          rec,
		LoadTimeout:       cfg.LoadTimeout,
		NavigationTimeout: cfg.NavigationTimeout,
		ScanInterval:      cfg.ScanInterval,
		ScanTimeout:       cfg.ScanTimeout,
	}
	watches := watch.NewManager(rules, attacher, cfg.MaxWatches)

	for _, u := range cfg.WatchURLs {
		w, err := watches.Create(ctx, u)
		if err != nil {
			log.Error().Err(err).Str("url", u).Msg("Failed to open startup watch")
			continue
		}
		log.Info().Str("watch_id", w.ID).Str("host", w.Host).Msg("Startup watch opened")
	}

	handler := handlers.New(watches, rules, rec).WithHealthCheck(b)

	// Channel to signal shutdown to background tasks
	stopCh := make(chan struct{})

	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		if cfg.PrometheusPort == 0 {
			handler.WithMetrics(metrics.Handler())
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metrics.Handler())
			metricsServer = &http.Server{
				Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.PrometheusPort),
				Handler:      metricsMux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			go listen(metricsServer, "metrics")
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
		}
	}

	// WARNING: pprof should only be enabled in development/debugging
	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort),
			Handler:      http.DefaultServeMux, // pprof registers to DefaultServeMux
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		go listen(pprofServer, "pprof")
		log.Warn().
			Str("addr", pprofServer.Addr).
			Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")
	}

	if cfg.APIKeyEnabled {
		log.Info().Msg("API key authentication enabled")
	}

	// Recovery is outermost so it catches panics from everything.
	requestTimeout := cfg.NavigationTimeout + 10*time.Second
	chain := middleware.Chain(
		middleware.Recovery,
		middleware.Logging,
		middleware.SecurityHeaders,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
		middleware.APIKey(cfg),
		middleware.Timeout(requestTimeout),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      chain(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", addr).
			Int("max_watches", cfg.MaxWatches).
			Int("patterns", rules.Get().Blocked.Len()).
			Bool("metrics_enabled", cfg.PrometheusEnabled).
			Msg("chatfilter is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if cfg.DashboardEnabled {
		go func() {
			m := dashboard.New(rec, watches, rules, cfg.DashboardRefresh)
			if err := dashboard.Run(ctx, m); err != nil {
				log.Error().Err(err).Msg("Dashboard failed")
			}
			// Leaving the dashboard stops the service.
			stop()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		log.Error().Err(runErr).Msg("Server failed")
	}

	log.Info().Msg("Shutting down...")
	close(stopCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sErr := server.Shutdown(shutdownCtx); sErr != nil {
		log.Error().Err(sErr).Msg("Server shutdown error")
	}
	for _, s := range []*http.Server{metricsServer, pprofServer} {
		if s == nil {
			continue
		}
		if sErr := s.Shutdown(shutdownCtx); sErr != nil {
			log.Error().Err(sErr).Str("addr", s.Addr).Msg("Auxiliary server shutdown error")
		}
	}

	if cErr := watches.Close(); cErr != nil {
		log.Error().Err(cErr).Msg("Watch manager close error")
	}
	if cErr := b.Close(); cErr != nil {
		log.Error().Err(cErr).Msg("Browser close error")
	}

	log.Info().Msg("Shutdown complete")
	return runErr
}

func listen(s *http.Server, name string) {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("server", name).Msg("Server failed")
	}
}

// chatTransport returns the base transport for chat endpoints fetched by
// the check command. It routes through the configured proxy.
func chatTransport(cfg *config.Config) (http.RoundTripper, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HasProxy() {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy URL: %w", err)
		}
		t.Proxy = http.ProxyURL(u)
	}
	if cfg.IgnoreCertErrors {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via IGNORE_CERT_ERRORS
	}
	return t, nil
}

// loadRules returns the rules for the offline commands: the embedded
// defaults, overridden by RULES_PATH when it is set.
func loadRules() (*patterns.Ruleset, error) {
	path := os.Getenv("RULES_PATH")
	if path == "" {
		return patterns.Default(), nil
	}
	m, err := patterns.NewManager(path, false)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return m.Get(), nil
}

// check filters a captured chat response and prints one row per record.
// A URL argument is fetched live through the filtering transport instead.
func check(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: chatfilter check <file|-|url> [out]")
	}
	rules, err := loadRules()
	if err != nil {
		return err
	}
	out := "-"
	if len(args) == 2 {
		out = args[1]
	}

	if isURL(args[0]) {
		return checkURL(args[0], out, rules, stdout)
	}

	body, err := readInput(args[0], stdin)
	if err != nil {
		return err
	}

	verdicts, err := intercept.Inspect(body, rules.Blocked)
	if err != nil {
		fmt.Fprintf(stdout, "pass-through: %v\n", err)
	} else {
		table := tablewriter.NewWriter(stdout)
		table.SetHeader([]string{"#", "Msg", "Verdict"})
		table.SetAutoWrapText(false)
		for _, v := range verdicts {
			msg, verdict := v.Msg, "keep"
			if !v.HasMsg {
				msg = "(no msg)"
			}
			if v.Dropped {
				verdict = "DROP"
			}
			table.Append([]string{fmt.Sprint(v.Index), clip(msg, 60), verdict})
		}
		table.Render()
	}

	res := intercept.FilterBody(body, rules.Blocked)
	fmt.Fprintf(stdout, "%s: kept %d, dropped %d\n", res.Outcome, res.Kept, res.Dropped)

	if out == "-" {
		res.Body = append(res.Body, '\n')
	}
	return writeOutput(out, res.Body, stdout)
}

// responseCounts remembers the last response seen by the transport.
type responseCounts struct {
	seen          bool
	kept, dropped int
	err           error
}

func (c *responseCounts) RecordResponse(_, _ string, kept, dropped int, err error) {
	c.seen, c.kept, c.dropped, c.err = true, kept, dropped, err
}

func checkURL(rawURL, out string, rules *patterns.Ruleset, stdout io.Writer) error {
	cfg := config.Load()
	cfg.Validate()
	base, err := chatTransport(cfg)
	if err != nil {
		return err
	}

	counts := &responseCounts{}
	client := &http.Client{
		Transport: intercept.NewTransport(base, rules, counts),
		Timeout:   cfg.LoadTimeout,
	}
	resp, err := client.Get(rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch {
	case !counts.seen:
		fmt.Fprintf(stdout, "%s: not a chat URL, body unfiltered\n", resp.Status)
	case counts.err != nil:
		fmt.Fprintf(stdout, "%s: pass-through: %v\n", resp.Status, counts.err)
	default:
		fmt.Fprintf(stdout, "%s: kept %d, dropped %d\n", resp.Status, counts.kept, counts.dropped)
	}

	if out == "-" {
		body = append(body, '\n')
	}
	return writeOutput(out, body, stdout)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// mark runs the marker over an HTML snapshot and writes the marked page,
// with the marker styles injected.
func mark(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: chatfilter mark <in.html|-> [out.html]")
	}
	data, err := readInput(args[0], stdin)
	if err != nil {
		return err
	}
	rules, err := loadRules()
	if err != nil {
		return err
	}

	doc, err := dom.ParseHTML(bytes.NewReader(data))
	if err != nil {
		return err
	}
	report, err := dom.ScanAndMark(context.Background(), doc, rules)
	if err != nil {
		fmt.Fprintf(stderr, "warning: %v\n", err)
	}
	doc.InjectStyles(dom.StyleSheet(rules))

	var out bytes.Buffer
	if err := doc.Render(&out); err != nil {
		return err
	}
	fmt.Fprintf(stderr, "scanned %d, matched %d, hidden %d, containers %d\n",
		report.Scanned, report.Matched, report.Hidden, report.Containers)

	if len(args) == 2 {
		return writeOutput(args[1], out.Bytes(), stdout)
	}
	_, err = stdout.Write(out.Bytes())
	return err
}

func readInput(name string, stdin io.Reader) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

func writeOutput(name string, data []byte, stdout io.Writer) error {
	if name == "-" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(name, data, 0o644)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// setupLogging configures zerolog based on the log level. With LOG_FILE
// set, logs go to that file as JSON; with the dashboard on and no file,
// they are discarded so they do not tear the terminal UI.
func setupLogging(cfg *config.Config) (func(), error) {
	closer := func() {}
	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
		closer = func() { _ = f.Close() }
	case cfg.DashboardEnabled:
		log.Logger = zerolog.Nop()
	default:
		// Use console writer for prettier output
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))
	return closer, nil
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	if !cfg.DashboardEnabled {
		fmt.Println(`
      _           _    __ _ _ _
  ___| |__   __ _| |_ / _(_) | |_ ___ _ __
 / __| '_ \ / _' | __| |_| | | __/ _ \ '__|
| (__| | | | (_| | |_|  _| | | ||  __/ |
 \___|_| |_|\__,_|\__|_| |_|_|\__\___|_|
                                  SteamTV`)
	}
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting chatfilter")
}
