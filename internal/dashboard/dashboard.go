// Package dashboard renders live filter activity in the terminal.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Rorqualx/chatfilter-go/internal/patterns"
	"github.com/Rorqualx/chatfilter-go/internal/stats"
	"github.com/Rorqualx/chatfilter-go/internal/types"
	"github.com/Rorqualx/chatfilter-go/internal/watch"
	"github.com/Rorqualx/chatfilter-go/pkg/version"
)

// StatsSource yields aggregate filter statistics.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// WatchLister yields the open watches.
type WatchLister interface {
	List() []*watch.Watch
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#1B2838")).
			Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#66C0F4"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8F98A0"))
	valueStyle  = lipgloss.NewStyle().Bold(true)
	dropStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E0533D"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#2A475E")).
			Padding(0, 1)
)

type tickMsg time.Time

// Model is the bubbletea model of the dashboard.
type Model struct {
	stats   StatsSource
	watches WatchLister
	rules   patterns.Source
	refresh time.Duration

	snap     stats.Snapshot
	infos    []types.WatchInfo
	patterns int
	width    int
	updated  time.Time
	quitting bool
}

// New creates a dashboard model refreshing every refresh interval.
func New(src StatsSource, watches WatchLister, rules patterns.Source, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = time.Second
	}
	m := Model{
		stats:   src,
		watches: watches,
		rules:   rules,
		refresh: refresh,
		width:   80,
	}
	return m.collect(time.Now())
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// collect refreshes the cached data shown by View.
func (m Model) collect(now time.Time) Model {
	if m.stats != nil {
		m.snap = m.stats.Snapshot()
	}
	m.infos = nil
	if m.watches != nil {
		watches := m.watches.List()
		m.infos = make([]types.WatchInfo, 0, len(watches))
		for _, w := range watches {
			m.infos = append(m.infos, w.Info())
		}
	}
	if m.rules != nil {
		if rs := m.rules.Get(); rs != nil && rs.Blocked != nil {
			m.patterns = rs.Blocked.Len()
		}
	}
	m.updated = now
	return m
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m.collect(time.Now()), nil
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		return m.collect(time.Time(msg)), m.tick()
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("chatfilter " + version.Full()))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(fmt.Sprintf("up %s  updated %s", m.snap.Uptime, m.updated.Format("15:04:05"))))
	b.WriteString("\n\n")

	t := m.snap.Totals
	totals := lipgloss.JoinHorizontal(lipgloss.Top,
		stat("responses", t.Responses, valueStyle),
		stat("filtered", t.Filtered, valueStyle),
		stat("passthrough", t.PassedThrough, valueStyle),
		stat("dropped", t.MessagesDropped, dropStyle),
		stat("hidden", t.ElementsHidden, dropStyle),
		stat("containers", t.ContainersMarked, valueStyle),
		stat("patterns", int64(m.patterns), valueStyle),
	)
	b.WriteString(boxStyle.Render(totals))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("Watches (%d)", len(m.infos))))
	b.WriteString("\n")
	if len(m.infos) == 0 {
		b.WriteString(dimStyle.Render("  no open watches"))
		b.WriteString("\n")
	}
	for _, w := range m.infos {
		b.WriteString(fmt.Sprintf("  %s  %s  scans %s  hidden %s\n",
			dimStyle.Render(shortID(w.ID)),
			truncate(w.URL, m.width-40),
			valueStyle.Render(fmt.Sprint(w.Scans)),
			dropStyle.Render(fmt.Sprint(w.Hidden)),
		))
	}
	b.WriteString("\n")

	hosts := make([]string, 0, len(m.snap.Hosts))
	for h := range m.snap.Hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	b.WriteString(headerStyle.Render("Hosts"))
	b.WriteString("\n")
	if len(hosts) == 0 {
		b.WriteString(dimStyle.Render("  no chat traffic yet"))
		b.WriteString("\n")
	}
	for _, h := range hosts {
		s := m.snap.Hosts[h]
		b.WriteString(fmt.Sprintf("  %-24s responses %-6d dropped %s  hidden %s  scan errors %d\n",
			h, s.Responses,
			dropStyle.Render(fmt.Sprint(s.MessagesDropped)),
			dropStyle.Render(fmt.Sprint(s.ElementsHidden)),
			s.ScanErrors,
		))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("r refresh • q quit"))
	b.WriteString("\n")
	return b.String()
}

func stat(label string, v int64, style lipgloss.Style) string {
	return lipgloss.NewStyle().MarginRight(2).Render(
		labelStyle.Render(label) + "\n" + style.Render(fmt.Sprint(v)),
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if n < 16 {
		n = 16
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
