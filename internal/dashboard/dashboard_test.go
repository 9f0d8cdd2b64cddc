package dashboard

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/chatfilter-go/internal/patterns"
	"github.com/Rorqualx/chatfilter-go/internal/stats"
	"github.com/Rorqualx/chatfilter-go/internal/watch"
)

func newTestModel(t *testing.T) (Model, *stats.Recorder, *watch.Manager) {
	t.Helper()
	rec := stats.NewRecorder()
	rules := patterns.Default()
	watches := watch.NewManager(rules, watch.AttacherFunc(func(context.Context, *watch.Watch) (func() error, error) {
		return func() error { return nil }, nil
	}), 3)
	t.Cleanup(func() { _ = watches.Close() })
	return New(rec, watches, rules, 50*time.Millisecond), rec, watches
}

func TestViewEmpty(t *testing.T) {
	m, _, _ := newTestModel(t)

	view := m.View()
	require.Contains(t, view, "chatfilter")
	require.Contains(t, view, "Watches (0)")
	require.Contains(t, view, "no open watches")
	require.Contains(t, view, "no chat traffic yet")
}

func TestTickRefreshes(t *testing.T) {
	m, rec, watches := newTestModel(t)

	_, err := watches.Create(context.Background(), "https://steam.tv/dota2")
	require.NoError(t, err)
	rec.RecordResponse("steam.tv", "xhr", 4, 3, nil)

	// Data is cached until the next tick.
	require.Contains(t, m.View(), "Watches (0)")

	next, cmd := m.Update(tickMsg(time.Now()))
	require.NotNil(t, cmd, "tick must schedule the next tick")

	view := next.View()
	require.Contains(t, view, "Watches (1)")
	require.Contains(t, view, "steam.tv")
	require.NotContains(t, view, "no chat traffic yet")
}

func TestRefreshKey(t *testing.T) {
	m, rec, _ := newTestModel(t)
	rec.RecordScan("steamcommunity.com", 2, 1, nil)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.Nil(t, cmd)
	require.Contains(t, next.View(), "steamcommunity.com")
}

func TestQuit(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	} {
		m, _, _ := newTestModel(t)
		next, cmd := m.Update(key)
		require.NotNil(t, cmd)
		require.Equal(t, tea.Quit(), cmd())
		require.Empty(t, next.View())
	}
}

func TestWindowSize(t *testing.T) {
	m, _, _ := newTestModel(t)
	next, cmd := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	require.Nil(t, cmd)
	require.Equal(t, 120, next.(Model).width)
}

func TestPatternCount(t *testing.T) {
	m, _, _ := newTestModel(t)
	require.Equal(t, patterns.Default().Blocked.Len(), m.patterns)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 40))
	long := strings.Repeat("a", 50)
	out := truncate(long, 20)
	require.Len(t, []rune(out), 20)
	require.True(t, strings.HasSuffix(out, "…"))
	require.Equal(t, "abcdefgh", shortID("abcdefgh-1234"))
}
