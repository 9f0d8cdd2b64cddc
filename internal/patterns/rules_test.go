package patterns

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedRules(t *testing.T) {
	r := Embedded()
	require.NotNil(t, r)

	require.Equal(t, []string{"!drop"}, r.BlockedPatterns)
	require.ElementsMatch(t, []string{"steam.tv", "steamcommunity.com"}, r.Hosts)
	require.Len(t, r.MessageSelectors, 5)
	require.Equal(t, "steamtv-filtered-message", r.HiddenClass)
	require.Equal(t, "steamtv-filtered-container", r.ContainerClass)
}

func TestEmbeddedMatchesFallback(t *testing.T) {
	require.Equal(t, defaultRules(), Embedded())
}

func TestRuleset_IsChatURL(t *testing.T) {
	rs := Default()

	tests := []struct {
		url  string
		want bool
	}{
		{"https://steamcommunity.com/broadcast/getbroadcastchat?steamid=1", true},
		{"https://steam.tv/chat/messages", true},
		{"https://steamcommunity.com/broadcast/getbroadcastmpd", false},
		{"https://steam.tv/", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			require.Equal(t, tt.want, rs.IsChatURL(tt.url))
		})
	}
}

func TestRuleset_Activates(t *testing.T) {
	rs := Default()

	tests := []struct {
		url  string
		want bool
	}{
		{"https://steam.tv/", true},
		{"https://steam.tv/some/path?x=1", true},
		{"http://STEAMCOMMUNITY.com/broadcast/watch/1", true},
		{"https://store.steampowered.com/", false},
		{"https://evil.steam.tv/", false},
		{"ftp://steam.tv/", false},
		{"://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			require.Equal(t, tt.want, rs.Activates(tt.url))
		})
	}
}

func TestRuleset_IsContainerTag(t *testing.T) {
	rs := Default()
	require.True(t, rs.IsContainerTag("li"))
	require.True(t, rs.IsContainerTag("DIV"))
	require.False(t, rs.IsContainerTag("SPAN"))
}

func TestRules_MergeOver(t *testing.T) {
	external := &Rules{
		BlockedPatterns: []string{"spam"},
		HiddenClass:     "custom-hidden",
	}

	merged := external.MergeOver(Embedded())

	require.Equal(t, []string{"spam"}, merged.BlockedPatterns)
	require.Equal(t, "custom-hidden", merged.HiddenClass)
	require.Equal(t, Embedded().Hosts, merged.Hosts)
	require.Equal(t, Embedded().ContainerClass, merged.ContainerClass)
}

func TestParseRules(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		r, err := ParseRules([]byte("blocked_patterns:\n  - spam\n"))
		require.NoError(t, err)
		require.Equal(t, []string{"spam"}, r.BlockedPatterns)
	})

	t.Run("empty document", func(t *testing.T) {
		_, err := ParseRules([]byte("{}"))
		require.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := ParseRules([]byte("blocked_patterns: [unclosed"))
		require.Error(t, err)
	})

	t.Run("class with whitespace", func(t *testing.T) {
		_, err := ParseRules([]byte("blocked_patterns: [x]\nhidden_class: \"a b\"\n"))
		require.Error(t, err)
	})
}

func TestRules_CompileNormalises(t *testing.T) {
	rs := (&Rules{
		BlockedPatterns: []string{"!drop", ""},
		Hosts:           []string{" Steam.TV ", ""},
		ContainerTags:   []string{"li"},
	}).MustCompile()

	require.Equal(t, 1, rs.Blocked.Len())
	require.Equal(t, []string{"steam.tv"}, rs.Hosts)
	require.Equal(t, []string{"LI"}, rs.ContainerTags)
	require.True(t, rs.Blocks("PLEASE !Drop"))
}

func TestRuleset_DescribeRoundTrip(t *testing.T) {
	rs := Default()
	d := rs.Describe()
	require.Equal(t, rs.Blocked.Patterns(), d.BlockedPatterns)
	require.Equal(t, rs.MessageSelectors, d.MessageSelectors)
	require.Same(t, rs, rs.Get())
}
