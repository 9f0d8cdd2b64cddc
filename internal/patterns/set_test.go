package patterns

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_Match(t *testing.T) {
	set, err := NewSet([]string{"!drop", "spam", "Buy Now"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		text  string
		match bool
	}{
		{name: "exact pattern", text: "!drop", match: true},
		{name: "pattern inside sentence", text: "please !drop for me", match: true},
		{name: "upper case text", text: "PLEASE !DROP NOW", match: true},
		{name: "mixed case pattern", text: "buy now, cheap skins", match: true},
		{name: "second pattern", text: "no SPAM here", match: true},
		{name: "partial pattern", text: "!dro", match: false},
		{name: "no pattern", text: "hello world", match: false},
		{name: "empty text", text: "", match: false},
		{name: "unicode around pattern", text: "été !drop été", match: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.match, set.Match(tt.text))
		})
	}
}

func TestSet_OverlappingPatterns(t *testing.T) {
	set, err := NewSet([]string{"drop", "!drop", "!d"})
	require.NoError(t, err)

	require.True(t, set.Match("!d"))
	require.True(t, set.Match("airdrop"))
	require.False(t, set.Match("dr op"))
}

func TestSet_PreservesOrderAndDropsEmpty(t *testing.T) {
	set, err := NewSet([]string{"zeta", "", "alpha", "ZETA"})
	require.NoError(t, err)

	require.Equal(t, []string{"zeta", "alpha", "ZETA"}, set.Patterns())
	require.Equal(t, 3, set.Len())
	require.True(t, set.Match("Zeta"))
}

func TestSet_Empty(t *testing.T) {
	set, err := NewSet(nil)
	require.NoError(t, err)
	require.False(t, set.Match("anything"))

	set, err = NewSet([]string{""})
	require.NoError(t, err)
	require.Zero(t, set.Len())
	require.False(t, set.Match("anything"))

	var nilSet *Set
	require.False(t, nilSet.Match("anything"))
	require.Zero(t, nilSet.Len())
}

func TestSet_PatternsIsCopy(t *testing.T) {
	set := MustSet("!drop")
	got := set.Patterns()
	got[0] = "changed"
	require.Equal(t, []string{"!drop"}, set.Patterns())
}
