package dom

import (
	"fmt"

	"github.com/Rorqualx/chatfilter-go/internal/patterns"
)

// StyleSheet returns the CSS that gives the marker classes of rules their
// effect: hidden messages are removed from layout, and marked containers
// are dimmed and collapsed until hovered.
func StyleSheet(rules *patterns.Ruleset) string {
	return fmt.Sprintf(`.%[1]s {
    display: none !important;
}
.%[2]s {
    opacity: 0.3 !important;
    max-height: 50px !important;
    overflow: hidden !important;
}
.%[2]s:hover {
    opacity: 1 !important;
    max-height: 200px !important;
}
`, rules.HiddenClass, rules.ContainerClass)
}
