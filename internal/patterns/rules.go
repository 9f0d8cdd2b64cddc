package patterns

import (
	"embed"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesFS embed.FS

// Rules is the on-disk form of the filter configuration.
type Rules struct {
	BlockedPatterns  []string `yaml:"blocked_patterns"`
	Hosts            []string `yaml:"hosts"`
	ChatURLKeywords  []string `yaml:"chat_url_keywords"`
	MessageSelectors []string `yaml:"message_selectors"`
	ContainerClasses []string `yaml:"container_classes"`
	ContainerTags    []string `yaml:"container_tags"`
	HiddenClass      string   `yaml:"hidden_class"`
	ContainerClass   string   `yaml:"container_class"`
}

// Ruleset is a compiled, immutable snapshot of Rules.
// Consumers must treat every field as read-only.
type Ruleset struct {
	Blocked          *Set
	Hosts            []string
	ChatURLKeywords  []string
	MessageSelectors []string
	ContainerClasses []string
	ContainerTags    []string
	HiddenClass      string
	ContainerClass   string
}

// Source yields the current ruleset. Manager implements it; so does a
// Ruleset, which always returns itself.
type Source interface {
	Get() *Ruleset
}

// Get returns r, letting a fixed Ruleset act as a Source.
func (r *Ruleset) Get() *Ruleset {
	return r
}

var (
	embedded     *Rules
	embeddedOnce sync.Once
)

// Embedded returns the compiled-in default rules.
func Embedded() *Rules {
	embeddedOnce.Do(func() {
		r, err := loadEmbedded()
		if err != nil {
			log.Error().Err(err).Msg("Failed to load embedded rules, using defaults")
			r = defaultRules()
		}
		embedded = r
	})
	return embedded
}

func loadEmbedded() (*Rules, error) {
	data, err := defaultRulesFS.ReadFile("rules.yaml")
	if err != nil {
		return nil, err
	}

	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, err
	}

	log.Debug().
		Int("blocked_patterns", len(r.BlockedPatterns)).
		Int("message_selectors", len(r.MessageSelectors)).
		Int("hosts", len(r.Hosts)).
		Msg("Rules loaded")

	return &r, nil
}

// defaultRules returns hardcoded fallback rules.
func defaultRules() *Rules {
	return &Rules{
		BlockedPatterns: []string{"!drop"},
		Hosts:           []string{"steam.tv", "steamcommunity.com"},
		ChatURLKeywords: []string{"broadcastchat", "chat"},
		MessageSelectors: []string{
			`[class*="broadcastchat_MessageContents"]`,
			`[class*="broadcastchat_MessageChat"]`,
			`[class*="MessageContents"]`,
			`[class*="MessageChat"]`,
			`[class*="ChatMessage"]`,
		},
		ContainerClasses: []string{"broadcastchat", "ChatContainer"},
		ContainerTags:    []string{"LI", "DIV"},
		HiddenClass:      "steamtv-filtered-message",
		ContainerClass:   "steamtv-filtered-container",
	}
}

// ParseRules parses YAML rules and validates them.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate rejects rule files that configure nothing at all.
func (r *Rules) Validate() error {
	if len(r.BlockedPatterns) == 0 && len(r.MessageSelectors) == 0 &&
		len(r.ChatURLKeywords) == 0 && len(r.Hosts) == 0 {
		return fmt.Errorf("rules must set at least one of blocked_patterns, message_selectors, chat_url_keywords or hosts")
	}
	for _, c := range []string{r.HiddenClass, r.ContainerClass} {
		if strings.ContainsAny(c, " \t\n") {
			return fmt.Errorf("marker class %q must not contain whitespace", c)
		}
	}
	return nil
}

// MergeOver returns r with any empty field taken from base.
func (r *Rules) MergeOver(base *Rules) *Rules {
	pick := func(own, fallback []string) []string {
		if len(own) > 0 {
			return own
		}
		return fallback
	}
	pickStr := func(own, fallback string) string {
		if own != "" {
			return own
		}
		return fallback
	}
	return &Rules{
		BlockedPatterns:  pick(r.BlockedPatterns, base.BlockedPatterns),
		Hosts:            pick(r.Hosts, base.Hosts),
		ChatURLKeywords:  pick(r.ChatURLKeywords, base.ChatURLKeywords),
		MessageSelectors: pick(r.MessageSelectors, base.MessageSelectors),
		ContainerClasses: pick(r.ContainerClasses, base.ContainerClasses),
		ContainerTags:    pick(r.ContainerTags, base.ContainerTags),
		HiddenClass:      pickStr(r.HiddenClass, base.HiddenClass),
		ContainerClass:   pickStr(r.ContainerClass, base.ContainerClass),
	}
}

// Compile builds the immutable Ruleset for r.
func (r *Rules) Compile() (*Ruleset, error) {
	blocked, err := NewSet(r.BlockedPatterns)
	if err != nil {
		return nil, fmt.Errorf("failed to build pattern matcher: %w", err)
	}
	if blocked.Len() < len(r.BlockedPatterns) {
		log.Warn().
			Int("configured", len(r.BlockedPatterns)).
			Int("kept", blocked.Len()).
			Msg("Empty blocked patterns ignored")
	}

	trimmed := func(in []string) []string {
		return lo.Compact(lo.Map(in, func(s string, _ int) string {
			return strings.TrimSpace(s)
		}))
	}

	return &Ruleset{
		Blocked:          blocked,
		Hosts:            lo.Map(trimmed(r.Hosts), func(h string, _ int) string { return strings.ToLower(h) }),
		ChatURLKeywords:  trimmed(r.ChatURLKeywords),
		MessageSelectors: trimmed(r.MessageSelectors),
		ContainerClasses: trimmed(r.ContainerClasses),
		ContainerTags:    lo.Map(trimmed(r.ContainerTags), func(t string, _ int) string { return strings.ToUpper(t) }),
		HiddenClass:      r.HiddenClass,
		ContainerClass:   r.ContainerClass,
	}, nil
}

// MustCompile compiles r and panics on error. Intended for tests and
// fixed rule literals.
func (r *Rules) MustCompile() *Ruleset {
	rs, err := r.Compile()
	if err != nil {
		panic(err)
	}
	return rs
}

// Blocks reports whether text contains a blocked pattern.
func (r *Ruleset) Blocks(text string) bool {
	return r.Blocked.Match(text)
}

// IsChatURL reports whether rawURL carries chat traffic: the URL contains
// one of the chat keywords. The match is case-sensitive, like the site's
// own endpoint paths.
func (r *Ruleset) IsChatURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	for _, kw := range r.ChatURLKeywords {
		if strings.Contains(rawURL, kw) {
			return true
		}
	}
	return false
}

// Activates reports whether the filter runs on rawURL: an http(s) URL
// whose host is one of Hosts.
func (r *Ruleset) Activates(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	return lo.Contains(r.Hosts, strings.ToLower(u.Hostname()))
}

// IsContainerTag reports whether tag qualifies an ancestor as a container.
func (r *Ruleset) IsContainerTag(tag string) bool {
	return lo.Contains(r.ContainerTags, strings.ToUpper(tag))
}

// Describe returns the rule lists backing r.
func (r *Ruleset) Describe() Rules {
	return Rules{
		BlockedPatterns:  r.Blocked.Patterns(),
		Hosts:            r.Hosts,
		ChatURLKeywords:  r.ChatURLKeywords,
		MessageSelectors: r.MessageSelectors,
		ContainerClasses: r.ContainerClasses,
		ContainerTags:    r.ContainerTags,
		HiddenClass:      r.HiddenClass,
		ContainerClass:   r.ContainerClass,
	}
}

// Default compiles the embedded rules.
func Default() *Ruleset {
	rs, err := Embedded().Compile()
	if err != nil {
		log.Error().Err(err).Msg("Failed to compile embedded rules, using defaults")
		return defaultRules().MustCompile()
	}
	return rs
}
