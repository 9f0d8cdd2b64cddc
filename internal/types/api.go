package types

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Request validation limits.
const (
	MaxCmdLength = 64
	MaxURLLength = 8192
)

// Commands supported by the API.
const (
	CmdWatchCreate  = "watch.create"
	CmdWatchList    = "watch.list"
	CmdWatchDestroy = "watch.destroy"
	CmdRulesGet     = "rules.get"
	CmdStatsGet     = "stats.get"
)

// Status values for API responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

var validate = validator.New()

// Request represents an incoming API request.
type Request struct {
	Cmd   string `json:"cmd" validate:"required,max=64"`
	URL   string `json:"url,omitempty" validate:"omitempty,max=8192"`
	Watch string `json:"watch,omitempty" validate:"omitempty,uuid"`
}

// Validate validates the request and returns an error if invalid.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%s failed validation: %s", strings.ToLower(fe.Field()), fe.Tag())
		}
		return err
	}

	switch r.Cmd {
	case CmdWatchCreate:
		if r.URL == "" {
			return ErrURLRequired
		}
	case CmdWatchDestroy:
		if r.Watch == "" {
			return ErrWatchRequired
		}
	case CmdWatchList, CmdRulesGet, CmdStatsGet:
	default:
		// %q prevents log injection through the command name
		return fmt.Errorf("Unknown command: %q", r.Cmd)
	}

	if r.URL != "" {
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("url scheme must be http or https, got: %s", scheme)
		}
	}

	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	fe, ok := err.(validator.ValidationErrors)
	if ok {
		*target = fe
	}
	return ok
}

// Response represents an API response.
type Response struct {
	Status    string      `json:"status"`
	Message   string      `json:"message"`
	StartTime int64       `json:"startTimestamp"`
	EndTime   int64       `json:"endTimestamp"`
	Version   string      `json:"version"`
	Watch     *WatchInfo  `json:"watch,omitempty"`
	Watches   []WatchInfo `json:"watches,omitempty"`
	Rules     *RulesInfo  `json:"rules,omitempty"`
	Stats     interface{} `json:"stats,omitempty"`
}

// WatchInfo describes an open watch.
type WatchInfo struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Host      string `json:"host"`
	CreatedAt int64  `json:"createdAt"`
	Scans     int64  `json:"scans"`
	Hidden    int64  `json:"hidden"`
	LastScan  int64  `json:"lastScan,omitempty"`
}

// RulesInfo is the public view of the active ruleset.
type RulesInfo struct {
	BlockedPatterns  []string `json:"blockedPatterns"`
	Hosts            []string `json:"hosts"`
	ChatURLKeywords  []string `json:"chatUrlKeywords"`
	MessageSelectors []string `json:"messageSelectors"`
	ContainerClasses []string `json:"containerClasses"`
	ContainerTags    []string `json:"containerTags"`
	HiddenClass      string   `json:"hiddenClass"`
	ContainerClass   string   `json:"containerClass"`
}
