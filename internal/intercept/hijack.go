package intercept

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chatfilter-go/internal/patterns"
)

// DefaultLoadTimeout bounds the handling of one intercepted chat response.
const DefaultLoadTimeout = 30 * time.Second

// Hijacker filters a page's chat traffic at the response stage. The browser
// performs every request itself, with its own cookies, TLS and proxy. Chat
// responses of the page's fetch and XMLHttpRequest primitives are paused
// once their headers arrive, their body is filtered, and the page receives
// the filtered body with the original status and headers.
type Hijacker struct {
	Rules    patterns.Source
	Recorder Recorder
	// Timeout bounds reading, filtering and delivering one response.
	Timeout time.Duration
}

// NewHijacker returns a Hijacker reading rules from rules.
func NewHijacker(rules patterns.Source, rec Recorder) *Hijacker {
	return &Hijacker{Rules: rules, Recorder: rec}
}

// Install starts intercepting page responses. It must run before the page
// navigates so the first chat request is already covered. URL patterns are
// taken from the chat keywords current at install time. The returned
// function stops interception and waits for in-flight responses.
func (h *Hijacker) Install(page *rod.Page) (stop func() error, err error) {
	enable := proto.FetchEnable{Patterns: urlPatterns(h.rules().ChatURLKeywords)}
	if err := enable.Call(page); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(page.GetContext())
	var inflight sync.WaitGroup
	wait := page.Context(ctx).EachEvent(func(e *proto.FetchRequestPaused) {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			h.handle(page, e)
		}()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()

	var once sync.Once
	stop = func() error {
		var err error
		once.Do(func() {
			cancel()
			<-done
			inflight.Wait()
			err = proto.FetchDisable{}.Call(page)
		})
		return err
	}
	return stop, nil
}

func (h *Hijacker) rules() *patterns.Ruleset {
	if h.Rules != nil {
		if rs := h.Rules.Get(); rs != nil {
			return rs
		}
	}
	return defaultRuleset()
}

func (h *Hijacker) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return DefaultLoadTimeout
}

func (h *Hijacker) handle(page *rod.Page, e *proto.FetchRequestPaused) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout())
	defer cancel()
	p := page.Context(ctx)

	rs := h.rules()
	if !filterable(e, rs) {
		continueResponse(p, e)
		return
	}

	primitive := primitiveOf(e.ResourceType)
	u := redact(e.Request.URL)

	body, err := proto.FetchGetResponseBody{RequestID: e.RequestID}.Call(p)
	if err == nil {
		var data []byte
		data, err = decodeBody(body)
		if err == nil {
			h.deliver(p, e, rs, data, primitive, u)
			return
		}
	}
	log.Warn().
		Err(err).
		Str("url", u).
		Str("primitive", primitive).
		Msg("Failed to read chat response, continuing unfiltered")
	continueResponse(p, e)
}

func (h *Hijacker) deliver(p *rod.Page, e *proto.FetchRequestPaused, rs *patterns.Ruleset, data []byte, primitive, u string) {
	res := FilterBody(data, rs.Blocked)
	logResult(u, primitive, res)
	if h.Recorder != nil {
		h.Recorder.RecordResponse(hostOf(e.Request.URL), primitive, res.Kept, res.Dropped, res.Err)
	}
	if !res.Changed() {
		continueResponse(p, e)
		return
	}

	err := proto.FetchFulfillRequest{
		RequestID:       e.RequestID,
		ResponseCode:    *e.ResponseStatusCode,
		ResponseHeaders: responseHeaders(e.ResponseHeaders, len(res.Body)),
		Body:            res.Body,
		ResponsePhrase:  e.ResponseStatusText,
	}.Call(p)
	if err != nil {
		log.Warn().
			Err(err).
			Str("url", u).
			Str("primitive", primitive).
			Msg("Failed to deliver chat response to page")
	}
}

// continueResponse lets a paused response reach the page untouched.
func continueResponse(p *rod.Page, e *proto.FetchRequestPaused) {
	if err := (proto.FetchContinueRequest{RequestID: e.RequestID}).Call(p); err != nil {
		log.Debug().Err(err).Str("url", redact(requestURL(e))).Msg("Failed to continue paused response")
	}
}

// filterable reports whether a paused event is a completed chat response
// whose body can be read. Failed loads and redirects are left alone.
func filterable(e *proto.FetchRequestPaused, rs *patterns.Ruleset) bool {
	if e.Request == nil || e.ResponseErrorReason != "" || e.ResponseStatusCode == nil {
		return false
	}
	if code := *e.ResponseStatusCode; code >= 300 && code < 400 {
		return false
	}
	return rs.IsChatURL(e.Request.URL)
}

func primitiveOf(rt proto.NetworkResourceType) string {
	if rt == proto.NetworkResourceTypeXHR {
		return PrimitiveXHR
	}
	return PrimitiveFetch
}

var patternEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)

// urlPatterns pauses fetch and XHR responses whose URL contains a keyword.
func urlPatterns(keywords []string) []*proto.FetchRequestPattern {
	out := make([]*proto.FetchRequestPattern, 0, 2*len(keywords))
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		pattern := "*" + patternEscaper.Replace(kw) + "*"
		for _, rt := range []proto.NetworkResourceType{proto.NetworkResourceTypeFetch, proto.NetworkResourceTypeXHR} {
			out = append(out, &proto.FetchRequestPattern{
				URLPattern:   pattern,
				ResourceType: rt,
				RequestStage: proto.FetchRequestStageResponse,
			})
		}
	}
	return out
}

func decodeBody(body *proto.FetchGetResponseBodyResult) ([]byte, error) {
	if body.Base64Encoded {
		return base64.StdEncoding.DecodeString(body.Body)
	}
	return []byte(body.Body), nil
}

// responseHeaders copies the original headers for a body of n bytes. The
// body read from the browser is already decoded, so Content-Encoding goes.
func responseHeaders(in []*proto.FetchHeaderEntry, n int) []*proto.FetchHeaderEntry {
	out := make([]*proto.FetchHeaderEntry, 0, len(in)+1)
	for _, hdr := range in {
		switch http.CanonicalHeaderKey(hdr.Name) {
		case "Content-Encoding", "Content-Length":
			continue
		}
		out = append(out, hdr)
	}
	return append(out, &proto.FetchHeaderEntry{Name: "Content-Length", Value: strconv.Itoa(n)})
}

func requestURL(e *proto.FetchRequestPaused) string {
	if e.Request == nil {
		return ""
	}
	return e.Request.URL
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Redacted()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
