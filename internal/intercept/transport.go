package intercept

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chatfilter-go/internal/patterns"
)

// Request primitives, used as log fields and metric labels.
const (
	PrimitiveFetch = "fetch"
	PrimitiveXHR   = "xhr"
)

var defaultRuleset = sync.OnceValue(patterns.Default)

// Recorder receives one call per chat response that was inspected.
type Recorder interface {
	RecordResponse(host, primitive string, kept, dropped int, err error)
}

// Transport is an http.RoundTripper that filters chat responses.
// Requests to URLs that are not chat endpoints go straight to Base and
// their responses are never read.
type Transport struct {
	// Base performs the real request. Defaults to http.DefaultTransport.
	Base http.RoundTripper
	// Rules selects chat URLs and supplies the blocked patterns.
	// Defaults to the embedded rules.
	Rules patterns.Source
	// Recorder, when set, is told about every inspected response.
	Recorder Recorder
	// Primitive labels logs and stats. Defaults to PrimitiveFetch.
	Primitive string
}

// NewTransport returns a Transport over base using rules.
func NewTransport(base http.RoundTripper, rules patterns.Source, rec Recorder) *Transport {
	return &Transport{Base: base, Rules: rules, Recorder: rec, Primitive: PrimitiveFetch}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	rs := t.rules()
	if !rs.IsChatURL(req.URL.String()) {
		return t.base().RoundTrip(req)
	}

	// Let the Go transport negotiate and decode compression so the body
	// reaches the filter as plain JSON.
	if req.Header.Get("Accept-Encoding") != "" {
		req = req.Clone(req.Context())
		req.Header.Del("Accept-Encoding")
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn().
			Err(err).
			Str("url", req.URL.Redacted()).
			Str("primitive", t.primitive()).
			Msg("Failed to read chat response, passing it through")
		// Hand the caller what was read plus the same error.
		resp.Body = &replayBody{
			Reader: io.MultiReader(bytes.NewReader(body), errReader{err}),
			closer: resp.Body,
		}
		return resp, nil
	}
	_ = resp.Body.Close()

	res := FilterBody(body, rs.Blocked)
	logResult(req.URL.Redacted(), t.primitive(), res)
	if t.Recorder != nil {
		t.Recorder.RecordResponse(req.URL.Hostname(), t.primitive(), res.Kept, res.Dropped, res.Err)
	}

	return replaceBody(resp, res.Body), nil
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) rules() *patterns.Ruleset {
	if t.Rules != nil {
		if rs := t.Rules.Get(); rs != nil {
			return rs
		}
	}
	return defaultRuleset()
}

func (t *Transport) primitive() string {
	if t.Primitive != "" {
		return t.Primitive
	}
	return PrimitiveFetch
}

// replaceBody returns a copy of resp with the same status, protocol and
// headers, reading body.
func replaceBody(resp *http.Response, body []byte) *http.Response {
	out := new(http.Response)
	*out = *resp
	out.Header = resp.Header.Clone()
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	if out.Header.Get("Content-Length") != "" {
		out.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return out
}

func logResult(url, primitive string, res Result) {
	switch {
	case res.Err != nil:
		log.Warn().
			Err(res.Err).
			Str("url", url).
			Str("primitive", primitive).
			Int("bytes", len(res.Body)).
			Msg("Chat response not filtered, passing original through")
	case res.Dropped > 0:
		log.Debug().
			Str("url", url).
			Str("primitive", primitive).
			Int("kept", res.Kept).
			Int("dropped", res.Dropped).
			Msg("Filtered chat response")
	}
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}

type errReader struct {
	err error
}

func (r errReader) Read([]byte) (int, error) {
	return 0, r.err
}
