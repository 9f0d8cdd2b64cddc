// Package intercept filters chat responses before the page reads them.
//
// FilterBody is the pure routine shared by both request primitives. Transport
// applies it as an http.RoundTripper middleware, and Hijacker wires it into a
// rod page through request interception.
package intercept

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/Rorqualx/chatfilter-go/internal/patterns"
)

// Sentinel errors carried by a pass-through Result.
var (
	ErrNotJSON     = errors.New("response body is not valid JSON")
	ErrNotSequence = errors.New("response body is not a JSON array")
)

// Outcome says what FilterBody did with a body.
type Outcome int

const (
	// OutcomePassThrough means the body was returned unchanged because it
	// could not be interpreted as a list of chat records.
	OutcomePassThrough Outcome = iota
	// OutcomeFiltered means the body was a JSON array and every record was
	// checked. Body holds the filtered array, or the original bytes when
	// nothing was dropped.
	OutcomeFiltered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFiltered:
		return "filtered"
	case OutcomePassThrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// Result is the outcome of filtering one response body.
type Result struct {
	Outcome Outcome
	Body    []byte
	Kept    int
	Dropped int
	// Err is ErrNotJSON or ErrNotSequence for a pass-through, nil otherwise.
	Err error
}

// Changed reports whether Body differs from the input.
func (r Result) Changed() bool {
	return r.Outcome == OutcomeFiltered && r.Dropped > 0
}

// Verdict describes one record of a chat payload.
type Verdict struct {
	Index   int
	Record  json.RawMessage
	Msg     string
	HasMsg  bool
	Dropped bool
}

// FilterBody removes the records of a JSON array whose "msg" string contains
// a blocked pattern. Kept records are copied byte for byte. Bodies that are
// not a JSON array come back untouched with a pass-through outcome.
func FilterBody(body []byte, blocked *patterns.Set) Result {
	verdicts, err := Inspect(body, blocked)
	if err != nil {
		return Result{Outcome: OutcomePassThrough, Body: body, Err: err}
	}

	res := Result{Outcome: OutcomeFiltered, Body: body}
	kept := make([]json.RawMessage, 0, len(verdicts))
	for _, v := range verdicts {
		if v.Dropped {
			res.Dropped++
			continue
		}
		kept = append(kept, v.Record)
	}
	res.Kept = len(kept)

	if res.Dropped == 0 {
		return res
	}

	var buf bytes.Buffer
	buf.Grow(len(body))
	buf.WriteByte('[')
	for i, rec := range kept {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec)
	}
	buf.WriteByte(']')
	res.Body = buf.Bytes()
	return res
}

// Inspect parses body as a JSON array and decides each record.
// It returns ErrNotJSON or ErrNotSequence when body is not a JSON array.
func Inspect(body []byte, blocked *patterns.Set) ([]Verdict, error) {
	if !json.Valid(body) {
		return nil, ErrNotJSON
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotSequence
	}

	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, ErrNotSequence
	}

	verdicts := make([]Verdict, len(records))
	for i, rec := range records {
		msg, ok := messageText(rec)
		verdicts[i] = Verdict{
			Index:   i,
			Record:  rec,
			Msg:     msg,
			HasMsg:  ok,
			Dropped: ok && blocked.Match(msg),
		}
	}
	return verdicts, nil
}

// messageText returns the string value of the record's "msg" key.
// Records that are not objects, lack the key, or hold a non-string
// value report false. Keys match exactly; when a key repeats, the last
// one wins. The record is scanned token by token without decoding the
// other fields.
func messageText(rec json.RawMessage) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(rec))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", false
	}

	var (
		msg   string
		found bool
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		if key, _ := tok.(string); key != "msg" {
			if err := skipValue(dec); err != nil {
				return "", false
			}
			continue
		}

		tok, err = dec.Token()
		if err != nil {
			return "", false
		}
		msg, found = tok.(string)
		if delim, ok := tok.(json.Delim); ok {
			if err := skipNested(dec, delim); err != nil {
				return "", false
			}
		}
	}
	if !found {
		return "", false
	}
	return msg, true
}

// skipValue consumes the next value from dec.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); ok {
		return skipNested(dec, delim)
	}
	return nil
}

// skipNested consumes the rest of an object or array whose opening
// delimiter was already read.
func skipNested(dec *json.Decoder, open json.Delim) error {
	if open != '{' && open != '[' {
		return nil
	}
	for depth := 1; depth > 0; {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
	return nil
}
