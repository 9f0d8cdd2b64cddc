package dom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrInvalidSelector is returned by QueryAll for a selector that does not
// compile.
var ErrInvalidSelector = errors.New("invalid selector")

// HTMLDocument is a Document over a parsed HTML snapshot.
type HTMLDocument struct {
	doc *goquery.Document

	mu        sync.Mutex
	selectors map[string]cascadia.Selector
}

// ParseHTML parses an HTML document from r.
func ParseHTML(r io.Reader) (*HTMLDocument, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	return &HTMLDocument{
		doc:       goquery.NewDocumentFromNode(root),
		selectors: make(map[string]cascadia.Selector),
	}, nil
}

// QueryAll implements Document.
func (d *HTMLDocument) QueryAll(_ context.Context, selector string) ([]Element, error) {
	sel, err := d.compile(selector)
	if err != nil {
		return nil, err
	}

	found := d.doc.FindMatcher(sel)
	out := make([]Element, 0, found.Length())
	found.Each(func(_ int, s *goquery.Selection) {
		out = append(out, &htmlElement{s: s})
	})
	return out, nil
}

func (d *HTMLDocument) compile(selector string) (cascadia.Selector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sel, ok := d.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSelector, selector, err)
	}
	d.selectors[selector] = sel
	return sel, nil
}

// InjectStyles appends a <style> element holding css to the document head.
// A head is created when the snapshot has none.
func (d *HTMLDocument) InjectStyles(css string) {
	style := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: css})

	head := d.doc.Find("head").First()
	if head.Length() == 0 {
		node := &html.Node{Type: html.ElementNode, Data: "head", DataAtom: atom.Head}
		if root := d.doc.Find("html").First(); root.Length() > 0 {
			root.PrependNodes(node)
		} else {
			d.doc.AppendNodes(node)
		}
		head = d.doc.FindNodes(node)
	}
	head.AppendNodes(style)
}

// Render writes the document as HTML.
func (d *HTMLDocument) Render(w io.Writer) error {
	return html.Render(w, d.doc.Nodes[0])
}

// htmlElement is a single-node selection.
type htmlElement struct {
	s *goquery.Selection
}

func (e *htmlElement) Text() (string, error) {
	return e.s.Text(), nil
}

func (e *htmlElement) HasClass(name string) (bool, error) {
	return e.s.HasClass(name), nil
}

func (e *htmlElement) AddClass(name string) error {
	e.s.AddClass(name)
	return nil
}

func (e *htmlElement) TagName() (string, error) {
	return strings.ToUpper(goquery.NodeName(e.s)), nil
}

func (e *htmlElement) Parent() (Element, error) {
	p := e.s.Parent()
	if p.Length() == 0 {
		return nil, nil
	}
	return &htmlElement{s: p}, nil
}
