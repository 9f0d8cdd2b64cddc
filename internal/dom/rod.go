package dom

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/chatfilter-go/internal/patterns"
)

// mutationBinding is the page function the observer script calls.
const mutationBinding = "__chatfilterMutated"

// observerScript watches the whole document, so it can run before <body>
// exists. Records are coalesced per microtask.
var observerScript = fmt.Sprintf(`() => {
	if (window.__chatfilterObserver) return;
	let pending = false;
	const notify = () => {
		pending = false;
		const fn = window[%[1]s];
		if (typeof fn === 'function') fn();
	};
	window.__chatfilterObserver = new MutationObserver(() => {
		if (pending) return;
		pending = true;
		queueMicrotask(notify);
	});
	window.__chatfilterObserver.observe(document, { childList: true, subtree: true });
}`, strconv.Quote(mutationBinding))

const disconnectScript = `() => {
	if (window.__chatfilterObserver) {
		window.__chatfilterObserver.disconnect();
		delete window.__chatfilterObserver;
	}
}`

// PageDocument is a Document backed by a live rod page.
type PageDocument struct {
	Page *rod.Page
}

// QueryAll implements Document.
func (d *PageDocument) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	els, err := d.Page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	out := make([]Element, len(els))
	for i, el := range els {
		out[i] = &rodElement{el: el}
	}
	return out, nil
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Text() (string, error) {
	v, err := e.el.Property("textContent")
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

func (e *rodElement) HasClass(name string) (bool, error) {
	res, err := e.el.Eval(`(c) => this.classList.contains(c)`, name)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (e *rodElement) AddClass(name string) error {
	_, err := e.el.Eval(`(c) => this.classList.add(c)`, name)
	return err
}

func (e *rodElement) TagName() (string, error) {
	v, err := e.el.Property("tagName")
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

func (e *rodElement) Parent() (Element, error) {
	p, err := e.el.Parent()
	if err != nil {
		var notFound *rod.ElementNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rodElement{el: p}, nil
}

func (e *rodElement) Release() error {
	return e.el.Release()
}

// PageObserver is a MutationSource fed by a MutationObserver in the page.
// It keeps working across navigations.
type PageObserver struct {
	page    *rod.Page
	signals chan struct{}
	done    chan struct{}
	once    sync.Once

	stopBinding  func() error
	removeScript func() error
}

// ObservePage installs a document-wide MutationObserver on page and on
// every document it loads afterwards.
func ObservePage(page *rod.Page) (*PageObserver, error) {
	o := &PageObserver{
		page:    page,
		signals: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	stop, err := page.Expose(mutationBinding, func(gson.JSON) (interface{}, error) {
		select {
		case <-o.done:
		case o.signals <- struct{}{}:
		default:
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expose mutation binding: %w", err)
	}
	o.stopBinding = stop

	remove, err := page.EvalOnNewDocument("(" + observerScript + ")()")
	if err != nil {
		_ = stop()
		return nil, fmt.Errorf("failed to install mutation observer: %w", err)
	}
	o.removeScript = remove

	// Cover the document that is already loaded, if any.
	_, _ = page.Eval(observerScript)

	return o, nil
}

// Mutations implements MutationSource.
func (o *PageObserver) Mutations() <-chan struct{} {
	return o.signals
}

// Close disconnects the observer and removes the binding.
func (o *PageObserver) Close() error {
	var errs []error
	o.once.Do(func() {
		close(o.done)
		_, _ = o.page.Eval(disconnectScript)
		if err := o.removeScript(); err != nil {
			errs = append(errs, err)
		}
		if err := o.stopBinding(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// InstallStyles adds the marker stylesheet to page and to every document it
// loads afterwards. The returned function removes it from future documents.
func InstallStyles(page *rod.Page, rules *patterns.Ruleset) (remove func() error, err error) {
	script := fmt.Sprintf(`() => {
	const css = %s;
	const add = () => {
		if (document.getElementById('chatfilter-styles')) return;
		const style = document.createElement('style');
		style.id = 'chatfilter-styles';
		style.textContent = css;
		(document.head || document.documentElement).appendChild(style);
	};
	if (document.documentElement) add();
	else document.addEventListener('DOMContentLoaded', add, { once: true });
}`, strconv.Quote(StyleSheet(rules)))

	remove, err = page.EvalOnNewDocument("(" + script + ")()")
	if err != nil {
		return nil, fmt.Errorf("failed to install styles: %w", err)
	}
	_, _ = page.Eval(script)
	return remove, nil
}
