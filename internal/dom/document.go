// Package dom marks chat messages that contain a blocked pattern so the
// page's stylesheet hides them. Elements are only ever given classes; nothing
// is removed or restructured.
package dom

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rorqualx/chatfilter-go/internal/patterns"
)

// Element is a handle to one DOM element.
type Element interface {
	// Text returns the element's full text content.
	Text() (string, error)
	HasClass(name string) (bool, error)
	AddClass(name string) error
	// TagName returns the upper-case tag name.
	TagName() (string, error)
	// Parent returns the parent element, or nil at the document root.
	Parent() (Element, error)
}

// Document is a queryable DOM.
type Document interface {
	// QueryAll returns the elements matching selector in document order.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
}

// releaser is implemented by handles that hold remote resources.
type releaser interface {
	Release() error
}

// ScanReport counts what one ScanAndMark pass did.
type ScanReport struct {
	// Scanned is the number of elements visited, once per selector match.
	Scanned int `json:"scanned"`
	// Matched is the number of visited elements whose text is blocked.
	Matched int `json:"matched"`
	// Hidden is the number of elements newly given the hidden class.
	Hidden int `json:"hidden"`
	// Containers is the number of ancestors newly given the container class.
	Containers int `json:"containers"`
}

// Add returns the element-wise sum of r and o.
func (r ScanReport) Add(o ScanReport) ScanReport {
	return ScanReport{
		Scanned:    r.Scanned + o.Scanned,
		Matched:    r.Matched + o.Matched,
		Hidden:     r.Hidden + o.Hidden,
		Containers: r.Containers + o.Containers,
	}
}

// Changed reports whether the pass marked anything.
func (r ScanReport) Changed() bool {
	return r.Hidden > 0 || r.Containers > 0
}

// ScanAndMark queries every message selector of rules, and marks each
// element whose lowercased text contains a blocked pattern with the hidden
// class. The nearest qualifying ancestor of a marked element gets the
// container class, unless an ancestor already carries it.
//
// Element errors are skipped. Selector errors do not stop the scan; they
// are joined and returned with the report.
func ScanAndMark(ctx context.Context, doc Document, rules *patterns.Ruleset) (ScanReport, error) {
	var (
		report ScanReport
		errs   []error
	)

	for _, selector := range rules.MessageSelectors {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		elements, err := doc.QueryAll(ctx, selector)
		if err != nil {
			errs = append(errs, fmt.Errorf("query %q: %w", selector, err))
			continue
		}

		for _, el := range elements {
			report.Scanned++
			markElement(el, rules, &report)
			release(el)
		}
	}

	return report, errors.Join(errs...)
}

func markElement(el Element, rules *patterns.Ruleset, report *ScanReport) {
	text, err := el.Text()
	if err != nil || !rules.Blocks(text) {
		return
	}
	report.Matched++

	hidden, err := el.HasClass(rules.HiddenClass)
	if err != nil {
		return
	}
	if !hidden {
		if err := el.AddClass(rules.HiddenClass); err != nil {
			return
		}
		report.Hidden++
	}

	if markContainer(el, rules) {
		report.Containers++
	}
}

// markContainer walks up from el and marks the first ancestor that is a
// chat container. It stops early at an ancestor that is already marked.
func markContainer(el Element, rules *patterns.Ruleset) bool {
	parent, err := el.Parent()
	for parent != nil && err == nil {
		done, marked := visitAncestor(parent, rules)
		if done {
			release(parent)
			return marked
		}
		next, nextErr := parent.Parent()
		release(parent)
		parent, err = next, nextErr
	}
	return false
}

// visitAncestor reports whether the walk ends at el and whether el was
// newly marked.
func visitAncestor(el Element, rules *patterns.Ruleset) (done, marked bool) {
	has, err := el.HasClass(rules.ContainerClass)
	if err != nil {
		return true, false
	}
	if has {
		return true, false
	}
	if !isContainer(el, rules) {
		return false, false
	}
	if err := el.AddClass(rules.ContainerClass); err != nil {
		return true, false
	}
	return true, true
}

func isContainer(el Element, rules *patterns.Ruleset) bool {
	for _, class := range rules.ContainerClasses {
		if has, err := el.HasClass(class); err == nil && has {
			return true
		}
	}
	tag, err := el.TagName()
	return err == nil && rules.IsContainerTag(tag)
}

func release(el Element) {
	if r, ok := el.(releaser); ok {
		_ = r.Release()
	}
}
