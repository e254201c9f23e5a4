// Package tagdoc builds the HTML boot document. In tag transport mode the
// loader does not fetch scripts and styles itself: each one becomes a
// <script src> or <link rel=stylesheet> element and the document's probe
// decides whether the resource loaded. Inline assets staged by a normal
// load are written as <script> and <style> text.
package tagdoc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/webboot/horosafe"
)

// Probe checks that a resource referenced by the document can be loaded.
type Probe func(ctx context.Context, url string) error

// HTTPProbe issues a GET per resource and drains at most
// horosafe.MaxAssetBytes of the body.
func HTTPProbe(client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, url string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("tagdoc: probe: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("tagdoc: probe: %w", err)
		}
		defer resp.Body.Close()
		if _, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxAssetBytes); err != nil {
			return fmt.Errorf("tagdoc: probe %s: %w", url, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("tagdoc: probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}

// Document is an HTML boot document. Safe for concurrent use.
type Document struct {
	mu    sync.Mutex
	root  *html.Node
	head  *html.Node
	body  *html.Node
	probe Probe
	urls  []string
}

// Option configures a Document.
type Option func(*Document)

// WithProbe sets the load check applied by Inject. Without one every
// injected resource is considered loaded.
func WithProbe(p Probe) Option {
	return func(d *Document) { d.probe = p }
}

// New creates an empty document with the given title.
func New(title string, opts ...Option) *Document {
	d := &Document{}
	d.root = &html.Node{Type: html.DocumentNode}
	d.root.AppendChild(&html.Node{Type: html.DoctypeNode, Data: "html"})
	htmlEl := element(atom.Html)
	d.head = element(atom.Head)
	d.body = element(atom.Body)
	d.root.AppendChild(htmlEl)
	htmlEl.AppendChild(d.head)
	htmlEl.AppendChild(d.body)

	d.head.AppendChild(element(atom.Meta, html.Attribute{Key: "charset", Val: "utf-8"}))
	t := element(atom.Title)
	t.AppendChild(&html.Node{Type: html.TextNode, Data: title})
	d.head.AppendChild(t)

	for _, o := range opts {
		o(d)
	}
	return d
}

// Inject references url as a script ("script") or stylesheet ("style").
// When the probe fails the element is not kept and the error is returned,
// like a tag removed by its onerror handler.
func (d *Document) Inject(ctx context.Context, kind, name, url string) error {
	var n *html.Node
	switch kind {
	case "script":
		n = element(atom.Script,
			html.Attribute{Key: "src", Val: url},
			html.Attribute{Key: "data-name", Val: name})
	case "style":
		n = element(atom.Link,
			html.Attribute{Key: "rel", Val: "stylesheet"},
			html.Attribute{Key: "href", Val: url},
			html.Attribute{Key: "data-name", Val: name})
	default:
		return fmt.Errorf("tagdoc: unknown tag kind %q", kind)
	}
	if d.probe != nil {
		if err := d.probe(ctx, url); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if kind == "style" {
		d.head.AppendChild(n)
	} else {
		d.body.AppendChild(n)
	}
	d.urls = append(d.urls, url)
	return nil
}

// InlineStyle appends a <style> element with css.
func (d *Document) InlineStyle(css string) {
	if css == "" {
		return
	}
	n := element(atom.Style)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	d.mu.Lock()
	d.head.AppendChild(n)
	d.mu.Unlock()
}

// InlineScript appends a <script> element with js. Async scripts get the
// async attribute and their name.
func (d *Document) InlineScript(name, js string, async bool) {
	if js == "" {
		return
	}
	var attrs []html.Attribute
	if name != "" {
		attrs = append(attrs, html.Attribute{Key: "data-name", Val: name})
	}
	if async {
		attrs = append(attrs, html.Attribute{Key: "async"})
	}
	n := element(atom.Script, attrs...)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: js})
	d.mu.Lock()
	d.body.AppendChild(n)
	d.mu.Unlock()
}

// URLs lists the injected resource URLs in injection order.
func (d *Document) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Render writes the document.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := html.Render(w, d.root); err != nil {
		return fmt.Errorf("tagdoc: render: %w", err)
	}
	return nil
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}
