package loader

import (
	"context"
	"encoding/json"
	"io"

	"github.com/hazyhaar/webboot/csapi"
	"github.com/hazyhaar/webboot/loader/internal/gate"
	"github.com/hazyhaar/webboot/loader/internal/stage"
	"github.com/hazyhaar/webboot/tagdoc"
)

// BootPath is the boot sequence chosen from the session outcome.
type BootPath = gate.Path

// Boot paths.
const (
	BootAnonymous       = gate.BootAnonymous
	BootAuthenticated   = gate.BootAuthenticated
	BootLogoutAnonymous = gate.BootLogoutAnonymous
	BootRevalidate      = gate.BootRevalidate
)

// Asset is a payload delivered on its own (async scripts).
type Asset = stage.Asset

// Result is what a successful load hands to the application.
type Result struct {
	LoadID  string
	Lang    string
	Origin  string // static origin in use when the load finished
	Flipped bool   // the load moved from Primary to Default
	Reloads int

	// Path is the boot path taken; after a revalidation it is the final
	// outcome (authenticated or anonymous).
	Path BootPath
	User *csapi.User

	Flags      map[string]json.RawMessage
	Prefetched map[string]json.RawMessage // keyed by condition name

	stage *stage.Stage
	tags  []tag
}

// Script is the concatenated inline script, in manifest order.
func (r *Result) Script() string { return r.stage.Script() }

// Styles is the concatenated inline stylesheet, in manifest order.
func (r *Result) Styles() string { return r.stage.Styles() }

// AsyncScripts are the scripts delivered separately.
func (r *Result) AsyncScripts() []Asset { return r.stage.AsyncScripts() }

// Templates returns a copy of the template map.
func (r *Result) Templates() map[string]string { return r.stage.Templates() }

// Translate returns the localized string for key, or key itself.
func (r *Result) Translate(key string) string { return r.stage.Dictionary().Get(key) }

// WorkerSource returns a worker script by name.
func (r *Result) WorkerSource(name string) (string, bool) { return r.stage.WorkerSource(name) }

// Blob returns an iframe document by name.
func (r *Result) Blob(name string) (string, bool) { return r.stage.Blob(name) }

// Accumulated returns the concatenated accumulator bucket.
func (r *Result) Accumulated(name string) string { return r.stage.Accumulated(name) }

// Render writes the boot document: tags injected during the load, then the
// inline stylesheet, the inline script and the async scripts.
func (r *Result) Render(w io.Writer) error {
	doc := tagdoc.New("webboot")
	for _, t := range r.tags {
		if err := doc.Inject(context.Background(), t.kind, t.name, t.url); err != nil {
			return err
		}
	}
	doc.InlineStyle(r.stage.Styles())
	doc.InlineScript("", r.stage.Script(), false)
	for _, a := range r.stage.AsyncScripts() {
		doc.InlineScript(a.Name, a.Text, true)
	}
	return doc.Render(w)
}
