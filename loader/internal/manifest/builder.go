package manifest

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Context is the device and page context a manifest is built for.
type Context struct {
	Mobile  bool
	Embed   bool
	Drop    bool
	TagMode bool
	Lang    string
	Route   string
}

// RouteGroup is a set of assets appended when the route starts with Prefix.
type RouteGroup struct {
	Prefix string  `yaml:"prefix"`
	Assets []Entry `yaml:"assets"`
}

// File is the deploy-time manifest, usually loaded from YAML.
type File struct {
	DefaultLanguage string           `yaml:"default_language"`
	Languages       map[string]Entry `yaml:"languages"`
	Base            []Entry          `yaml:"base"`
	Embed           []Entry          `yaml:"embed"`
	Drop            []Entry          `yaml:"drop"`
	Routes          []RouteGroup     `yaml:"routes"`
}

// LoadFile reads a YAML manifest file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	return f, nil
}

// Builder assembles manifests. It is safe for concurrent Build calls once
// all groups are registered.
type Builder struct {
	defaultLang string
	languages   map[string]Entry
	base        []Entry
	embed       []Entry
	drop        []Entry
	groups      []RouteGroup
}

// NewBuilder validates f and returns a Builder for it.
func NewBuilder(f *File) (*Builder, error) {
	b := &Builder{
		defaultLang: f.DefaultLanguage,
		languages:   make(map[string]Entry, len(f.Languages)),
		base:        f.Base,
		embed:       f.Embed,
		drop:        f.Drop,
	}
	if b.defaultLang == "" {
		b.defaultLang = "en"
	}
	for code, e := range f.Languages {
		if e.J != int(KindLanguage) {
			return nil, fmt.Errorf("manifest: language %s: kind code %d, want %d", code, e.J, KindLanguage)
		}
		b.languages[code] = e
	}
	if len(b.languages) > 0 {
		if _, ok := b.languages[b.defaultLang]; !ok {
			return nil, fmt.Errorf("manifest: no file for default language %q", b.defaultLang)
		}
	}
	for _, g := range f.Routes {
		b.Register(g.Prefix, g.Assets...)
	}
	return b, nil
}

// Register adds a route group. Groups sharing a prefix are all kept.
func (b *Builder) Register(prefix string, entries ...Entry) {
	b.groups = append(b.groups, RouteGroup{Prefix: prefix, Assets: entries})
}

// DefaultLanguage returns the fallback language code.
func (b *Builder) DefaultLanguage() string { return b.defaultLang }

// ResolveLang maps a requested language to one that has a file.
func (b *Builder) ResolveLang(code string) string {
	if _, ok := b.languages[code]; ok {
		return code
	}
	if i := strings.IndexAny(code, "-_"); i > 0 {
		if _, ok := b.languages[code[:i]]; ok {
			return code[:i]
		}
	}
	return b.defaultLang
}

// Build produces the manifest for ctx. The language file always comes
// first. Embed and drop contexts replace the rest with their minimal
// variant; otherwise base assets are followed by every route group whose
// prefix matches, longest prefix first.
func (b *Builder) Build(ctx Context) (*Manifest, error) {
	m := &Manifest{}
	if le, ok := b.languages[b.ResolveLang(ctx.Lang)]; ok {
		if err := b.add(m, ctx, le); err != nil {
			return nil, err
		}
	}

	switch {
	case ctx.Drop:
		if err := b.add(m, ctx, b.drop...); err != nil {
			return nil, err
		}
		return m, nil
	case ctx.Embed:
		if err := b.add(m, ctx, b.embed...); err != nil {
			return nil, err
		}
		return m, nil
	}

	if err := b.add(m, ctx, b.base...); err != nil {
		return nil, err
	}
	for _, g := range b.matchRoute(ctx.Route) {
		if err := b.add(m, ctx, g.Assets...); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (b *Builder) matchRoute(route string) []RouteGroup {
	route = NormalizeRoute(route)
	var matched []RouteGroup
	for _, g := range b.groups {
		if g.Prefix != "" && strings.HasPrefix(route, g.Prefix) {
			matched = append(matched, g)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return len(matched[i].Prefix) > len(matched[j].Prefix)
	})
	return matched
}

func (b *Builder) add(m *Manifest, ctx Context, entries ...Entry) error {
	for _, e := range entries {
		if bool(e.D) && ctx.Mobile {
			continue
		}
		if bool(e.M) && !ctx.Mobile {
			continue
		}
		d, err := e.Descriptor(ctx.TagMode)
		if err != nil {
			return err
		}
		if err := m.Append(d); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeRoute strips the leading slash or fragment marker from a page path.
func NormalizeRoute(route string) string {
	return strings.TrimLeft(route, "/#")
}
