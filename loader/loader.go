// Package loader bootstraps a web application from content-addressed
// static files. One Load builds the manifest for the page context, fetches
// every file over a small pool of channels with Primary/Default origin
// failover, verifies each payload against the SHA-256 digest embedded in
// its filename, classifies it, and boots only once the manifest and every
// route prerequisite (session check, flags, link prefetches) are done.
//
// Usage:
//
//	l, err := loader.New(cfg, loader.WithLogger(logger))
//	if err != nil { ... }
//	defer l.Close()
//	res, err := l.Run(ctx)
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/webboot/csapi"
	"github.com/hazyhaar/webboot/idgen"
	"github.com/hazyhaar/webboot/loader/internal/cache"
	"github.com/hazyhaar/webboot/loader/internal/coord"
	"github.com/hazyhaar/webboot/loader/internal/failover"
	"github.com/hazyhaar/webboot/loader/internal/gate"
	"github.com/hazyhaar/webboot/loader/internal/integrity"
	"github.com/hazyhaar/webboot/loader/internal/manifest"
	"github.com/hazyhaar/webboot/loader/internal/stage"
	"github.com/hazyhaar/webboot/loader/internal/transport"
	"github.com/hazyhaar/webboot/tagdoc"
)

// Manifest is the deploy-time manifest file.
type Manifest = manifest.File

// Entry is one manifest entry in wire form.
type Entry = manifest.Entry

// RouteGroup is a set of entries loaded for a route prefix.
type RouteGroup = manifest.RouteGroup

// Fetcher retrieves asset text from an origin.
type Fetcher = transport.Fetcher

// Injector loads a script or stylesheet as a tag.
type Injector = transport.Injector

// ConfirmFunc shows a fatal error to the user and reports whether they
// asked for a reload.
type ConfirmFunc func(ctx context.Context, fe *FatalError) bool

// Loader runs page loads for one configuration.
type Loader struct {
	cfg      Config
	builder  *manifest.Builder
	file     *Manifest
	api      *csapi.Client
	ownAPI   bool
	cache    *cache.Store
	hasher   *integrity.PoolHasher
	fetcher  Fetcher
	injector Injector
	client   *http.Client
	confirm  ConfirmFunc
	progress func(int)
	logger   *slog.Logger

	mu       sync.Mutex
	lang     string // persisted language override
	override string // persisted static override
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(ld *Loader) { ld.logger = l } }

// WithManifest uses f instead of reading Config.ManifestFile.
func WithManifest(f *Manifest) Option { return func(ld *Loader) { ld.file = f } }

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f Fetcher) Option { return func(ld *Loader) { ld.fetcher = f } }

// WithInjector replaces the tag injector used in low mode.
func WithInjector(i Injector) Option { return func(ld *Loader) { ld.injector = i } }

// WithAPI uses c for API calls instead of building one from Config.APIURL.
func WithAPI(c *csapi.Client) Option { return func(ld *Loader) { ld.api = c } }

// WithHTTPClient sets the client used for assets, tag probes and the API.
func WithHTTPClient(c *http.Client) Option { return func(ld *Loader) { ld.client = c } }

// WithConfirm sets the fatal error handler. Without one a fatal error ends
// Run.
func WithConfirm(f ConfirmFunc) Option { return func(ld *Loader) { ld.confirm = f } }

// WithProgress receives the load percentage each time it changes.
func WithProgress(f func(percent int)) Option { return func(ld *Loader) { ld.progress = f } }

// New validates cfg and prepares a Loader.
func New(cfg Config, opts ...Option) (*Loader, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Loader{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	if l.client == nil {
		l.client = &http.Client{}
	}

	if l.file == nil {
		if cfg.ManifestFile == "" {
			return nil, fmt.Errorf("loader: no manifest")
		}
		f, err := manifest.LoadFile(cfg.ManifestFile)
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		l.file = f
	}
	b, err := manifest.NewBuilder(l.file)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	l.builder = b

	if l.api == nil && cfg.APIURL != "" {
		api, err := csapi.New(csapi.Config{
			APIURL:       cfg.APIURL,
			SessionID:    cfg.SessionID,
			Timeout:      cfg.APITimeout,
			AllowPrivate: cfg.AllowPrivate,
			HTTPClient:   l.client,
			Logger:       l.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		l.api = api
		l.ownAPI = true
	}

	if l.fetcher == nil {
		l.fetcher = transport.NewHTTPFetcher(transport.Config{
			MaxBytes: cfg.MaxAssetBytes,
			Client:   l.client,
			Logger:   l.logger,
		})
	}
	if l.injector == nil {
		l.injector = tagdoc.New("webboot", tagdoc.WithProbe(tagdoc.HTTPProbe(l.client)))
	}
	if cfg.HashWorkers > 0 {
		l.hasher = integrity.NewPoolHasher(cfg.HashWorkers)
	}

	if cfg.CachePath != "" {
		store, err := cache.Open(cfg.CachePath)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("loader: %w", err)
		}
		l.cache = store
		ctx := context.Background()
		if n, err := store.Prune(ctx, cfg.CacheMaxAge); err != nil {
			l.logger.Warn("loader: cache prune failed", "error", err)
		} else if n > 0 {
			l.logger.Info("loader: cache pruned", "rows", n)
		}
		if v, ok, err := store.Pref(ctx, cache.PrefLang); err == nil && ok {
			l.lang = v
		}
		if v, ok, err := store.Pref(ctx, cache.PrefStaticOverride); err == nil && ok {
			l.override = v
		}
	}
	return l, nil
}

// Close releases the hasher pool, the cache and waits for beacons.
func (l *Loader) Close() error {
	if l.hasher != nil {
		l.hasher.Close()
	}
	if l.api != nil && l.ownAPI {
		l.api.Close()
	}
	if l.cache != nil {
		return l.cache.Close()
	}
	return nil
}

// Run loads the application, reloading after a language fallback or a
// confirmed fatal error, at most Config.MaxReloads times.
func (l *Loader) Run(ctx context.Context) (*Result, error) {
	for reload := 0; ; reload++ {
		res, err := l.Load(ctx)
		if err == nil {
			res.Reloads = reload
			return res, nil
		}

		var re *ReloadError
		var fe *FatalError
		switch {
		case errors.As(err, &re):
			l.setPref(ctx, cache.PrefLang, re.Lang)
		case errors.As(err, &fe):
			if l.confirm == nil || !l.confirm(ctx, fe) {
				return nil, err
			}
			l.setPref(ctx, cache.PrefStaticOverride, l.cfg.DefaultOrigin)
			err = &ReloadError{StaticOverride: l.cfg.DefaultOrigin, Err: fe}
		default:
			return nil, err
		}
		if reload >= l.cfg.MaxReloads {
			return nil, fmt.Errorf("loader: giving up after %d reloads: %w", reload, err)
		}
		l.logger.WarnContext(ctx, "loader: reloading", "reload", reload+1, "reason", err)
	}
}

func (l *Loader) setPref(ctx context.Context, key, value string) {
	l.mu.Lock()
	switch key {
	case cache.PrefLang:
		l.lang = value
	case cache.PrefStaticOverride:
		l.override = value
	}
	l.mu.Unlock()
	if l.cache == nil {
		return
	}
	if err := l.cache.SetPref(ctx, key, value); err != nil {
		l.logger.WarnContext(ctx, "loader: persist preference failed", "key", key, "error", err)
	}
}

// Load performs one page load: fresh manifest, ledger, progress and gate.
func (l *Loader) Load(ctx context.Context) (*Result, error) {
	loadID := idgen.LoadID()
	log := l.logger.With("load_id", loadID)

	l.mu.Lock()
	lang, override := l.cfg.Language, l.override
	if l.lang != "" {
		lang = l.lang
	}
	l.mu.Unlock()
	lang = l.builder.ResolveLang(lang)
	tagMode := l.cfg.Mode == ModeLow

	m, err := l.builder.Build(manifest.Context{
		Mobile:  l.cfg.Mobile,
		Embed:   l.cfg.Embed,
		Drop:    l.cfg.Drop,
		TagMode: tagMode,
		Lang:    lang,
		Route:   l.cfg.Route,
	})
	if err != nil {
		return nil, fmt.Errorf("loader: build manifest: %w", err)
	}

	hasSession := l.api != nil && l.api.Session() != ""
	conds := conditions(l.cfg.Route, hasSession, l.api != nil, len(l.cfg.External) > 0)
	g := gate.New(conds, nil, gate.WithLogger(log))

	policyOpts := []failover.Option{
		failover.WithMaxRetries(l.cfg.MaxPrimaryRetries, l.cfg.MaxDefaultRetries),
		failover.WithPrimaryDelay(l.cfg.PrimaryDelay),
		failover.WithBackoffUnit(l.cfg.BackoffUnit),
		failover.WithPrimaryTimeout(l.cfg.PrimaryTimeout),
	}
	if override != "" {
		policyOpts = append(policyOpts, failover.StartOnDefault())
	}
	policy := failover.New(l.cfg.PrimaryOrigin, l.cfg.DefaultOrigin, policyOpts...)
	startedOnDefault := policy.Flipped()

	verifierOpts := []integrity.Option{integrity.WithLogger(log)}
	if l.hasher != nil {
		verifierOpts = append(verifierOpts, integrity.WithHasher(l.hasher))
	}
	if l.cfg.NoIntegrity {
		verifierOpts = append(verifierOpts, integrity.Disabled())
	}

	rec := &recorder{next: l.injector}
	st := stage.New()
	c := coord.New(coord.Config{
		Manifest:    m,
		Fetcher:     l.fetcher,
		Injector:    rec,
		Verifier:    integrity.NewVerifier(verifierOpts...),
		Policy:      policy,
		Stage:       st,
		Gate:        g,
		Cache:       l.cache,
		Reporter:    l.reporter(),
		Channels:    l.cfg.Channels,
		Lang:        lang,
		DefaultLang: l.builder.DefaultLanguage(),
		Progress:    l.progress,
		Logger:      log,
	})

	log.InfoContext(ctx, "loader: load started",
		"lang", lang, "route", l.cfg.Route, "mode", l.cfg.Mode,
		"entries", m.Len(), "conditions", len(conds), "pinned_default", override != "")

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	res := &Result{LoadID: loadID, Lang: lang, Prefetched: map[string]json.RawMessage{}, stage: st}
	var pg errgroup.Group
	l.startPrerequisites(pctx, log, g, rec, &pg, res)

	if err := c.Run(ctx); err != nil {
		cancel()
		pg.Wait()
		var re *coord.ReloadError
		if errors.As(err, &re) {
			return nil, &ReloadError{Lang: re.Lang, Err: re}
		}
		return nil, err
	}

	boot, err := g.Wait(ctx)
	pg.Wait()
	if err != nil {
		return nil, err
	}

	_, res.Origin = policy.Current()
	res.Flipped = !startedOnDefault && policy.Flipped()
	res.Path = boot.Path
	res.tags = rec.list()
	l.afterBoot(ctx, log, res)

	log.InfoContext(ctx, "loader: booted",
		"path", res.Path.String(), "origin", res.Origin, "flipped", res.Flipped)
	return res, nil
}

// startPrerequisites launches the out-of-band calls boot waits for. Each
// clears its condition whether it succeeds or not.
func (l *Loader) startPrerequisites(ctx context.Context, log *slog.Logger, g *gate.Gate, inj Injector, pg *errgroup.Group, res *Result) {
	var mu sync.Mutex
	set := func(f func()) {
		mu.Lock()
		f()
		mu.Unlock()
	}

	if g.Active(gate.ExternalScriptsLoaded) {
		pg.Go(func() error {
			defer g.Clear(gate.ExternalScriptsLoaded)
			for _, u := range l.cfg.External {
				if err := inj.Inject(ctx, "script", "external", u); err != nil {
					log.WarnContext(ctx, "loader: external script failed", "url", u, "error", err)
				}
			}
			return nil
		})
	}

	if g.Active(gate.SessionCheck) {
		pg.Go(func() error {
			state, user, err := l.api.CheckSession(ctx, false)
			if err != nil {
				log.WarnContext(ctx, "loader: session check failed", "error", err)
			}
			set(func() { res.User = user })
			g.SetSession(sessionOf(state, err))
			return nil
		})
	}

	if g.Active(gate.FlagsFetch) {
		pg.Go(func() error {
			defer g.Clear(gate.FlagsFetch)
			flags, err := l.api.Flags(ctx)
			if err != nil {
				log.WarnContext(ctx, "loader: flags fetch failed", "error", err)
				return nil
			}
			set(func() { res.Flags = flags })
			return nil
		})
	}

	if p, ok := routePrefetch(l.cfg.Route); ok && g.Active(p.cond) {
		pg.Go(func() error {
			defer g.Clear(p.cond)
			raw, err := p.call(l.api, ctx, p.handle)
			if err != nil {
				log.WarnContext(ctx, "loader: prefetch failed", "condition", string(p.cond), "handle", p.handle, "error", err)
				return nil
			}
			set(func() { res.Prefetched[string(p.cond)] = raw })
			return nil
		})
	}
}

// sessionOf maps a session check to the gate outcome. A check that got no
// verdict boots anonymously and leaves the session alone: only the server
// saying the session is gone leads to a logout.
func sessionOf(s csapi.SessionState, err error) gate.Session {
	if err != nil {
		return gate.SessionNone
	}
	switch s {
	case csapi.SessionValid:
		return gate.SessionValid
	case csapi.SessionRevalidate:
		return gate.SessionRevalidate
	}
	return gate.SessionInvalid
}

// afterBoot runs the session side of the chosen boot path.
func (l *Loader) afterBoot(ctx context.Context, log *slog.Logger, res *Result) {
	switch res.Path {
	case BootLogoutAnonymous:
		if err := l.api.Logout(ctx); err != nil {
			log.WarnContext(ctx, "loader: logout failed", "error", err)
		}
		res.User = nil
	case BootRevalidate:
		state, user, err := l.api.CheckSession(ctx, true)
		if err == nil && state == csapi.SessionValid {
			res.Path = BootAuthenticated
			res.User = user
			return
		}
		log.WarnContext(ctx, "loader: extended session check failed", "state", state, "error", err)
		if err == nil {
			if err := l.api.Logout(ctx); err != nil {
				log.WarnContext(ctx, "loader: logout failed", "error", err)
			}
		}
		res.Path = BootAnonymous
		res.User = nil
	}
}

func (l *Loader) reporter() coord.Reporter {
	if l.api == nil {
		return nil
	}
	return beaconReporter{api: l.api}
}

// beaconReporter sends terminal load events as API beacons.
type beaconReporter struct {
	api *csapi.Client
}

func (b beaconReporter) Report(_ context.Context, c failover.Category, path, origin string) {
	b.api.Beacon(c.String(), path, origin)
}

type tag struct {
	kind, name, url string
}

// recorder keeps the tags that loaded, for rendering.
type recorder struct {
	next Injector
	mu   sync.Mutex
	tags []tag
}

func (r *recorder) Inject(ctx context.Context, kind, name, url string) error {
	if err := r.next.Inject(ctx, kind, name, url); err != nil {
		return err
	}
	r.mu.Lock()
	r.tags = append(r.tags, tag{kind, name, url})
	r.mu.Unlock()
	return nil
}

func (r *recorder) list() []tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tag(nil), r.tags...)
}
