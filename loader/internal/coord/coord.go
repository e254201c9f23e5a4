// Package coord drives one page load: a fixed number of channels pull the
// next manifest entry from a shared cursor, fetch it (or hand it to a tag
// injector), verify it, classify it, and report progress. When every entry
// is classified the manifestLoaded condition of the boot gate clears.
//
// The cursor, the progress counter and the halt state are owned by the
// Coordinator and mutated under one mutex. The failure ledger lives in the
// failover policy, which has its own lock. A fatal error sets the halt flag;
// in-flight fetches are not cancelled, their results are simply dropped.
package coord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/webboot/horosafe"
	"github.com/hazyhaar/webboot/loader/internal/cache"
	"github.com/hazyhaar/webboot/loader/internal/failover"
	"github.com/hazyhaar/webboot/loader/internal/gate"
	"github.com/hazyhaar/webboot/loader/internal/integrity"
	"github.com/hazyhaar/webboot/loader/internal/manifest"
	"github.com/hazyhaar/webboot/loader/internal/stage"
	"github.com/hazyhaar/webboot/loader/internal/transport"
)

// Reporter receives terminal events, at most once per category and load.
// Implementations must not block.
type Reporter interface {
	Report(ctx context.Context, c failover.Category, path, origin string)
}

// Config wires a Coordinator. Manifest, Fetcher, Verifier, Policy, Stage
// and Gate are required.
type Config struct {
	Manifest *manifest.Manifest
	Fetcher  transport.Fetcher
	Injector transport.Injector // required when the manifest has tag entries
	Verifier *integrity.Verifier
	Policy   *failover.Policy
	Stage    *stage.Stage
	Gate     *gate.Gate
	Cache    *cache.Store // optional
	Reporter Reporter     // optional

	// Channels is the number of concurrent fetch channels. Default: 2.
	Channels int
	// Lang and DefaultLang decide the reaction to an unparsable language
	// file: reload in DefaultLang, or fatal when Lang is already DefaultLang.
	Lang        string
	DefaultLang string
	// Progress receives the completion percentage each time it changes.
	// It is called with the coordinator lock held and must not call back.
	Progress func(percent int)

	Logger *slog.Logger
	Now    func() time.Time
}

// Coordinator runs one load. It cannot be reused.
type Coordinator struct {
	cfg Config

	mu        sync.Mutex
	started   bool
	cursor    int
	completed int
	total     int
	finished  int
	percent   int
	err       error

	halted atomic.Bool
}

// New creates a Coordinator and seals the manifest.
func New(cfg Config) *Coordinator {
	if cfg.Channels < 1 {
		cfg.Channels = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultLang == "" {
		cfg.DefaultLang = "en"
	}
	cfg.Manifest.Seal()
	return &Coordinator{cfg: cfg, percent: -1}
}

// Run starts the channels and blocks until they all stopped. It returns
// nil when every entry was loaded, a *FatalError or *ReloadError when the
// load halted, or the context error.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.started = true
	c.total = c.cfg.Manifest.TotalWeight()
	n := c.cfg.Manifest.Len()
	c.mu.Unlock()

	c.cfg.Logger.InfoContext(ctx, "coord: load started",
		"entries", n, "total_weight", c.total, "channels", c.cfg.Channels)

	if n == 0 {
		c.mu.Lock()
		c.publishLocked(100)
		c.mu.Unlock()
		c.cfg.Gate.Clear(gate.ManifestLoaded)
		return nil
	}

	var g errgroup.Group
	for slot := 0; slot < c.cfg.Channels; slot++ {
		slot := slot
		g.Go(func() error { return c.channel(ctx, slot) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Progress returns completed and total weight.
func (c *Coordinator) Progress() (completed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed, c.total
}

// Percent returns the last published percentage (-1 before any).
func (c *Coordinator) Percent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.percent
}

// Halted reports whether a fatal or reload condition stopped the load.
func (c *Coordinator) Halted() bool { return c.halted.Load() }

func (c *Coordinator) channel(ctx context.Context, slot int) error {
	for {
		if c.halted.Load() {
			return nil
		}
		d, ok := c.next()
		if !ok {
			return nil
		}
		if err := c.load(ctx, slot, d); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errHalted) {
				return nil
			}
			c.halt(ctx, err)
			return nil
		}
	}
}

// next advances the shared cursor.
func (c *Coordinator) next() (*manifest.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor >= c.cfg.Manifest.Len() {
		return nil, false
	}
	d := c.cfg.Manifest.At(c.cursor)
	c.cursor++
	return d, true
}

func (c *Coordinator) load(ctx context.Context, slot int, d *manifest.Descriptor) error {
	log := c.cfg.Logger.With("slot", slot, "path", d.Path)

	if d.Mode == manifest.ModeTag {
		if err := c.inject(ctx, log, d); err != nil {
			return err
		}
		c.complete(ctx, d)
		return nil
	}

	if body, ok := c.fromCache(ctx, log, d); ok {
		return c.accept(ctx, log, d, body, false)
	}

	body, origin, err := c.fetch(ctx, log, d)
	if err != nil {
		return err
	}
	if c.halted.Load() {
		return nil
	}
	d.SetRawText(string(body))
	if !c.cfg.Verifier.Verify(ctx, body, d.Path) {
		log.ErrorContext(ctx, "coord: digest mismatch", "origin", origin)
		c.report(ctx, failover.ContentCorrupt, d.Path, origin)
		return &FatalError{Kind: FatalCorrupt, Path: d.Path, Origin: origin, At: c.cfg.Now()}
	}
	return c.accept(ctx, log, d, body, true)
}

// fetch retries through the failover policy until the body arrives or the
// Default origin budget for this file is exhausted.
func (c *Coordinator) fetch(ctx context.Context, log *slog.Logger, d *manifest.Descriptor) ([]byte, string, error) {
	for {
		_, base := c.cfg.Policy.Current()
		body, err := c.cfg.Fetcher.Fetch(ctx, base, d.Path, c.cfg.Policy.Timeout())
		if err == nil {
			return body, base, nil
		}
		if ctx.Err() != nil {
			return nil, base, ctx.Err()
		}
		if err := c.failed(ctx, log, d, base, err); err != nil {
			return nil, base, err
		}
	}
}

func (c *Coordinator) inject(ctx context.Context, log *slog.Logger, d *manifest.Descriptor) error {
	if c.cfg.Injector == nil {
		return &FatalError{Kind: FatalExhausted, Path: d.Path, At: c.cfg.Now(), Err: errors.New("no tag injector")}
	}
	kind := transport.TagScript
	if d.Kind == manifest.KindStyle {
		kind = transport.TagStyle
	}
	for {
		_, base := c.cfg.Policy.Current()
		err := c.cfg.Injector.Inject(ctx, kind, d.Name, horosafe.JoinOrigin(base, d.Path))
		if err == nil {
			log.DebugContext(ctx, "coord: tag loaded", "origin", base)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.failed(ctx, log, d, base, err); err != nil {
			return err
		}
	}
}

// failed applies the failover decision for one failure: it sleeps before a
// retry, or returns the fatal error.
func (c *Coordinator) failed(ctx context.Context, log *slog.Logger, d *manifest.Descriptor, base string, cause error) error {
	if c.halted.Load() {
		return errHalted
	}
	dec := c.cfg.Policy.OnFailure(d.Path)
	if dec.Flipped {
		log.WarnContext(ctx, "coord: primary origin exhausted, switching to default",
			"failed_origin", base, "default_origin", dec.BaseURL, "error", cause)
		c.report(ctx, failover.PrimaryExhausted, d.Path, base)
	}
	if dec.Action == failover.Fatal {
		log.ErrorContext(ctx, "coord: retries exhausted", "origin", base, "attempts", dec.Attempt, "error", cause)
		c.report(ctx, failover.DefaultExhausted, d.Path, base)
		return &FatalError{Kind: FatalExhausted, Path: d.Path, Origin: base, At: c.cfg.Now(), Err: cause}
	}
	log.WarnContext(ctx, "coord: retrying",
		"origin", dec.Origin.String(), "attempt", dec.Attempt, "delay_ms", dec.Delay.Milliseconds(), "error", cause)
	return sleep(ctx, dec.Delay)
}

func (c *Coordinator) fromCache(ctx context.Context, log *slog.Logger, d *manifest.Descriptor) ([]byte, bool) {
	if !d.Cache || c.cfg.Cache == nil {
		return nil, false
	}
	body, ok, err := c.cfg.Cache.Get(ctx, d.Path)
	if err != nil {
		log.WarnContext(ctx, "coord: cache read failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if !c.cfg.Verifier.Verify(ctx, body, d.Path) {
		log.WarnContext(ctx, "coord: cached copy does not verify, evicting")
		if err := c.cfg.Cache.Evict(ctx, d.Path); err != nil {
			log.WarnContext(ctx, "coord: cache evict failed", "error", err)
		}
		return nil, false
	}
	log.DebugContext(ctx, "coord: served from cache")
	d.SetRawText(string(body))
	return body, true
}

// accept classifies a verified payload and counts it.
func (c *Coordinator) accept(ctx context.Context, log *slog.Logger, d *manifest.Descriptor, body []byte, store bool) error {
	if c.halted.Load() {
		return nil
	}
	if err := c.cfg.Stage.Classify(d, string(body)); err != nil {
		var pe *stage.ParseError
		if errors.As(err, &pe) && pe.Language() && c.cfg.Lang != c.cfg.DefaultLang {
			log.WarnContext(ctx, "coord: language file unusable, falling back",
				"lang", c.cfg.Lang, "fallback", c.cfg.DefaultLang, "error", err)
			return &ReloadError{Lang: c.cfg.DefaultLang, Path: d.Path, Err: err}
		}
		_, base := c.cfg.Policy.Current()
		return &FatalError{Kind: FatalParse, Path: d.Path, Origin: base, At: c.cfg.Now(), Err: err}
	}
	if store && d.Cache && c.cfg.Cache != nil {
		if err := c.cfg.Cache.Put(ctx, d.Path, body); err != nil {
			log.WarnContext(ctx, "coord: cache write failed", "error", err)
		}
	}
	log.DebugContext(ctx, "coord: classified", "kind", d.Kind.String(), "bytes", len(body))
	c.complete(ctx, d)
	return nil
}

// complete adds d's weight to the progress counter and clears the
// manifestLoaded condition once every entry is done.
func (c *Coordinator) complete(ctx context.Context, d *manifest.Descriptor) {
	c.mu.Lock()
	if c.halted.Load() {
		c.mu.Unlock()
		return
	}
	c.completed += d.Weight
	if c.completed > c.total {
		c.completed = c.total
	}
	c.finished++
	pct := 100
	if c.total > 0 {
		pct = c.completed * 100 / c.total
	}
	c.publishLocked(pct)
	all := c.finished == c.cfg.Manifest.Len()
	c.mu.Unlock()

	if all {
		c.cfg.Logger.InfoContext(ctx, "coord: manifest loaded", "entries", c.finished)
		c.cfg.Gate.Clear(gate.ManifestLoaded)
	}
}

func (c *Coordinator) publishLocked(pct int) {
	if pct <= c.percent {
		return
	}
	c.percent = pct
	if c.cfg.Progress != nil {
		c.cfg.Progress(pct)
	}
}

// halt records the first terminal error and stops further classification.
func (c *Coordinator) halt(ctx context.Context, err error) {
	c.mu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.halted.Store(true)
	c.mu.Unlock()

	if first {
		c.cfg.Logger.ErrorContext(ctx, "coord: load halted", "error", err)
		c.cfg.Gate.Fail(err)
	}
}

func (c *Coordinator) report(ctx context.Context, cat failover.Category, path, origin string) {
	if !c.cfg.Policy.ShouldReport(cat) || c.cfg.Reporter == nil {
		return
	}
	c.cfg.Reporter.Report(ctx, cat, path, origin)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
