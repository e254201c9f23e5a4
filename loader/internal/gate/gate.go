// Package gate is the boot barrier: it withholds application entry until
// the manifest is loaded and every out-of-band prerequisite of the current
// route has answered.
//
// Conditions are cleared idempotently. Boot fires exactly once. A fatal
// error keeps the gate pending forever: a corrupted application is never
// booted.
package gate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Condition names a prerequisite of boot.
type Condition string

const (
	ManifestLoaded        Condition = "manifestLoaded"
	ExternalScriptsLoaded Condition = "externalScriptsLoaded"
	SessionCheck          Condition = "sessionCheck"
	FlagsFetch            Condition = "flagsFetch"
	VoucherFetch          Condition = "voucherFetch"
	ChatlinkResolve       Condition = "chatlinkResolve"
	MegadropResolve       Condition = "megadropResolve"
	DownloadPrefetch      Condition = "downloadPrefetch"
)

// Session is the outcome of the session check.
type Session int

const (
	SessionNone       Session = iota // no session to check
	SessionValid                     // authenticated
	SessionInvalid                   // expired or revoked
	SessionRevalidate                // needs an extended login check
)

func (s Session) String() string {
	switch s {
	case SessionValid:
		return "valid"
	case SessionInvalid:
		return "invalid"
	case SessionRevalidate:
		return "revalidate"
	}
	return "none"
}

// Path is the boot sequence chosen from the session outcome.
type Path int

const (
	BootAnonymous       Path = iota // no session
	BootAuthenticated               // valid session
	BootLogoutAnonymous             // forced logout, then anonymous boot
	BootRevalidate                  // extended login check, then boot
)

func (p Path) String() string {
	switch p {
	case BootAuthenticated:
		return "authenticated"
	case BootLogoutAnonymous:
		return "logout_anonymous"
	case BootRevalidate:
		return "revalidate"
	}
	return "anonymous"
}

// PathFor maps a session outcome to its boot path.
func PathFor(s Session) Path {
	switch s {
	case SessionValid:
		return BootAuthenticated
	case SessionInvalid:
		return BootLogoutAnonymous
	case SessionRevalidate:
		return BootRevalidate
	}
	return BootAnonymous
}

// Boot is passed to the entry function when the gate opens.
type Boot struct {
	Path    Path
	Session Session
}

// Gate is the boot barrier for one load.
type Gate struct {
	mu      sync.Mutex
	pending map[Condition]bool
	active  map[Condition]bool
	session Session
	fired   bool
	fatal   error
	boot    Boot
	entry   func(Boot)
	done    chan struct{}
	failed  chan struct{}
	logger  *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a gate over conds. ManifestLoaded is always included. entry
// is called once, outside the gate lock, when the last condition clears;
// it may be nil.
func New(conds []Condition, entry func(Boot), opts ...Option) *Gate {
	g := &Gate{
		pending: map[Condition]bool{ManifestLoaded: true},
		active:  map[Condition]bool{ManifestLoaded: true},
		entry:   entry,
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
		logger:  slog.Default(),
	}
	for _, c := range conds {
		g.pending[c] = true
		g.active[c] = true
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Active reports whether c is part of this gate.
func (g *Gate) Active(c Condition) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[c]
}

// Clear marks c as satisfied. Clearing twice, clearing an inactive
// condition, or clearing after boot fired are no-ops.
func (g *Gate) Clear(c Condition) {
	g.mu.Lock()
	if g.fired || !g.pending[c] {
		g.mu.Unlock()
		return
	}
	delete(g.pending, c)
	g.logger.Debug("gate: cleared", "condition", string(c), "remaining", len(g.pending))
	fire := g.readyLocked()
	g.mu.Unlock()

	if fire {
		g.fire()
	}
}

// SetSession records the session outcome and clears SessionCheck.
func (g *Gate) SetSession(s Session) {
	g.mu.Lock()
	if !g.fired && g.pending[SessionCheck] {
		g.session = s
	}
	g.mu.Unlock()
	g.Clear(SessionCheck)
}

// Fail records a fatal condition. The gate never fires afterwards.
// Only the first error is kept.
func (g *Gate) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fired || g.fatal != nil {
		return
	}
	g.fatal = err
	close(g.failed)
	g.logger.Error("gate: fatal, boot withheld", "error", err, "pending", len(g.pending))
}

// Pending lists conditions not yet cleared, sorted.
func (g *Gate) Pending() []Condition {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Condition, 0, len(g.pending))
	for c := range g.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fired reports whether boot happened.
func (g *Gate) Fired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}

// Done is closed when boot fires.
func (g *Gate) Done() <-chan struct{} { return g.done }

// Wait blocks until boot fires, a fatal error is recorded, or ctx ends.
func (g *Gate) Wait(ctx context.Context) (Boot, error) {
	select {
	case <-g.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.boot, nil
	case <-g.failed:
		g.mu.Lock()
		defer g.mu.Unlock()
		return Boot{}, g.fatal
	case <-ctx.Done():
		return Boot{}, ctx.Err()
	}
}

func (g *Gate) readyLocked() bool {
	return len(g.pending) == 0 && g.fatal == nil && !g.fired
}

func (g *Gate) fire() {
	g.mu.Lock()
	if g.fired || g.fatal != nil {
		g.mu.Unlock()
		return
	}
	g.fired = true
	g.boot = Boot{Path: PathFor(g.session), Session: g.session}
	b := g.boot
	close(g.done)
	g.mu.Unlock()

	g.logger.Info("gate: boot", "path", b.Path.String(), "session", b.Session.String())
	if g.entry != nil {
		g.entry(b)
	}
}
