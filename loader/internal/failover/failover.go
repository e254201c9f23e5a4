// Package failover decides what happens after an asset fetch fails.
//
// Two static origins are involved: Primary, a geo-routed regional host, and
// Default, a fallback assumed to be highly available. Failures on Primary
// are counted globally (Primary is expected to fail wholesale); failures on
// Default are counted per file (only specific files are expected to fail).
// Once the policy flips to Default it never returns to Primary.
//
// Thread-safe: all state transitions use a mutex.
package failover

import (
	"sync"
	"time"
)

// Origin identifies a static host.
type Origin int

const (
	OnPrimary Origin = iota
	OnDefault
)

func (o Origin) String() string {
	if o == OnDefault {
		return "default"
	}
	return "primary"
}

// Action is what the caller must do after a failure.
type Action int

const (
	Retry Action = iota // retry the same file after Delay on Origin
	Fatal               // give up on the file
)

// Category is a class of terminal event reported at most once per load.
type Category int

const (
	PrimaryExhausted Category = iota
	DefaultExhausted
	ContentCorrupt
)

func (c Category) String() string {
	switch c {
	case PrimaryExhausted:
		return "primary_exhausted"
	case DefaultExhausted:
		return "default_exhausted"
	case ContentCorrupt:
		return "content_corrupt"
	}
	return "unknown"
}

// Decision is the outcome of OnFailure.
type Decision struct {
	Action  Action
	Origin  Origin
	BaseURL string
	Delay   time.Duration
	Flipped bool // this failure caused the flip to Default
	Attempt int  // counter value after this failure
}

// Ledger is a snapshot of the failure counters.
type Ledger struct {
	PrimaryFailures  int
	DefaultFailures  map[string]int
	FlippedToDefault bool
}

// Policy is the origin state machine for one page load.
type Policy struct {
	mu              sync.Mutex
	primaryURL      string
	defaultURL      string
	maxPrimary      int
	maxDefault      int
	primaryDelay    time.Duration
	backoffUnit     time.Duration
	primaryTimeout  time.Duration
	primaryFailures int
	defaultFailures map[string]int
	flipped         bool
	reported        map[Category]bool
}

// Option configures a Policy.
type Option func(*Policy)

// WithMaxRetries sets the primary (global) and default (per file) budgets.
func WithMaxRetries(primary, def int) Option {
	return func(p *Policy) {
		p.maxPrimary = primary
		p.maxDefault = def
	}
}

// WithPrimaryDelay sets the fixed delay before a retry on Primary.
func WithPrimaryDelay(d time.Duration) Option {
	return func(p *Policy) { p.primaryDelay = d }
}

// WithBackoffUnit sets the linear backoff step on Default (count * unit).
func WithBackoffUnit(d time.Duration) Option {
	return func(p *Policy) { p.backoffUnit = d }
}

// WithPrimaryTimeout sets the request timeout used while on Primary.
func WithPrimaryTimeout(d time.Duration) Option {
	return func(p *Policy) { p.primaryTimeout = d }
}

// StartOnDefault pins the load to Default from the start, as after a
// confirmed fatal reload. The per-file counters start empty.
func StartOnDefault() Option {
	return func(p *Policy) { p.flipped = true }
}

// New creates a Policy with defaults: 2 primary failures, 3 default
// failures per file, 300ms primary retry delay, 100ms backoff unit and a
// 15s primary timeout.
func New(primaryURL, defaultURL string, opts ...Option) *Policy {
	p := &Policy{
		primaryURL:      primaryURL,
		defaultURL:      defaultURL,
		maxPrimary:      2,
		maxDefault:      3,
		primaryDelay:    300 * time.Millisecond,
		backoffUnit:     100 * time.Millisecond,
		primaryTimeout:  15 * time.Second,
		defaultFailures: make(map[string]int),
		reported:        make(map[Category]bool),
	}
	for _, o := range opts {
		o(p)
	}
	if primaryURL == "" || primaryURL == defaultURL {
		p.flipped = true
	}
	return p
}

// Current returns the origin new requests must use and its base URL.
func (p *Policy) Current() (Origin, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

func (p *Policy) currentLocked() (Origin, string) {
	if p.flipped {
		return OnDefault, p.defaultURL
	}
	return OnPrimary, p.primaryURL
}

// Timeout is the request timeout: finite on Primary, zero (unlimited) once
// flipped to Default.
func (p *Policy) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flipped {
		return 0
	}
	return p.primaryTimeout
}

// Flipped reports whether the load moved to Default.
func (p *Policy) Flipped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flipped
}

// OnFailure records a failed fetch of path and returns what to do next.
// A Primary request still in flight when another channel caused the flip
// counts as that file's first Default failure.
func (p *Policy) OnFailure(path string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.flipped {
		p.primaryFailures++
		if p.primaryFailures < p.maxPrimary {
			return Decision{
				Action:  Retry,
				Origin:  OnPrimary,
				BaseURL: p.primaryURL,
				Delay:   p.primaryDelay,
				Attempt: p.primaryFailures,
			}
		}
		p.flipped = true
		p.defaultFailures[path] = 0
		return Decision{
			Action:  Retry,
			Origin:  OnDefault,
			BaseURL: p.defaultURL,
			Flipped: true,
		}
	}

	n, seen := p.defaultFailures[path]
	if seen {
		n++
	} else {
		n = 1
	}
	p.defaultFailures[path] = n
	if n < p.maxDefault {
		return Decision{
			Action:  Retry,
			Origin:  OnDefault,
			BaseURL: p.defaultURL,
			Delay:   time.Duration(n) * p.backoffUnit,
			Attempt: n,
		}
	}
	return Decision{Action: Fatal, Origin: OnDefault, BaseURL: p.defaultURL, Attempt: n}
}

// ShouldReport returns true the first time it is called for c, false after.
func (p *Policy) ShouldReport(c Category) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reported[c] {
		return false
	}
	p.reported[c] = true
	return true
}

// Snapshot copies the failure ledger.
func (p *Policy) Snapshot() Ledger {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := Ledger{
		PrimaryFailures:  p.primaryFailures,
		DefaultFailures:  make(map[string]int, len(p.defaultFailures)),
		FlippedToDefault: p.flipped,
	}
	for k, v := range p.defaultFailures {
		l.DefaultFailures[k] = v
	}
	return l
}
