package coord

import (
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyRunning is returned by Run when a load is already in progress
// or has already happened on this coordinator.
var ErrAlreadyRunning = errors.New("coord: already running")

// errHalted unwinds a channel whose retry loop noticed the halt flag.
var errHalted = errors.New("coord: halted")

// FatalKind classifies a load failure that stops boot.
type FatalKind int

const (
	FatalCorrupt   FatalKind = iota // digest mismatch
	FatalExhausted                  // retries exhausted on the Default origin
	FatalParse                      // template (or default language) JSON did not parse
)

func (k FatalKind) String() string {
	switch k {
	case FatalCorrupt:
		return "corrupt"
	case FatalExhausted:
		return "exhausted"
	case FatalParse:
		return "parse"
	}
	return "unknown"
}

// FatalError stops the load and withholds boot. It names the file, the
// static origin that served (or failed to serve) it and when it happened.
type FatalError struct {
	Kind   FatalKind
	Path   string
	Origin string
	At     time.Time
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("coord: %s: %s from %s: %v", e.Kind, e.Path, e.Origin, e.Err)
	}
	return fmt.Sprintf("coord: %s: %s from %s", e.Kind, e.Path, e.Origin)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Message is the confirmable text shown to the user.
func (e *FatalError) Message() string {
	what := "could not be loaded"
	if e.Kind == FatalCorrupt {
		what = "was corrupted in transit"
	}
	return fmt.Sprintf("The file %s %s (static server %s, %s). Reload to try again from the default server.",
		e.Path, what, e.Origin, e.At.UTC().Format(time.RFC3339))
}

// ReloadError asks for a new load in another language, after the language
// file failed to parse. It is not a corruption.
type ReloadError struct {
	Lang string
	Path string
	Err  error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("coord: language file %s unusable, reload in %q: %v", e.Path, e.Lang, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }
