package loader

import (
	"fmt"

	"github.com/hazyhaar/webboot/loader/internal/coord"
)

// FatalError stops a load and withholds boot: a corrupted file, a file the
// Default origin could not serve, or an unparsable template file. Its
// Message is meant to be confirmed by the user before a reload.
type FatalError = coord.FatalError

// Fatal kinds.
const (
	FatalCorrupt   = coord.FatalCorrupt
	FatalExhausted = coord.FatalExhausted
	FatalParse     = coord.FatalParse
)

// ReloadError means the load must be restarted with different settings.
type ReloadError struct {
	Lang           string // language to reload in, if changed
	StaticOverride string // origin the reload is pinned to, if any
	Err            error
}

func (e *ReloadError) Error() string {
	switch {
	case e.Lang != "":
		return fmt.Sprintf("loader: reload in %q: %v", e.Lang, e.Err)
	case e.StaticOverride != "":
		return fmt.Sprintf("loader: reload pinned to %s: %v", e.StaticOverride, e.Err)
	}
	return fmt.Sprintf("loader: reload: %v", e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }
