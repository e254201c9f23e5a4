package transport

import "context"

// Tag kinds passed to an Injector.
const (
	TagScript = "script"
	TagStyle  = "style"
)

// Injector hands a script or stylesheet URL to a host that loads it
// natively, relying on its own cache and ordering. Inject returns once the
// resource is loaded, or an error that goes through the failover policy
// like any fetch failure.
type Injector interface {
	Inject(ctx context.Context, kind, name, url string) error
}

// InjectorFunc adapts a function to Injector.
type InjectorFunc func(ctx context.Context, kind, name, url string) error

func (f InjectorFunc) Inject(ctx context.Context, kind, name, url string) error {
	return f(ctx, kind, name, url)
}
