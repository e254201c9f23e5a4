// Package transport fetches asset text from a static origin.
//
// A request carries a first-byte timeout: while on the Primary origin a
// request that has received nothing after the timeout fails fast so the
// failover policy can move on. Once any body byte arrives the timeout no
// longer applies. A zero timeout means unlimited.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/webboot/horosafe"
)

// ErrTimeout is the cancellation cause when no byte arrived in time.
var ErrTimeout = errors.New("transport: no data before timeout")

// FetchError describes a failed fetch. All fetch failures are transient
// from the loader's point of view and go through the failover policy.
type FetchError struct {
	URL     string
	Status  int
	Timeout bool
	Err     error
}

func (e *FetchError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("transport: %s: timeout", e.URL)
	case e.Status != 0:
		return fmt.Sprintf("transport: %s: http %d", e.URL, e.Status)
	}
	return fmt.Sprintf("transport: %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves the text at base/path.
type Fetcher interface {
	Fetch(ctx context.Context, base, path string, timeout time.Duration) ([]byte, error)
}

// Config configures an HTTPFetcher.
type Config struct {
	MaxBytes  int64 // Max body size. Default: horosafe.MaxAssetBytes.
	UserAgent string
	Client    *http.Client
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = horosafe.MaxAssetBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = "webboot/1.0"
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// HTTPFetcher performs plain GET requests.
type HTTPFetcher struct {
	config Config
}

// NewHTTPFetcher creates an HTTPFetcher. The client must not set its own
// Timeout: the first-byte timeout is handled per request.
func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	cfg.defaults()
	return &HTTPFetcher{config: cfg}
}

// Fetch GETs base/path. Non-2xx statuses, transport errors and timeouts are
// returned as *FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, base, path string, timeout time.Duration) ([]byte, error) {
	if err := horosafe.ValidateAssetPath(path); err != nil {
		return nil, err
	}
	url := horosafe.JoinOrigin(base, path)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { cancel(ErrTimeout) })
		defer timer.Stop()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.config.Client.Do(req)
	if err != nil {
		return nil, f.wrap(ctx, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: url, Status: resp.StatusCode}
	}

	body := io.Reader(resp.Body)
	if timer != nil {
		body = &firstByteReader{r: resp.Body, onFirst: func() { timer.Stop() }}
	}
	data, err := horosafe.LimitedReadAll(body, f.config.MaxBytes)
	if err != nil {
		return nil, f.wrap(ctx, url, err)
	}
	f.config.Logger.DebugContext(ctx, "transport: fetched", "url", url, "bytes", len(data))
	return data, nil
}

func (f *HTTPFetcher) wrap(ctx context.Context, url string, err error) error {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		return &FetchError{URL: url, Timeout: true, Err: ErrTimeout}
	}
	return &FetchError{URL: url, Err: err}
}

// firstByteReader calls onFirst once, when the first non-empty read returns.
type firstByteReader struct {
	r       io.Reader
	once    sync.Once
	onFirst func()
}

func (f *firstByteReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if n > 0 {
		f.once.Do(f.onFirst)
	}
	return n, err
}
