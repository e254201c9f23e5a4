// Package integrity checks fetched assets against the SHA-256 digest that
// deployment embeds in every filename (name_<64 hex>.ext).
//
// Hashing is a strategy: SyncHasher hashes on the calling goroutine,
// PoolHasher dispatches to a fixed set of worker goroutines and degrades to
// synchronous hashing when dispatch fails.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
)

// ErrNoDigest is returned when a path carries no name_<hash>.ext suffix.
var ErrNoDigest = errors.New("integrity: no digest in path")

// Hasher produces the lowercase hex SHA-256 digest of a payload.
type Hasher interface {
	Sum(ctx context.Context, payload []byte) (string, error)
}

// SyncHasher hashes on the caller's goroutine.
type SyncHasher struct{}

func (SyncHasher) Sum(_ context.Context, payload []byte) (string, error) {
	return Digest(payload), nil
}

// Digest returns the hex SHA-256 of payload.
func Digest(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

// DigestFromPath extracts the substring between the last '_' and the last
// '.' of path.
func DigestFromPath(path string) (string, error) {
	us := strings.LastIndexByte(path, '_')
	dot := strings.LastIndexByte(path, '.')
	if us < 0 || dot < 0 || dot <= us+1 {
		return "", ErrNoDigest
	}
	return path[us+1 : dot], nil
}

// StampName builds the deployed filename for content: name_<sha256>.ext.
func StampName(name, ext string, content []byte) string {
	return name + "_" + Digest(content) + "." + ext
}

// Verifier compares payload digests against the digest embedded in paths.
type Verifier struct {
	hasher   Hasher
	disabled bool
	logger   *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithHasher sets the hashing strategy. Default: SyncHasher.
func WithHasher(h Hasher) Option {
	return func(v *Verifier) { v.hasher = h }
}

// Disabled turns verification off: Verify always reports a match. Used for
// crawler traffic, local development and extension bundles.
func Disabled() Option {
	return func(v *Verifier) { v.disabled = true }
}

// WithLogger sets the logger used for hashing failures.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier returns a Verifier.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{hasher: SyncHasher{}, logger: slog.Default()}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Enabled reports whether digests are checked.
func (v *Verifier) Enabled() bool { return !v.disabled }

// Verify reports whether text hashes to the digest embedded in path.
// Comparison is case-sensitive.
func (v *Verifier) Verify(ctx context.Context, text []byte, path string) bool {
	if v.disabled {
		return true
	}
	want, err := DigestFromPath(path)
	if err != nil {
		v.logger.WarnContext(ctx, "integrity: unverifiable path", "path", path)
		return false
	}
	got, err := v.hasher.Sum(ctx, text)
	if err != nil {
		// Hashers only fail on dispatch; hash inline instead.
		v.logger.DebugContext(ctx, "integrity: hasher failed, hashing inline", "path", path, "error", err)
		got = Digest(text)
	}
	return got == want
}
