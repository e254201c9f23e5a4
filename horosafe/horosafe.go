// Package horosafe holds the small safety checks shared by the loader and
// the development static server: origin URL validation, asset path guards
// and bounded body reads.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// MaxAssetBytes caps a single asset body (32 MiB).
const MaxAssetBytes int64 = 32 << 20

// ErrPathTraversal is returned when a path escapes its base.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// ErrUnsafeScheme is returned when an origin is not http or https.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// ErrPrivateOrigin is returned when an origin targets a private or loopback
// address and private origins are not allowed.
var ErrPrivateOrigin = errors.New("horosafe: origin targets a private or loopback address")

// ValidateOrigin checks that rawURL is an http(s) URL with a host and no
// query or fragment. Literal private/loopback IPs are rejected unless
// allowPrivate is set (local development).
func ValidateOrigin(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid origin: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("horosafe: origin has no host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("horosafe: origin must not carry a query or fragment")
	}
	if allowPrivate {
		return nil
	}
	if host == "localhost" {
		return ErrPrivateOrigin
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return ErrPrivateOrigin
	}
	return nil
}

// ValidateAssetPath rejects manifest paths that are absolute, carry a
// scheme, or climb out of the origin root.
func ValidateAssetPath(p string) error {
	if p == "" {
		return fmt.Errorf("horosafe: empty asset path")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "://") || strings.HasPrefix(p, "//") {
		return fmt.Errorf("horosafe: asset path %q must be relative", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return ErrPathTraversal
		}
	}
	return nil
}

// JoinOrigin joins an origin base URL and a relative asset path.
func JoinOrigin(base, p string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path.Clean("/"+p), "/")
}

// SafePath validates that joining base and userInput does not escape base.
// Returns the cleaned path or ErrPathTraversal.
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(base) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// LimitedReadAll reads at most maxBytes from r and fails if there is more.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("horosafe: body exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
