// Package idgen generates the identifiers used by the loader and the
// development server: load IDs that tag every log line of one page load,
// session ids handed out by staticd, and beacon ids.
package idgen

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Token returns a Generator of URL-safe base-36 strings of the given
// length, read from crypto/rand. Used for session ids.
func Token(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator of time-sortable RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// BeaconPrefix starts every BeaconID.
const BeaconPrefix = "bcn_"

var (
	// LoadID tags one page load.
	LoadID = Prefixed("load_", UUIDv7())
	// BeaconID keys stored beacons.
	BeaconID = Prefixed(BeaconPrefix, UUIDv7())
	// SessionID is the opaque session token issued by the dev server.
	SessionID = Token(43)
)

// Parse validates a UUID (without prefix) and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
