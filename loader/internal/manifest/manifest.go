// Package manifest models the ordered list of assets fetched during one
// page load, and the builder that assembles it from device and route context.
//
// Order is significant: it must match deployment-time ordering so that
// concatenated scripts produce the same line numbers everywhere. A manifest
// is only ever appended to, and is sealed before the load starts.
package manifest

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// Kind selects how a fetched payload is classified.
type Kind int

const (
	KindTemplate     Kind = iota // 0: page fragment JSON
	KindScript                   // 1: script, concatenated or tag-loaded
	KindStyle                    // 2: stylesheet
	KindLanguage                 // 3: language strings JSON
	KindBlob                     // 4: iframe-scoped blob resource
	KindAccumulator              // 5: payload split across several entries
	KindWorkerSource             // script source handed to hash workers (j=1, wk set)
)

var kindNames = [...]string{"template", "script", "style", "language", "blob", "accumulator", "worker"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// LoadMode is how a descriptor reaches its destination.
type LoadMode int

const (
	// ModeInline: fetched, verified, and concatenated in manifest order.
	ModeInline LoadMode = iota
	// ModeTag: handed to a tag injector, the host loads it natively.
	ModeTag
	// ModeAsync: fetched and verified, delivered on its own in completion order.
	ModeAsync
)

func (m LoadMode) String() string {
	switch m {
	case ModeInline:
		return "inline"
	case ModeTag:
		return "tag"
	case ModeAsync:
		return "async"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ErrSealed is returned when appending to a manifest whose load has started.
var ErrSealed = errors.New("manifest: sealed")

// Descriptor is one asset of the manifest. Identity is Path, which embeds
// the content hash. Everything except the raw text is fixed at construction.
type Descriptor struct {
	Path   string
	Name   string
	Kind   Kind
	Weight int
	Mode   LoadMode
	Cache  bool
	Index  int

	raw atomic.Pointer[string]
}

// SetRawText stores the fetched text. Only the first call wins; later calls
// return false and leave the stored text untouched.
func (d *Descriptor) SetRawText(s string) bool {
	return d.raw.CompareAndSwap(nil, &s)
}

// RawText returns the fetched text and whether it was set.
func (d *Descriptor) RawText() (string, bool) {
	p := d.raw.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Ext returns the file extension of Path without the dot.
func (d *Descriptor) Ext() string {
	i := strings.LastIndexByte(d.Path, '.')
	if i < 0 || i < strings.LastIndexByte(d.Path, '/') {
		return ""
	}
	return d.Path[i+1:]
}

// Manifest is an ordered, append-only sequence of descriptors.
type Manifest struct {
	items  []*Descriptor
	sealed bool
}

// Append adds d at the end and assigns its Index.
func (m *Manifest) Append(d *Descriptor) error {
	if m.sealed {
		return ErrSealed
	}
	d.Index = len(m.items)
	m.items = append(m.items, d)
	return nil
}

// Seal forbids further appends.
func (m *Manifest) Seal() { m.sealed = true }

// Sealed reports whether Seal was called.
func (m *Manifest) Sealed() bool { return m.sealed }

func (m *Manifest) Len() int { return len(m.items) }

func (m *Manifest) At(i int) *Descriptor { return m.items[i] }

// Paths returns descriptor paths in manifest order.
func (m *Manifest) Paths() []string {
	out := make([]string, len(m.items))
	for i, d := range m.items {
		out[i] = d.Path
	}
	return out
}

// TotalWeight is the sum of all descriptor weights.
func (m *Manifest) TotalWeight() int {
	total := 0
	for _, d := range m.items {
		total += d.Weight
	}
	return total
}
