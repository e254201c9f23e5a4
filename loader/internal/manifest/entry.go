package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Flag is a hint flag. The deploy tooling writes them as 1/0 as often as
// true/false, so both forms are accepted.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "true", "1":
		*f = true
	case "false", "0", "null":
		*f = false
	default:
		return fmt.Errorf("manifest: invalid flag %s", b)
	}
	return nil
}

func (f *Flag) UnmarshalYAML(n *yaml.Node) error {
	switch strings.ToLower(n.Value) {
	case "true", "1", "yes":
		*f = true
	case "false", "0", "no", "":
		*f = false
	default:
		return fmt.Errorf("manifest: invalid flag %q at line %d", n.Value, n.Line)
	}
	return nil
}

// Entry is the deploy-time wire form of a descriptor:
//
//	{f: <path-with-hash>, n: <logical-name>, j: <kind 0..5>, w?: <weight>, c?, d?, m?, cache?, wk?}
type Entry struct {
	F     string `json:"f" yaml:"f"`
	N     string `json:"n" yaml:"n"`
	J     int    `json:"j" yaml:"j"`
	W     int    `json:"w,omitempty" yaml:"w,omitempty"`
	C     Flag   `json:"c,omitempty" yaml:"c,omitempty"`         // load async, never concatenated
	D     Flag   `json:"d,omitempty" yaml:"d,omitempty"`         // desktop only
	M     Flag   `json:"m,omitempty" yaml:"m,omitempty"`         // mobile only
	Cache Flag   `json:"cache,omitempty" yaml:"cache,omitempty"` // eligible for the local asset cache
	Wk    Flag   `json:"wk,omitempty" yaml:"wk,omitempty"`       // worker source (j=1 only)
}

// ParseEntries decodes a JSON array of wire entries.
func ParseEntries(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("manifest: parse entries: %w", err)
	}
	return entries, nil
}

// Descriptor converts the wire entry. tagMode turns non-async scripts and
// styles into tag-loaded descriptors.
func (e Entry) Descriptor(tagMode bool) (*Descriptor, error) {
	if e.F == "" {
		return nil, fmt.Errorf("manifest: entry %q has no path", e.N)
	}
	if e.J < int(KindTemplate) || e.J > int(KindAccumulator) {
		return nil, fmt.Errorf("manifest: entry %s has unknown kind code %d", e.F, e.J)
	}
	kind := Kind(e.J)
	if bool(e.Wk) {
		if kind != KindScript {
			return nil, fmt.Errorf("manifest: entry %s: worker flag on kind %s", e.F, kind)
		}
		kind = KindWorkerSource
	}
	weight := e.W
	if weight <= 0 {
		weight = 1
	}

	mode := ModeInline
	switch {
	case bool(e.C):
		mode = ModeAsync
	case tagMode && (kind == KindScript || kind == KindStyle):
		mode = ModeTag
	}

	name := e.N
	if name == "" {
		name = e.F
	}
	return &Descriptor{
		Path:   e.F,
		Name:   name,
		Kind:   kind,
		Weight: weight,
		Mode:   mode,
		Cache:  bool(e.Cache),
	}, nil
}
