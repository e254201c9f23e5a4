// Package stage classifies verified asset text into the buckets the
// application consumes: one script buffer, one stylesheet buffer, the
// template map, the language dictionary, worker sources, iframe blobs and
// accumulator buckets.
//
// Channels complete in any order. Inline scripts and styles are kept by
// manifest index and re-serialized in manifest order on read, so line
// numbers do not depend on network timing. Thread-safe: every write goes
// through one mutex.
package stage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hazyhaar/webboot/loader/internal/manifest"
)

// ParseError is returned when a JSON payload (language or templates) does
// not parse.
type ParseError struct {
	Path string
	Kind manifest.Kind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("stage: parse %s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Language reports whether the failing payload was the language file.
func (e *ParseError) Language() bool { return e.Kind == manifest.KindLanguage }

// Asset is a named payload delivered on its own.
type Asset struct {
	Name string
	Path string
	Text string
}

// Stage holds classified payloads for one load.
type Stage struct {
	mu        sync.Mutex
	scripts   map[int]string
	styles    map[int]string
	async     []Asset
	templates map[string]string
	lang      map[string]string
	workers   map[string]string
	blobs     map[string]string
	acc       map[string]map[int]string
	count     int
}

// New returns an empty Stage.
func New() *Stage {
	return &Stage{
		scripts:   make(map[int]string),
		styles:    make(map[int]string),
		templates: make(map[string]string),
		lang:      make(map[string]string),
		workers:   make(map[string]string),
		blobs:     make(map[string]string),
		acc:       make(map[string]map[int]string),
	}
}

// Classify parses text when needed and stores it in the bucket for d.Kind.
// Nothing is stored when parsing fails.
func (s *Stage) Classify(d *manifest.Descriptor, text string) error {
	var (
		templates map[string]string
		lang      map[string]string
	)
	switch d.Kind {
	case manifest.KindTemplate:
		if err := json.Unmarshal([]byte(text), &templates); err != nil {
			return &ParseError{Path: d.Path, Kind: d.Kind, Err: err}
		}
	case manifest.KindLanguage:
		var err error
		if lang, err = parseLanguage(text); err != nil {
			return &ParseError{Path: d.Path, Kind: d.Kind, Err: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch d.Kind {
	case manifest.KindScript:
		if d.Mode == manifest.ModeAsync {
			s.async = append(s.async, Asset{Name: d.Name, Path: d.Path, Text: text})
		} else {
			s.scripts[d.Index] = text
		}
	case manifest.KindStyle:
		s.styles[d.Index] = text
	case manifest.KindTemplate:
		for k, v := range templates {
			s.templates[k] = v
		}
	case manifest.KindLanguage:
		for k, v := range lang {
			s.lang[k] = v
		}
	case manifest.KindWorkerSource:
		s.workers[d.Name] = text
	case manifest.KindBlob:
		s.blobs[d.Name] = text
	case manifest.KindAccumulator:
		b := s.acc[d.Name]
		if b == nil {
			b = make(map[int]string)
			s.acc[d.Name] = b
		}
		b[d.Index] = text
	default:
		return fmt.Errorf("stage: %s: unhandled kind %s", d.Path, d.Kind)
	}
	s.count++
	return nil
}

// Count is the number of classified payloads.
func (s *Stage) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Script returns inline scripts concatenated in manifest order.
func (s *Stage) Script() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return joinOrdered(s.scripts, "\n")
}

// Styles returns stylesheets concatenated in manifest order.
func (s *Stage) Styles() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return joinOrdered(s.styles, "\n")
}

// AsyncScripts returns async scripts in completion order.
func (s *Stage) AsyncScripts() []Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Asset(nil), s.async...)
}

// Templates returns a copy of the page fragment map.
func (s *Stage) Templates() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMap(s.templates)
}

// Dictionary returns the language strings.
func (s *Stage) Dictionary() Dictionary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Dictionary{m: copyMap(s.lang)}
}

// WorkerSource returns the worker script registered under name.
func (s *Stage) WorkerSource(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.workers[name]
	return v, ok
}

// Blob returns the iframe blob registered under name.
func (s *Stage) Blob(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.blobs[name]
	return v, ok
}

// Accumulated returns the parts of bucket name joined in manifest order.
func (s *Stage) Accumulated(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return joinOrdered(s.acc[name], "")
}

// Dictionary is a read-only key to string table.
type Dictionary struct {
	m map[string]string
}

// Get returns the string for key, or the key itself when missing.
func (d Dictionary) Get(key string) string {
	if v, ok := d.m[key]; ok {
		return v
	}
	return key
}

// Lookup returns the string for key and whether it exists.
func (d Dictionary) Lookup(key string) (string, bool) {
	v, ok := d.m[key]
	return v, ok
}

func (d Dictionary) Len() int { return len(d.m) }

// parseLanguage flattens a language JSON object. Nested objects become
// dotted keys; scalar non-string values keep their JSON text.
func parseLanguage(text string) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	flatten("", raw, out)
	return out, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case string:
			out[key] = val
		case map[string]any:
			flatten(key, val, out)
		case nil:
			out[key] = ""
		default:
			b, _ := json.Marshal(val)
			out[key] = string(b)
		}
	}
}

func joinOrdered(parts map[int]string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	idx := make([]int, 0, len(parts))
	for i := range parts {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	var b strings.Builder
	for n, i := range idx {
		if n > 0 {
			b.WriteString(sep)
		}
		b.WriteString(parts[i])
	}
	return b.String()
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
