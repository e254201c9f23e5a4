package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testFile() *File {
	return &File{
		DefaultLanguage: "en",
		Languages: map[string]Entry{
			"en": {F: "lang/en_aa.json", N: "lang", J: 3},
			"fr": {F: "lang/fr_bb.json", N: "lang", J: 3},
		},
		Base: []Entry{
			{F: "js/boot_01.js", N: "boot_js", J: 1, W: 4},
			{F: "css/app_02.css", N: "app_css", J: 2},
			{F: "js/desktop_03.js", N: "desktop_js", J: 1, D: true},
			{F: "js/mobile_04.js", N: "mobile_js", J: 1, M: true},
			{F: "html/pages_05.json", N: "pages", J: 0},
		},
		Embed: []Entry{{F: "js/embed_06.js", N: "embed_js", J: 1}},
		Drop:  []Entry{{F: "js/drop_07.js", N: "drop_js", J: 1}},
		Routes: []RouteGroup{
			{Prefix: "download", Assets: []Entry{{F: "js/dl_08.js", N: "dl_js", J: 1}}},
			{Prefix: "down", Assets: []Entry{{F: "js/down_09.js", N: "down_js", J: 1}}},
			{Prefix: "chat", Assets: []Entry{{F: "js/chat_10.js", N: "chat_js", J: 1, C: true}}},
		},
	}
}

func mustBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(testFile())
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return b
}

func TestBuild_Deterministic(t *testing.T) {
	// WHAT: Identical context yields identical ordered paths.
	// WHY: Script line numbers must be reproducible across loads.
	b := mustBuilder(t)
	ctx := Context{Lang: "en", Route: "download"}

	first, err := b.Build(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := b.Build(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(first.Paths(), again.Paths()); diff != "" {
			t.Fatalf("build %d differs (-first +again):\n%s", i, diff)
		}
	}
}

func TestBuild_OrderAndRouteGroups(t *testing.T) {
	b := mustBuilder(t)
	m, err := b.Build(Context{Lang: "fr", Route: "/download/abc"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"lang/fr_bb.json",
		"js/boot_01.js",
		"css/app_02.css",
		"js/desktop_03.js",
		"html/pages_05.json",
		"js/dl_08.js",
		"js/down_09.js",
	}
	if diff := cmp.Diff(want, m.Paths()); diff != "" {
		t.Fatalf("paths (-want +got):\n%s", diff)
	}
	for i := 0; i < m.Len(); i++ {
		if m.At(i).Index != i {
			t.Errorf("descriptor %d has Index %d", i, m.At(i).Index)
		}
	}
}

func TestBuild_UnknownRouteIsBaseOnly(t *testing.T) {
	b := mustBuilder(t)
	m, err := b.Build(Context{Lang: "en", Route: "fm/xyz"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 5 {
		t.Fatalf("len: got %d, want 5 (%v)", m.Len(), m.Paths())
	}
}

func TestBuild_Mobile(t *testing.T) {
	b := mustBuilder(t)
	m, err := b.Build(Context{Mobile: true, Lang: "en"})
	if err != nil {
		t.Fatal(err)
	}
	paths := m.Paths()
	for _, p := range paths {
		if p == "js/desktop_03.js" {
			t.Fatal("desktop-only asset in mobile manifest")
		}
	}
	if paths[3] != "js/mobile_04.js" {
		t.Fatalf("mobile asset missing: %v", paths)
	}
}

func TestBuild_EmbedAndDropReplace(t *testing.T) {
	b := mustBuilder(t)
	for _, tc := range []struct {
		name string
		ctx  Context
		want []string
	}{
		{"embed", Context{Embed: true, Lang: "en", Route: "download"}, []string{"lang/en_aa.json", "js/embed_06.js"}},
		{"drop", Context{Drop: true, Embed: true, Lang: "en"}, []string{"lang/en_aa.json", "js/drop_07.js"}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			m, err := b.Build(tc.ctx)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, m.Paths()); diff != "" {
				t.Fatalf("paths (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuild_ModesAndWeights(t *testing.T) {
	b := mustBuilder(t)
	m, err := b.Build(Context{Lang: "en", Route: "chat", TagMode: true})
	if err != nil {
		t.Fatal(err)
	}
	byPath := map[string]*Descriptor{}
	for i := 0; i < m.Len(); i++ {
		byPath[m.At(i).Path] = m.At(i)
	}
	if d := byPath["js/boot_01.js"]; d.Mode != ModeTag || d.Weight != 4 {
		t.Errorf("boot: mode %s weight %d", d.Mode, d.Weight)
	}
	if d := byPath["css/app_02.css"]; d.Mode != ModeTag || d.Weight != 1 {
		t.Errorf("css: mode %s weight %d", d.Mode, d.Weight)
	}
	if d := byPath["js/chat_10.js"]; d.Mode != ModeAsync {
		t.Errorf("chat: mode %s, want async", d.Mode)
	}
	if d := byPath["html/pages_05.json"]; d.Mode != ModeInline {
		t.Errorf("pages: mode %s, want inline", d.Mode)
	}
	if got, want := m.TotalWeight(), 4+1+1+1+1+1; got != want {
		t.Errorf("total weight: got %d, want %d", got, want)
	}
}

func TestResolveLang(t *testing.T) {
	b := mustBuilder(t)
	cases := map[string]string{"fr": "fr", "fr-CA": "fr", "de": "en", "": "en"}
	for in, want := range cases {
		if got := b.ResolveLang(in); got != want {
			t.Errorf("ResolveLang(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestNewBuilder_Rejects(t *testing.T) {
	f := testFile()
	f.Languages["de"] = Entry{F: "lang/de_cc.json", J: 1}
	if _, err := NewBuilder(f); err == nil {
		t.Fatal("expected error for non-language kind")
	}

	f = testFile()
	f.DefaultLanguage = "es"
	if _, err := NewBuilder(f); err == nil {
		t.Fatal("expected error for missing default language")
	}
}

func TestEntry_Descriptor(t *testing.T) {
	if _, err := (Entry{N: "x", J: 1}).Descriptor(false); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := (Entry{F: "a_b.js", J: 9}).Descriptor(false); err == nil {
		t.Error("expected error for kind 9")
	}
	if _, err := (Entry{F: "a_b.css", J: 2, Wk: true}).Descriptor(false); err == nil {
		t.Error("expected error for worker flag on style")
	}
	d, err := (Entry{F: "w_b.js", J: 1, Wk: true}).Descriptor(true)
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != KindWorkerSource || d.Name != "w_b.js" {
		t.Errorf("worker: kind %s name %q", d.Kind, d.Name)
	}
}

func TestParseEntries_Flags(t *testing.T) {
	entries, err := ParseEntries([]byte(`[
		{"f":"js/a_1.js","n":"a","j":1,"c":1,"cache":true},
		{"f":"css/b_2.css","n":"b","j":2,"w":3,"m":0}
	]`))
	if err != nil {
		t.Fatal(err)
	}
	want := []Entry{
		{F: "js/a_1.js", N: "a", J: 1, C: true, Cache: true},
		{F: "css/b_2.css", N: "b", J: 2, W: 3},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}

	if _, err := ParseEntries([]byte(`[{"f":"x","j":1,"c":"yes"}]`)); err == nil {
		t.Fatal("expected error for string flag")
	}
}

func TestLoadFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	body := `
default_language: en
languages:
  en: {f: lang/en_aa.json, n: lang, j: 3}
base:
  - {f: js/boot_01.js, n: boot, j: 1, w: 2, cache: 1}
routes:
  - prefix: download
    assets:
      - {f: js/dl_08.js, n: dl, j: 1}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBuilder(f)
	if err != nil {
		t.Fatal(err)
	}
	m, err := b.Build(Context{Route: "download"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"lang/en_aa.json", "js/boot_01.js", "js/dl_08.js"}, m.Paths()); diff != "" {
		t.Fatalf("paths (-want +got):\n%s", diff)
	}
	if !m.At(1).Cache {
		t.Error("cache hint lost")
	}
}

func TestManifest_Sealed(t *testing.T) {
	m := &Manifest{}
	if err := m.Append(&Descriptor{Path: "a", Weight: 1}); err != nil {
		t.Fatal(err)
	}
	m.Seal()
	if err := m.Append(&Descriptor{Path: "b", Weight: 1}); err != ErrSealed {
		t.Fatalf("got %v, want ErrSealed", err)
	}
}

func TestDescriptor_RawTextOnce(t *testing.T) {
	d := &Descriptor{Path: "js/a_1.js"}
	if _, ok := d.RawText(); ok {
		t.Fatal("raw text set before fetch")
	}
	if !d.SetRawText("first") {
		t.Fatal("first set rejected")
	}
	if d.SetRawText("second") {
		t.Fatal("second set accepted")
	}
	if got, _ := d.RawText(); got != "first" {
		t.Fatalf("got %q", got)
	}
	if d.Ext() != "js" {
		t.Fatalf("ext: %q", d.Ext())
	}
}
