package staticd

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/webboot/csapi"
	"github.com/hazyhaar/webboot/dbopen"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	store := NewStore(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)))
	s := New(cfg, store, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func writeFile(t *testing.T, root, rel, body string) {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestStatic_ServesAndInjectsFailures(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "js/app_ab.js", "app()")
	s, ts := newTestServer(t, Config{Root: root, FailFirst: 2})

	for i := 0; i < 2; i++ {
		if code, _ := get(t, ts.URL+"/js/app_ab.js"); code != http.StatusServiceUnavailable {
			t.Fatalf("hit %d: status %d", i+1, code)
		}
	}
	code, body := get(t, ts.URL+"/js/app_ab.js")
	if code != http.StatusOK || body != "app()" {
		t.Fatalf("third hit: %d %q", code, body)
	}
	if s.Hits("js/app_ab.js") != 3 {
		t.Fatalf("hits: %d", s.Hits("js/app_ab.js"))
	}
	if code, _ := get(t, ts.URL+"/js/missing.js"); code != http.StatusServiceUnavailable {
		// the first hit of any path is an injected failure too
		t.Fatalf("missing first hit: %d", code)
	}
}

func TestStatic_NotFoundAndTraversal(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	if code, _ := get(t, ts.URL+"/js/none.js"); code != http.StatusNotFound {
		t.Fatalf("status %d", code)
	}
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/x", nil)
	req.URL.Path = "/../etc/passwd"
	req.URL.RawPath = "/..%2Fetc%2Fpasswd"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("traversal served")
	}
}

func TestStatic_Corrupt(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "js/a_ff.js", "a()")
	_, ts := newTestServer(t, Config{Root: root, Corrupt: []string{"/js/a_ff.js"}})
	_, body := get(t, ts.URL+"/js/a_ff.js")
	if body == "a()" || !strings.HasPrefix(body, "a()") {
		t.Fatalf("body: %q", body)
	}
}

func TestCS_SessionAndLinks(t *testing.T) {
	ctx := context.Background()
	s, ts := newTestServer(t, Config{Flags: map[string]any{"ach": 1}})
	sid, err := s.Store().CreateSession(ctx, map[string]any{"u": "h1"}, "valid")
	if err != nil {
		t.Fatal(err)
	}
	mfa, err := s.Store().CreateSession(ctx, map[string]any{"u": "h2"}, "revalidate")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store().PutLink(ctx, "g", "abc", map[string]any{"s": 42}); err != nil {
		t.Fatal(err)
	}

	client := func(sid string) *csapi.Client {
		c, err := csapi.New(csapi.Config{APIURL: ts.URL, SessionID: sid, AllowPrivate: true, MaxRetries: -1})
		if err != nil {
			t.Fatal(err)
		}
		return c
	}

	st, u, err := client(sid).CheckSession(ctx, false)
	if err != nil || st != csapi.SessionValid || u.Handle != "h1" {
		t.Fatalf("valid: %v %+v %v", st, u, err)
	}
	if st, _, _ := client("nope").CheckSession(ctx, false); st != csapi.SessionInvalid {
		t.Fatalf("unknown sid: %v", st)
	}
	c := client(mfa)
	if st, _, _ := c.CheckSession(ctx, false); st != csapi.SessionRevalidate {
		t.Fatalf("mfa: %v", st)
	}
	if st, u, _ := c.CheckSession(ctx, true); st != csapi.SessionValid || u.Handle != "h2" {
		t.Fatalf("extended: %v %+v", st, u)
	}

	anon := client("")
	raw, err := anon.Download(ctx, "abc")
	if err != nil || string(raw) != `{"s":42}` {
		t.Fatalf("download: %s %v", raw, err)
	}
	if _, err := anon.Voucher(ctx, "none"); !csapi.IsCode(err, csapi.ENOENT) {
		t.Fatalf("voucher: %v", err)
	}
	flags, err := anon.Flags(ctx)
	if err != nil || string(flags["ach"]) != "1" {
		t.Fatalf("flags: %v %v", flags, err)
	}

	lc := client(sid)
	if err := lc.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, _ := s.Store().Session(ctx, sid); ok {
		t.Fatal("session survived logout")
	}
}

func TestCS_BeaconsListedSanitized(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	c, err := csapi.New(csapi.Config{APIURL: ts.URL, AllowPrivate: true})
	if err != nil {
		t.Fatal(err)
	}
	c.Beacon("<script>alert(1)</script>", "js/a_ff.js", "https://eu.static.test/")
	c.Close()

	list, err := s.Store().Beacons(context.Background(), 10)
	if err != nil || len(list) != 1 || list[0].Event != csapi.BeaconEvent {
		t.Fatalf("beacons: %+v %v", list, err)
	}

	_, page := get(t, ts.URL+"/_beacons")
	if strings.Contains(page, "<script>") {
		t.Fatalf("unsanitized page: %s", page)
	}
	if !strings.Contains(page, "js/a_ff.js") {
		t.Fatalf("beacon missing from page: %s", page)
	}
}

func TestBeacon_LookupByID(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	if err := s.Store().AddBeacon(context.Background(), csapi.BeaconEvent, `[1,"content_corrupt","js/a_ff.js","https://eu.static.test/"]`, "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	list, err := s.Store().Beacons(context.Background(), 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("beacons: %+v %v", list, err)
	}
	id := list[0].ID

	code, body := get(t, ts.URL+"/_beacons/"+id)
	if code != http.StatusOK || !strings.Contains(body, "content_corrupt") || !strings.Contains(body, id) {
		t.Fatalf("lookup: %d %s", code, body)
	}
	if code, _ := get(t, ts.URL+"/_beacons/"+strings.ToUpper(id[len("bcn_"):])); code != http.StatusBadRequest {
		t.Fatalf("unprefixed id: %d", code)
	}
	if code, _ := get(t, ts.URL+"/_beacons/bcn_not-a-uuid"); code != http.StatusBadRequest {
		t.Fatalf("malformed id: %d", code)
	}
	if code, _ := get(t, ts.URL+"/_beacons/bcn_01890a5d-ac96-774b-bcce-b302099a8057"); code != http.StatusNotFound {
		t.Fatalf("unknown id: %d", code)
	}
}

func TestCS_RateLimited(t *testing.T) {
	_, ts := newTestServer(t, Config{RatePerSecond: 0.001, RateBurst: 1})
	post := func() string {
		resp, err := http.Post(ts.URL+"/cs?id=0", "application/json", strings.NewReader(`[{"a":"gmf"}]`))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return strings.TrimSpace(string(b))
	}
	if got := post(); got != "[{}]" {
		t.Fatalf("first: %s", got)
	}
	if got := post(); got != "-4" {
		t.Fatalf("second: %s", got)
	}
}

func TestCS_BadBatch(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	resp, err := http.Post(ts.URL+"/cs", "application/json", strings.NewReader(`{"a":"ug"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "-2" {
		t.Fatalf("answer: %q", b)
	}
}

func TestRateLimiter_GC(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	rl.Allow("1.1.1.1")
	now = now.Add(time.Hour)
	rl.Allow("2.2.2.2")
	if n := rl.GC(10 * time.Minute); n != 1 {
		t.Fatalf("collected %d", n)
	}
}
