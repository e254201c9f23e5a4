package csapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// apiServer answers each action with a canned JSON result.
func apiServer(t *testing.T, answers map[string]string) (*httptest.Server, *[]map[string]any, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var seen []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cs" || r.URL.Query().Get("id") != "0" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		var batch []map[string]any
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &batch); err != nil || len(batch) != 1 {
			http.Error(w, "bad batch", http.StatusBadRequest)
			return
		}
		batch[0]["_sid"] = r.URL.Query().Get("sid")
		mu.Lock()
		seen = append(seen, batch[0])
		mu.Unlock()
		a, _ := batch[0]["a"].(string)
		ans, ok := answers[a]
		if !ok {
			ans = "-2"
		}
		w.Write([]byte("[" + ans + "]"))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen, &mu
}

func newClient(t *testing.T, url, sid string) *Client {
	t.Helper()
	c, err := New(Config{APIURL: url, SessionID: sid, AllowPrivate: true, Backoff: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCheckSession_Outcomes(t *testing.T) {
	cases := []struct {
		name   string
		answer string
		want   SessionState
	}{
		{"valid", `{"u":"h1","name":"Ann"}`, SessionValid},
		{"esid", `-15`, SessionInvalid},
		{"revalidate", `-26`, SessionRevalidate},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv, seen, mu := apiServer(t, map[string]string{"ug": tc.answer})
			c := newClient(t, srv.URL, "sid-1")
			st, u, err := c.CheckSession(context.Background(), false)
			if err != nil || st != tc.want {
				t.Fatalf("state=%v err=%v", st, err)
			}
			if tc.want == SessionValid && (u == nil || u.Handle != "h1") {
				t.Fatalf("user: %+v", u)
			}
			mu.Lock()
			defer mu.Unlock()
			if (*seen)[0]["_sid"] != "sid-1" {
				t.Fatalf("sid not sent: %v", (*seen)[0])
			}
		})
	}
}

func TestCall_APIErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := NewWithHandler(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return []byte("[-9]"), nil
	}, Config{Backoff: time.Millisecond})

	_, err := c.Download(context.Background(), "abc")
	var ae *APIError
	if !errors.As(err, &ae) || ae.Code != ENOENT || ae.Action != "g" {
		t.Fatalf("err: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls: %d", calls.Load())
	}
}

func TestCall_TransportErrorRetried(t *testing.T) {
	var calls atomic.Int32
	c := NewWithHandler(func(context.Context, []byte) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return []byte(`[{"ok":1}]`), nil
	}, Config{MaxRetries: 2, Backoff: time.Millisecond})

	raw, err := c.Voucher(context.Background(), "V1")
	if err != nil || string(raw) != `{"ok":1}` {
		t.Fatalf("raw=%s err=%v", raw, err)
	}
}

func TestCall_EAGAINRetried(t *testing.T) {
	// WHAT: An EAGAIN answer is retried and the next answer is returned.
	// WHY: The server uses EAGAIN to ask the client to try again.
	var calls atomic.Int32
	c := NewWithHandler(func(context.Context, []byte) ([]byte, error) {
		if calls.Add(1) == 1 {
			return []byte("[-3]"), nil
		}
		return []byte(`[{"ok":1}]`), nil
	}, Config{MaxRetries: 2, Backoff: time.Millisecond})

	raw, err := c.Flags(context.Background())
	if err != nil || string(raw["ok"]) != "1" {
		t.Fatalf("flags=%v err=%v", raw, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls: %d", calls.Load())
	}
}

func TestCall_EAGAINExhausted(t *testing.T) {
	var calls atomic.Int32
	c := NewWithHandler(func(context.Context, []byte) ([]byte, error) {
		calls.Add(1)
		return []byte("[-3]"), nil
	}, Config{MaxRetries: 1, Backoff: time.Millisecond})

	_, err := c.Flags(context.Background())
	var ae *APIError
	if !errors.As(err, &ae) || ae.Code != EAGAIN || ae.Action != "gmf" {
		t.Fatalf("err: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls: %d", calls.Load())
	}
}

func TestCall_BatchLevelError(t *testing.T) {
	c := NewWithHandler(func(context.Context, []byte) ([]byte, error) {
		return []byte("-4"), nil
	}, Config{MaxRetries: -1})
	if _, err := c.Megadrop(context.Background(), "p"); !IsCode(err, ERATELIMIT) {
		t.Fatalf("err: %v", err)
	}
}

func TestCall_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()
	c, err := New(Config{APIURL: srv.URL, AllowPrivate: true, MaxRetries: -1})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Chatlink(context.Background(), "x")
	var se *ErrStatus
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway {
		t.Fatalf("err: %v", err)
	}
}

func TestFlags(t *testing.T) {
	srv, _, _ := apiServer(t, map[string]string{"gmf": `{"ach":1,"mfae":0}`})
	c := newClient(t, srv.URL, "")
	flags, err := c.Flags(context.Background())
	if err != nil || string(flags["ach"]) != "1" {
		t.Fatalf("flags=%v err=%v", flags, err)
	}
}

func TestBeacon_FireAndForget(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, seen, mu := apiServer(t, map[string]string{"log": "0"})
	c := newClient(t, srv.URL, "")
	c.Beacon("content_corrupt", "js/a_ff.js", "https://eu.static.test/")
	c.Close()
	srv.Close()
	srv.Client().CloseIdleConnections()
	c.cfg.HTTPClient.CloseIdleConnections()

	mu.Lock()
	defer mu.Unlock()
	if len(*seen) != 1 {
		t.Fatalf("beacons: %d", len(*seen))
	}
	b := (*seen)[0]
	if b["e"] != float64(BeaconEvent) {
		t.Fatalf("event: %v", b["e"])
	}
	var m []any
	if err := json.Unmarshal([]byte(b["m"].(string)), &m); err != nil {
		t.Fatal(err)
	}
	if len(m) != 4 || m[1] != "content_corrupt" || m[2] != "js/a_ff.js" {
		t.Fatalf("message: %v", m)
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	if _, err := New(Config{APIURL: "ftp://x"}); err == nil {
		t.Fatal("ftp accepted")
	}
}

func TestLogout_ClearsSession(t *testing.T) {
	srv, _, _ := apiServer(t, map[string]string{"sml": "0"})
	c := newClient(t, srv.URL, "sid-9")
	if err := c.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Session() != "" {
		t.Fatal("session kept after logout")
	}
}
