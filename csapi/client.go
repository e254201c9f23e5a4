// Package csapi is the client of the command API: batched JSON requests
// POSTed to <api>/cs?id=0, answered by a JSON array of results where a
// negative number stands for an error code.
//
// The loader uses it for the prerequisites of boot (session check, flags,
// link prefetches) and for the fire-and-forget error beacon.
package csapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/webboot/horosafe"
)

// BeaconEvent is the event number of loader error beacons.
const BeaconEvent = 99723

// Request is one command of a batch. "a" names the action.
type Request map[string]any

// Config configures a Client.
type Config struct {
	APIURL       string        `yaml:"api_url"`
	SessionID    string        `yaml:"-"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	Backoff      time.Duration `yaml:"backoff"`
	AllowPrivate bool          `yaml:"allow_private"`

	HTTPClient *http.Client `yaml:"-"`
	Logger     *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Backoff <= 0 {
		c.Backoff = 250 * time.Millisecond
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client talks to the command API.
type Client struct {
	cfg     Config
	sid     atomic.Pointer[string]
	handler Handler
	beacons sync.WaitGroup
}

// New creates a Client posting to cfg.APIURL.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	if err := horosafe.ValidateOrigin(cfg.APIURL, cfg.AllowPrivate); err != nil {
		return nil, fmt.Errorf("csapi: api url: %w", err)
	}
	c := &Client{cfg: cfg}
	c.SetSession(cfg.SessionID)
	c.handler = c.wrap(HTTPHandler(cfg.HTTPClient, c.target))
	return c, nil
}

// NewWithHandler creates a Client over an arbitrary transport, such as an
// in-process server.
func NewWithHandler(h Handler, cfg Config) *Client {
	cfg.defaults()
	c := &Client{cfg: cfg}
	c.SetSession(cfg.SessionID)
	c.handler = c.wrap(h)
	return c
}

func (c *Client) wrap(h Handler) Handler {
	return Chain(
		Recovery(c.cfg.Logger),
		WithCallLogging(c.cfg.Logger),
		WithRetry(c.cfg.MaxRetries, c.cfg.Backoff, c.cfg.Logger),
		WithTimeout(c.cfg.Timeout),
		WithAnswerCodes(),
	)(h)
}

// target builds the request URL. Boot and beacon calls all go to id=0.
func (c *Client) target() string {
	q := url.Values{}
	q.Set("id", "0")
	if sid := c.Session(); sid != "" {
		q.Set("sid", sid)
	}
	return strings.TrimRight(c.cfg.APIURL, "/") + "/cs?" + q.Encode()
}

// SetSession replaces the session id sent with requests. Empty clears it.
func (c *Client) SetSession(sid string) { c.sid.Store(&sid) }

// Session returns the current session id.
func (c *Client) Session() string { return *c.sid.Load() }

// Call sends one request and returns its raw result. A negative numeric
// result is returned as *APIError.
func (c *Client) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	payload, err := json.Marshal([]Request{req})
	if err != nil {
		return nil, fmt.Errorf("csapi: encode: %w", err)
	}
	action, _ := req["a"].(string)
	body, err := c.handler(ctx, payload)
	if err != nil {
		return nil, err
	}
	return decodeFirst(action, body)
}

func decodeFirst(action string, body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if code, ok := errorCode(body); ok {
		return nil, &APIError{Action: action, Code: code}
	}
	var results []json.RawMessage
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("csapi: %s: decode: %w", action, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("csapi: %s: empty answer", action)
	}
	if code, ok := errorCode(results[0]); ok {
		return nil, &APIError{Action: action, Code: code}
	}
	return results[0], nil
}

func errorCode(raw []byte) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n >= 0 {
		return 0, false
	}
	return n, true
}

// SessionState is the outcome of a session check.
type SessionState int

const (
	SessionValid SessionState = iota
	SessionInvalid
	SessionRevalidate
)

// User is the account summary returned by the session check.
type User struct {
	Handle string `json:"u"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Since  int64  `json:"since,omitempty"`
}

// CheckSession validates the current session. ESID means the session is
// gone; EMFAREQUIRED asks for the extended check, which is made with
// extended set. Other failures are returned as errors.
func (c *Client) CheckSession(ctx context.Context, extended bool) (SessionState, *User, error) {
	req := Request{"a": "ug"}
	if extended {
		req["v"] = 2
	}
	raw, err := c.Call(ctx, req)
	switch {
	case IsCode(err, ESID), IsCode(err, EEXPIRED):
		return SessionInvalid, nil, nil
	case IsCode(err, EMFAREQUIRED):
		return SessionRevalidate, nil, nil
	case err != nil:
		return SessionInvalid, nil, err
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return SessionInvalid, nil, fmt.Errorf("csapi: ug: decode user: %w", err)
	}
	return SessionValid, &u, nil
}

// Logout ends the current session server-side and forgets it locally.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Call(ctx, Request{"a": "sml"})
	c.SetSession("")
	if IsCode(err, ESID) {
		return nil
	}
	return err
}

// Flags fetches the anonymous feature flags.
func (c *Client) Flags(ctx context.Context) (map[string]json.RawMessage, error) {
	raw, err := c.Call(ctx, Request{"a": "gmf"})
	if err != nil {
		return nil, err
	}
	var flags map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, fmt.Errorf("csapi: gmf: decode: %w", err)
	}
	return flags, nil
}

// Download prefetches the metadata of a public file link.
func (c *Client) Download(ctx context.Context, handle string) (json.RawMessage, error) {
	return c.Call(ctx, Request{"a": "g", "p": handle})
}

// Chatlink resolves a public chat link.
func (c *Client) Chatlink(ctx context.Context, handle string) (json.RawMessage, error) {
	return c.Call(ctx, Request{"a": "mcphurl", "ph": handle})
}

// Megadrop resolves a public upload page.
func (c *Client) Megadrop(ctx context.Context, handle string) (json.RawMessage, error) {
	return c.Call(ctx, Request{"a": "pupg", "p": handle})
}

// Voucher fetches the details of a voucher code.
func (c *Client) Voucher(ctx context.Context, code string) (json.RawMessage, error) {
	return c.Call(ctx, Request{"a": "uavq", "v": code})
}

// Beacon reports a loader error without waiting for the answer. The
// message is the JSON encoding of [1, category, file, static origin].
func (c *Client) Beacon(category, file, origin string) {
	m, err := json.Marshal([]any{1, category, file, origin})
	if err != nil {
		return
	}
	req := Request{"a": "log", "e": BeaconEvent, "m": string(m)}
	c.beacons.Add(1)
	go func() {
		defer c.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		if _, err := c.Call(ctx, req); err != nil {
			c.cfg.Logger.Warn("csapi: beacon not delivered", "category", category, "file", file, "error", err)
		}
	}()
}

// Close waits for in-flight beacons.
func (c *Client) Close() {
	c.beacons.Wait()
}
