// Package staticd is a development server for the loader. It serves a
// directory as a static origin, with optional fault injection (failing or
// tampering with responses) to exercise failover and integrity checks, and
// answers the command API actions the loader needs before boot.
package staticd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/webboot/csapi"
	"github.com/hazyhaar/webboot/horosafe"
	"github.com/hazyhaar/webboot/idgen"
)

// Config configures a Server.
type Config struct {
	Addr   string `yaml:"addr"`
	Root   string `yaml:"root"`
	DBPath string `yaml:"db_path"`

	// FailFirst answers the first N requests of every path with 503.
	FailFirst int `yaml:"fail_first"`
	// Delay is waited before the first byte of every static response.
	Delay time.Duration `yaml:"delay"`
	// Corrupt lists paths served with altered bytes.
	Corrupt []string `yaml:"corrupt"`

	Flags         map[string]any `yaml:"flags"`
	RatePerSecond float64        `yaml:"rate_per_second"`
	RateBurst     int            `yaml:"rate_burst"`
	MaxBatch      int            `yaml:"max_batch"`
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":8089"
	}
	if c.Root == "" {
		c.Root = "."
	}
	if c.DBPath == "" {
		c.DBPath = "staticd.db"
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 50
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("staticd: parse config: %w", err)
	}
	return cfg, nil
}

// Server is the development static origin and API.
type Server struct {
	cfg     Config
	store   *Store
	limiter *RateLimiter
	logger  *slog.Logger
	policy  *bluemonday.Policy
	router  chi.Router

	mu      sync.Mutex
	hits    map[string]int
	corrupt map[string]bool
}

// New creates a Server over store.
func New(cfg Config, store *Store, logger *slog.Logger) *Server {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		limiter: NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
		logger:  logger,
		policy:  bluemonday.StrictPolicy(),
		hits:    make(map[string]int),
		corrupt: make(map[string]bool),
	}
	for _, p := range cfg.Corrupt {
		s.corrupt[strings.TrimPrefix(p, "/")] = true
	}

	r := chi.NewRouter()
	r.Get("/_beacons", s.handleBeacons)
	r.Get("/_beacons/{id}", s.handleBeacon)
	r.Post("/cs", s.handleCS)
	r.Get("/*", s.handleStatic)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Store returns the backing store.
func (s *Server) Store() *Store { return s.store }

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	gc := time.NewTicker(5 * time.Minute)
	defer gc.Stop()
	s.logger.Info("staticd: listening", "addr", s.cfg.Addr, "root", s.cfg.Root)
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-gc.C:
			s.limiter.GC(10 * time.Minute)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	full, err := horosafe.SafePath(s.cfg.Root, rel)
	if err != nil || rel == "" {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.hits[rel]++
	n := s.hits[rel]
	s.mu.Unlock()
	if n <= s.cfg.FailFirst {
		s.logger.Debug("staticd: injected failure", "path", rel, "hit", n)
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	body, err := horosafe.LimitedReadAll(f, horosafe.MaxAssetBytes)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	if s.corrupt[rel] {
		body = append(bytes.Clone(body), "\n/* tampered */"...)
	}

	if s.cfg.Delay > 0 {
		t := time.NewTimer(s.cfg.Delay)
		select {
		case <-r.Context().Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	ct := mime.TypeByExtension(path.Ext(rel))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(body)
}

// Hits returns how many times rel was requested.
func (s *Server) Hits(rel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[rel]
}

func (s *Server) handleCS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		fmt.Fprint(w, csapi.ERATELIMIT)
		return
	}

	var batch []map[string]json.RawMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&batch); err != nil || len(batch) == 0 || len(batch) > s.cfg.MaxBatch {
		fmt.Fprint(w, csapi.EARGS)
		return
	}

	sid := r.URL.Query().Get("sid")
	out := make([]any, len(batch))
	for i, req := range batch {
		out[i] = s.dispatch(r.Context(), sid, ip, req)
	}
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Warn("staticd: write answer", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, sid, ip string, req map[string]json.RawMessage) any {
	str := func(k string) string {
		var v string
		_ = json.Unmarshal(req[k], &v)
		return v
	}
	num := func(k string) int {
		var v int
		_ = json.Unmarshal(req[k], &v)
		return v
	}

	action := str("a")
	switch action {
	case "log":
		if err := s.store.AddBeacon(ctx, num("e"), str("m"), ip); err != nil {
			s.logger.Error("staticd: beacon", "error", err)
			return csapi.EINTERNAL
		}
		s.logger.Info("staticd: beacon", "event", num("e"), "message", str("m"), "remote", ip)
		return 0

	case "ug":
		if sid == "" {
			return csapi.ESID
		}
		user, state, ok, err := s.store.Session(ctx, sid)
		if err != nil {
			s.logger.Error("staticd: session", "error", err)
			return csapi.EINTERNAL
		}
		if !ok {
			return csapi.ESID
		}
		if state == "revalidate" && num("v") != 2 {
			return csapi.EMFAREQUIRED
		}
		return user

	case "sml":
		if sid == "" {
			return csapi.ESID
		}
		if err := s.store.DeleteSession(ctx, sid); err != nil {
			return csapi.EINTERNAL
		}
		return 0

	case "gmf":
		if s.cfg.Flags == nil {
			return map[string]any{}
		}
		return s.cfg.Flags

	case "g", "pupg":
		return s.link(ctx, action, str("p"))
	case "mcphurl":
		return s.link(ctx, action, str("ph"))
	case "uavq":
		return s.link(ctx, action, str("v"))
	}
	return csapi.EARGS
}

func (s *Server) link(ctx context.Context, action, handle string) any {
	if handle == "" {
		return csapi.EARGS
	}
	payload, ok, err := s.store.Link(ctx, action, handle)
	if err != nil {
		s.logger.Error("staticd: link", "action", action, "error", err)
		return csapi.EINTERNAL
	}
	if !ok {
		return csapi.ENOENT
	}
	return payload
}

func (s *Server) handleBeacons(w http.ResponseWriter, r *http.Request) {
	beacons, err := s.store.Beacons(r.Context(), 200)
	if err != nil {
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>beacons</title></head><body><table>\n")
	b.WriteString("<tr><th>time</th><th>event</th><th>remote</th><th>message</th></tr>\n")
	for _, bc := range beacons {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%d</td><td>%s</td><td>%s</td></tr>\n",
			bc.CreatedAt.UTC().Format(time.RFC3339),
			bc.Event,
			s.policy.Sanitize(bc.Remote),
			s.policy.Sanitize(bc.Message))
	}
	b.WriteString("</table></body></html>\n")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(b.String()))
}

// handleBeacon answers one stored beacon as JSON. Ids that are not a
// beacon prefix followed by a UUID are rejected before the store is hit.
func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	raw, ok := strings.CutPrefix(chi.URLParam(r, "id"), idgen.BeaconPrefix)
	if !ok {
		http.Error(w, "bad beacon id", http.StatusBadRequest)
		return
	}
	id, err := idgen.Parse(raw)
	if err != nil {
		http.Error(w, "bad beacon id", http.StatusBadRequest)
		return
	}
	b, found, err := s.store.Beacon(r.Context(), idgen.BeaconPrefix+id)
	if err != nil {
		s.logger.Error("staticd: beacon", "id", id, "error", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":         b.ID,
		"event":      b.Event,
		"message":    b.Message,
		"remote":     b.Remote,
		"created_at": b.CreatedAt.UTC().Format(time.RFC3339),
	})
}
