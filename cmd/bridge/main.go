// Command bridge runs next to the MTA and exports its accounting files over
// HTTP, so the control plane can follow them without filesystem access to
// the mail host. Cursors are opaque to clients; the bridge owns their
// semantics.
package main

import (
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ignite/pmta-blast/internal/acct"
	"github.com/ignite/pmta-blast/internal/pkg/httputil"
	"github.com/ignite/pmta-blast/internal/tailer"
)

const (
	defaultMaxLines = 500
	hardMaxLines    = 5000
)

type bridge struct {
	token string
	kinds map[string]*tailer.FileTailer
}

func main() {
	_ = godotenv.Load()

	dir := envOr("ACCT_DIR", "/var/log/pmta")
	glob := envOr("ACCT_GLOB", "acct*.csv")
	token := os.Getenv("BRIDGE_TOKEN")
	port := envOr("BRIDGE_PORT", "8081")
	if token == "" {
		log.Printf("[Bridge] BRIDGE_TOKEN is empty, serving without authentication")
	}

	parser := acct.NewParser()
	b := &bridge{
		token: token,
		kinds: map[string]*tailer.FileTailer{
			"acct": {Dir: dir, Glob: glob, Window: 48 * time.Hour, Primer: parser},
		},
	}
	// Optional second feed for bounce-processor style logs.
	if bounceGlob := os.Getenv("BOUNCE_GLOB"); bounceGlob != "" {
		b.kinds["bounce"] = &tailer.FileTailer{Dir: dir, Glob: bounceGlob, Window: 48 * time.Hour, Primer: parser}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, map[string]any{"status": "ok"})
	})
	r.Get("/api/v1/pull/latest", b.handlePull)

	addr := net.JoinHostPort(envOr("BRIDGE_HOST", "0.0.0.0"), port)
	log.Printf("[Bridge] listening on %s dir=%s glob=%s", addr, dir, glob)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

type pullStats struct {
	Parsed         int `json:"parsed"`
	Skipped        int `json:"skipped"`
	UnknownOutcome int `json:"unknown_outcome"`
}

func (b *bridge) handlePull(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		httputil.Error(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "acct"
	}
	ft, ok := b.kinds[kind]
	if !ok {
		httputil.BadRequest(w, "unknown kind "+kind)
		return
	}

	limit := defaultMaxLines
	if v := r.URL.Query().Get("max_lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "invalid max_lines")
			return
		}
		limit = n
	}
	if limit > hardMaxLines {
		limit = hardMaxLines
	}

	cursor, err := tailer.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	lines, next, hasMore, err := ft.Read(cursor, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	items := make([]string, 0, len(lines))
	stats := pullStats{}
	for _, line := range lines {
		text := strings.TrimRight(line.Text, "\r\n")
		if strings.TrimSpace(text) == "" {
			stats.Skipped++
			continue
		}
		items = append(items, text)
		stats.Parsed++
	}

	httputil.OK(w, map[string]any{
		"ok":          true,
		"items":       items,
		"next_cursor": next.Encode(),
		"has_more":    hasMore,
		"stats":       stats,
	})
}

func (b *bridge) authorized(r *http.Request) bool {
	if b.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	got, found := strings.CutPrefix(auth, "Bearer ")
	if !found {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(b.token)) == 1
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
