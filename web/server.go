// ABOUTME: HTTP front door for the market researcher behind a single chi router.
// ABOUTME: Serves digest runs, digest history, rendered overviews, and an SSE progress stream.
package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"

	"github.com/tavily-ai/market-researcher/digest"
	"github.com/tavily-ai/market-researcher/workflow"
)

// DigestRunner executes one digest workflow per request.
type DigestRunner interface {
	Run(ctx context.Context, tickers []string) (*digest.Output, error)
}

// tickerPattern matches the symbols the API accepts: 1-5 uppercase
// letters after normalization.
var tickerPattern = regexp.MustCompile(`^[A-Z]{1,5}$`)

// Server hosts the market researcher HTTP API.
type Server struct {
	cfg     Config
	runner  DigestRunner
	store   *Store
	emitter *workflow.Emitter
	router  chi.Router
	httpSrv *http.Server
}

// NewServer wires a Server from its collaborators. The store and
// emitter may be nil: history endpoints then return 503 and the event
// stream stays silent.
func NewServer(cfg Config, runner DigestRunner, store *Store, emitter *workflow.Emitter) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		store:   store,
		emitter: emitter,
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured bind address.
func (s *Server) ListenAndServe() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("market-researcher listening on http://%s", s.cfg.Bind)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// buildRouter constructs the chi router with all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	if s.cfg.AuthToken != "" {
		r.Use(authMiddleware(s.cfg.AuthToken))
	}

	r.Get("/", s.handleHealth)
	r.Post("/api/stock-digest", s.handleStockDigest)
	r.Get("/api/digests", s.handleDigestList)
	r.Get("/api/digests/{digestID}", s.handleDigestGet)
	r.Get("/api/digests/{digestID}/overview", s.handleDigestOverview)
	r.Get("/api/events", s.handleEvents)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "market-researcher",
	})
}

type digestRequest struct {
	Tickers []string `json:"tickers"`
}

type digestResponse struct {
	ID     string         `json:"id,omitempty"`
	Digest *digest.Output `json:"digest"`
}

func (s *Server) handleStockDigest(w http.ResponseWriter, r *http.Request) {
	var req digestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	tickers, err := normalizeTickers(req.Tickers)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.runner.Run(r.Context(), tickers)
	if err != nil {
		log.Printf("digest run failed for %v: %v", tickers, err)
		writeError(w, http.StatusInternalServerError, "digest generation failed")
		return
	}

	resp := digestResponse{Digest: out}
	if s.store != nil {
		id, err := s.store.SaveDigest(tickers, out)
		if err != nil {
			// History is best effort; the digest still goes out.
			log.Printf("save digest failed: %v", err)
		} else {
			resp.ID = id
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// normalizeTickers trims, uppercases, dedupes, and validates the
// requested symbols. An empty result is a client error.
func normalizeTickers(raw []string) ([]string, error) {
	seen := make(map[string]bool, len(raw))
	tickers := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		if !tickerPattern.MatchString(t) {
			return nil, fmt.Errorf("invalid ticker symbol %q", t)
		}
		seen[t] = true
		tickers = append(tickers, t)
	}
	if len(tickers) == 0 {
		return nil, errors.New("tickers must be a non-empty list of symbols")
	}
	return tickers, nil
}

func (s *Server) handleDigestList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "digest history is not enabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	summaries, err := s.store.ListDigests(limit)
	if err != nil {
		log.Printf("list digests failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list digests")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"digests": summaries})
}

func (s *Server) handleDigestGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "digest history is not enabled")
		return
	}
	rec, err := s.store.GetDigest(chi.URLParam(r, "digestID"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "digest not found")
		return
	}
	if err != nil {
		log.Printf("get digest failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load digest")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDigestOverview(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "digest history is not enabled")
		return
	}
	overview, err := s.store.GetOverview(chi.URLParam(r, "digestID"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "digest not found")
		return
	}
	if err != nil {
		log.Printf("get overview failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load overview")
		return
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(overview), &buf); err != nil {
		log.Printf("render overview failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to render overview")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// handleEvents streams workflow progress events as server-sent events
// until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.emitter == nil {
		<-r.Context().Done()
		return
	}

	events, cancel := s.emitter.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Channel, data)
			flusher.Flush()
		}
	}
}

// corsMiddleware allows the configured browser origin and answers
// preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CORSOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates bearer tokens on /api/* routes. The health
// check stays open so load balancers can probe without credentials.
func authMiddleware(token string) func(http.Handler) http.Handler {
	expected := "Bearer " + token
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
