package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vrchat-backend/internal/assistant"
	"vrchat-backend/internal/config"
	"vrchat-backend/internal/logx"
	"vrchat-backend/internal/metrics"
	"vrchat-backend/internal/realtime"
	"vrchat-backend/internal/relay"
	"vrchat-backend/internal/sheets"
	"vrchat-backend/internal/store"
)

const (
	allowMethods = "GET,POST,OPTIONS"
	allowHeaders = "Content-Type, Authorization"
)

type Server struct {
	router   *chi.Mux
	cfg      config.Config
	relay    *relay.Relay
	minter   *realtime.Minter
	guide    *assistant.Guide
	listings *sheets.Loader
	cache    store.Cache
	registry *prometheus.Registry
	origins  map[string]bool
}

func NewServer(cfg config.Config) (*Server, error) {
	creds := config.Env{}

	spec, err := assistant.LoadSpec(cfg.AssistantPromptFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load assistant prompt: %w", err)
	}

	var cache store.Cache
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rc, err := store.NewRedisCache(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logx.Log.Info().Msg("listings cache: redis")
		cache = rc
	} else {
		logx.Log.Info().Msg("listings cache: memory")
		cache = store.NewMemoryCache()
	}

	sheetURL := cfg.SheetURL
	if sheetURL == "" {
		sheetURL = sheets.GvizURL(cfg.SheetID, cfg.SheetGID)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg,
		relay:    relay.New(cfg.BaseURL, creds, relay.WithTimeout(cfg.UpstreamTimeout)),
		minter:   realtime.NewMinter(cfg.BaseURL, creds, nil),
		guide:    assistant.NewGuide(spec, creds, cfg.BaseURL, nil),
		listings: sheets.NewLoader(sheetURL, nil, cache, cfg.ListingsTTL, store.NewFileSnapshot(cfg.SnapshotFile)),
		cache:    cache,
		registry: reg,
		origins:  parseOrigins(cfg.AllowedOrigin),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowOriginFunc:    func(_ *http.Request, origin string) bool { return s.originAllowed(origin) },
		AllowedMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:     []string{"Content-Type", "Authorization"},
		MaxAge:             300,
		OptionsPassthrough: true,
	}))

	s.router.Get("/api/health", s.handleHealth)
	s.router.HandleFunc("/api/chat", s.handleChat)
	s.router.HandleFunc("/api/realtime-token", s.handleRealtimeToken)
	s.router.HandleFunc("/api/vr-assistant", s.handleAssistant)
	s.router.HandleFunc("/api/listings", s.handleListings)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) Close() error {
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}

func parseOrigins(v string) map[string]bool {
	out := map[string]bool{}
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out[o] = true
		}
	}
	if len(out) == 0 {
		out["*"] = true
	}
	return out
}

func (s *Server) originAllowed(origin string) bool {
	return s.origins["*"] || s.origins[origin]
}

// allowCORS sets the headers every API response carries, preflight or not.
// The origin is echoed when allowed, or "*" when the request has none.
func (s *Server) allowCORS(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	origin := r.Header.Get("Origin")
	switch {
	case origin == "":
		if s.origins["*"] {
			h.Set("Access-Control-Allow-Origin", "*")
		}
	case s.originAllowed(origin):
		h.Set("Access-Control-Allow-Origin", origin)
	}
	h.Set("Access-Control-Allow-Methods", allowMethods)
	h.Set("Access-Control-Allow-Headers", allowHeaders)
}

// preflight answers OPTIONS and rejects any method outside allowed. It
// reports whether the handler should go on.
func (s *Server) preflight(w http.ResponseWriter, r *http.Request, allowed, notAllowedMsg string) bool {
	s.allowCORS(w, r)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return false
	case allowed:
		return true
	default:
		w.Header().Set("Allow", allowed+", OPTIONS")
		s.writeError(w, http.StatusMethodNotAllowed, notAllowedMsg, "")
		return false
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logx.Log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
