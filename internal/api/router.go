package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yegors/skyroutes/internal/config"
	"github.com/yegors/skyroutes/internal/session"
	"github.com/yegors/skyroutes/internal/websocket"
	"github.com/yegors/skyroutes/pkg/logger"
)

// Router builds the HTTP surface: the JSON API, the websocket endpoint and
// optional static files
type Router struct {
	handler  *Handler
	wsServer *websocket.Server
	static   *StaticFileHandler
	cfg      *config.Config
	logger   *logger.Logger
}

// NewRouter creates a new router. wsServer may be nil.
func NewRouter(svc *session.Service, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) *Router {
	rt := &Router{
		handler:  NewHandler(svc, cfg, log, wsServer),
		wsServer: wsServer,
		cfg:      cfg,
		logger:   log.Named("router"),
	}
	if cfg.Server.StaticFilesDir != "" {
		rt.static = NewStaticFileHandler(cfg.Server.StaticFilesDir, log)
	}
	return rt
}

// Routes returns the root handler
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(rt.cors)

	r.Get("/health", rt.handler.GetHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))

		r.Get("/config", rt.handler.GetConfig)
		r.Get("/locations", rt.handler.GetLocations)

		r.Get("/routes", rt.handler.GetRoutes)
		r.Post("/routes", rt.handler.CreateRoute)

		r.Get("/fleet", rt.handler.GetFleet)

		r.Get("/flights", rt.handler.GetFlights)
		r.Post("/flights", rt.handler.SpawnFlight)
		r.Get("/flights/{id}", rt.handler.GetFlight)
		r.Delete("/flights/{id}", rt.handler.CancelFlight)

		r.Post("/spawner", rt.handler.SetSpawner)
		r.Get("/stats", rt.handler.GetStats)
		r.Get("/events", rt.handler.GetEvents)
	})

	if rt.wsServer != nil {
		r.Get("/ws", rt.wsServer.HandleConnection)
	}

	if rt.static != nil {
		r.Handle("/*", rt.static)
	}

	return r
}

// cors allows the configured origins; "*" allows every origin
func (rt *Router) cors(next http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(rt.cfg.Server.CORSAllowedOrigins))
	for _, o := range rt.cfg.Server.CORSAllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimSuffix(o, "/")] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		rt.logger.Debug("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())))
	})
}
