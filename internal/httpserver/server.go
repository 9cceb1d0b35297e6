// Package httpserver exposes the FeedService over HTTP and websockets.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"

	"github.com/blackmichael/activity-feeds/internal/config"
	"github.com/blackmichael/activity-feeds/internal/domain"
	"github.com/blackmichael/activity-feeds/internal/realtime"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP server that serves the feed API.
type Server struct {
	cfg         *config.Config
	feedService *domain.FeedService
	logger      *slog.Logger
	metrics     *Metrics
	upgrader    websocket.Upgrader
	httpServer  *http.Server
}

// NewServer creates a new HTTP server with the given feed service.
func NewServer(cfg *config.Config, feedService *domain.FeedService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		feedService: feedService,
		logger:      logger,
		metrics:     NewMetrics(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(withLogging(s.logger))
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/feed/{slug}/{user_id}", func(r chi.Router) {
		if s.cfg.RateLimit.Requests > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimit.Requests, s.cfg.RateLimit.Window))
		}
		r.Use(withBearerToken)

		r.Post("/activities", s.handleAddActivity)
		r.Get("/activities", s.handleGetFeed)
		r.Post("/follows", s.handleFollow)
		r.Get("/realtime", s.handleRealtime)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddActivity(w http.ResponseWriter, r *http.Request) {
	key := feedKey(r)
	body, err := readBody(w, r)
	if err != nil {
		s.rejectBody(w, r, key, domain.ResourceFeed, err)
		return
	}

	activity, err := s.feedService.AddActivity(r.Context(), key, body)
	if err != nil {
		s.handleError(w, r, key, err)
		return
	}

	s.metrics.ActivitiesAdded.Inc()
	s.logger.Debug("activity added", "feed", key.String(), "activity_id", activity.ID)
	writeJSON(w, http.StatusOK, activity)
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	key := feedKey(r)
	body, err := readBody(w, r)
	if err != nil {
		s.rejectBody(w, r, key, domain.ResourceFollower, err)
		return
	}

	ok, err := s.feedService.Follow(r.Context(), key, body)
	if err != nil {
		s.handleError(w, r, key, err)
		return
	}

	if ok {
		s.metrics.FollowsCreated.Inc()
	}
	writeJSON(w, http.StatusOK, followResponse{Success: ok})
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	key := feedKey(r)

	page, err := s.feedService.GetFeed(r.Context(), key, queryValues(r))
	if err != nil {
		s.handleError(w, r, key, err)
		return
	}

	if !page.Found {
		writeJSON(w, http.StatusNotFound, feedResponse{Results: nil})
		return
	}
	writeJSON(w, http.StatusOK, feedResponse{Results: page.Results})
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	key := feedKey(r)

	activities, stop, err := s.feedService.Watch(r.Context(), key)
	if err != nil {
		s.handleError(w, r, key, err)
		return
	}
	defer stop()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "feed", key.String(), "error", err)
		return
	}
	defer conn.Close()

	s.metrics.RealtimeClients.Inc()
	defer s.metrics.RealtimeClients.Dec()

	s.logger.Info("realtime client connected", "feed", key.String())
	if err := realtime.Stream(r.Context(), conn, activities); err != nil {
		s.logger.Warn("realtime stream ended with error", "feed", key.String(), "error", err)
	}
}

// rejectBody answers a request whose body could not be read. The caller is
// authorized first so an oversized anonymous request still gets 401 or 403.
func (s *Server) rejectBody(w http.ResponseWriter, r *http.Request, key domain.FeedKey, resource string, cause error) {
	if err := s.feedService.CheckAccess(r.Context(), key, resource, domain.ActionWrite); err != nil {
		s.handleError(w, r, key, err)
		return
	}
	writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", cause.Error())
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func feedKey(r *http.Request) domain.FeedKey {
	return domain.NewFeedKey(chi.URLParam(r, "slug"), chi.URLParam(r, "user_id"))
}

// readBody decodes the request body into an attribute bag. A body that is
// not a JSON object yields an empty bag, so required fields fail validation.
func readBody(w http.ResponseWriter, r *http.Request) (domain.Attributes, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return domain.Attributes{}, nil
	}
	return domain.DecodeBody(raw), nil
}

// queryValues keeps the first value of every query parameter. A parameter
// given with an empty value is still present.
func queryValues(r *http.Request) map[string]string {
	values := r.URL.Query()
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
