// =============================================================================
// HTTP API SERVER - REST management interface
// =============================================================================
//
// ENDPOINT OVERVIEW (all JSON, all under /api except /metrics):
//
//   HEALTH
//   GET    /api/health                          Liveness + readiness
//   GET    /api/health/ready                    Readiness
//   GET    /api/health/live                     Liveness
//
//   TOPICS
//   GET    /api/topics                          List with per-partition hwm
//   POST   /api/topics                          Create
//   GET    /api/topics/{topic}                  Describe
//   DELETE /api/topics/{topic}                  Delete
//
//   MESSAGES
//   POST   /api/topics/{topic}/messages         Produce one record
//   GET    /api/topics/{topic}/messages         Fetch (long-poll via ?timeout)
//
//   CONSUMER GROUPS
//   GET    /api/consumer-groups                 List
//   GET    /api/consumer-groups/{group}         Describe with lag
//   DELETE /api/consumer-groups/{group}         Delete
//   POST   /api/consumer-groups/{group}/join    Join (starts a rebalance)
//   POST   /api/consumer-groups/{group}/sync    Sync (fetch assignment)
//   POST   /api/consumer-groups/{group}/heartbeat
//   POST   /api/consumer-groups/{group}/leave
//   POST   /api/consumer-groups/{group}/offsets Commit an offset
//   GET    /api/consumer-groups/{group}/offsets Fetch a committed offset
//
//   RPC
//   POST   /api/rpc/{op}                        One protocol operation
//
//   GET    /metrics                             Prometheus exposition
//
// Error bodies are always {"error": message}. Broker sentinels map onto
// statuses in writeError; handlers never hand-pick codes for broker
// failures.
//
// =============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"takhin/internal/broker"
	"takhin/internal/metrics"
	"takhin/internal/protocol"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// APIKeys enables bearer auth when non-empty.
	APIKeys []string
}

// Server is the REST management interface over a broker.
type Server struct {
	broker     *broker.Broker
	protocol   *protocol.Handler
	metrics    *metrics.BrokerMetrics
	logger     *zap.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer wires routes and middleware. Call Start / Stop for lifecycle,
// or use Router directly in tests.
func NewServer(b *broker.Broker, m *metrics.BrokerMetrics, cfg Config, logger *zap.Logger) *Server {
	if m == nil {
		m = metrics.NewBrokerMetrics(nil)
	}
	host, port := coordinatorAddr(cfg.Addr)
	s := &Server{
		broker:   b,
		protocol: protocol.NewHandler(b, host, port, logger),
		metrics:  m,
		logger:   logger.Named("api"),
		router:   chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.observe)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		m.Handler().ServeHTTP(w, r)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(cfg.APIKeys))

		r.Get("/health", s.health)
		r.Get("/health/ready", s.health)
		r.Get("/health/live", s.health)

		r.Post("/rpc/{op}", s.rpc)

		r.Route("/topics", func(r chi.Router) {
			r.Get("/", s.listTopics)
			r.Post("/", s.createTopic)
			r.Route("/{topic}", func(r chi.Router) {
				r.Get("/", s.getTopic)
				r.Delete("/", s.deleteTopic)
				r.Get("/messages", s.fetchMessages)
				r.Post("/messages", s.produceMessage)
			})
		})

		r.Route("/consumer-groups", func(r chi.Router) {
			r.Get("/", s.listGroups)
			r.Route("/{group}", func(r chi.Router) {
				r.Get("/", s.describeGroup)
				r.Delete("/", s.deleteGroup)
				r.Post("/join", s.joinGroup)
				r.Post("/sync", s.syncGroup)
				r.Post("/heartbeat", s.heartbeat)
				r.Post("/leave", s.leaveGroup)
				r.Post("/offsets", s.commitOffset)
				r.Get("/offsets", s.fetchOffset)
			})
		})
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// coordinatorAddr derives what FindCoordinator advertises from the listen
// address. An unparsable or wildcard host falls back to localhost.
func coordinatorAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "localhost", 0
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 0
	}
	return host, port
}

// Router exposes the handler tree, mainly for httptest.
func (s *Server) Router() http.Handler { return s.router }

// Start listens in the background.
func (s *Server) Start() {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// observe records request metrics and logs.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.HTTPRequest(r.Method, route, ww.Status(), time.Since(start))
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorBody is the uniform error payload.
type errorBody struct {
	Error string `json:"error"`
}

// writeError classifies a broker error into an HTTP status. fetchContext
// distinguishes the two OffsetOutOfRange mappings: 416 on reads, 400 on
// commits.
func (s *Server) writeError(w http.ResponseWriter, err error, fetchContext bool) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrTopicNotFound),
		errors.Is(err, broker.ErrPartitionNotFound),
		errors.Is(err, broker.ErrGroupNotFound),
		errors.Is(err, broker.ErrUnknownMember),
		errors.Is(err, broker.ErrUnknownProducer):
		status = http.StatusNotFound
	case errors.Is(err, broker.ErrTopicExists),
		errors.Is(err, broker.ErrIllegalGeneration),
		errors.Is(err, broker.ErrRebalanceInProgress),
		errors.Is(err, broker.ErrTransactionConflict),
		errors.Is(err, broker.ErrInvalidProducerEpoch),
		errors.Is(err, broker.ErrGroupDead):
		status = http.StatusConflict
	case errors.Is(err, broker.ErrOffsetOutOfRange):
		if fetchContext {
			status = http.StatusRequestedRangeNotSatisfiable
		} else {
			status = http.StatusBadRequest
		}
	case errors.Is(err, broker.ErrOutOfOrderSequence):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}
