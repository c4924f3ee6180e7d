package dispatcher

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/internal/api/websocket"
	apiMiddleware "github.com/taskmesh/taskmesh/internal/api/middleware"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/store"
)

// Server is the dispatcher's HTTP surface: task submission/claim/result
// reporting, checkpoints, worker liveness and the admin dead-letter and
// pause/resume endpoints, plus the live WebSocket event feed. Styled
// after the teacher's api.Server.
type Server struct {
	router       *chi.Mux
	store        store.Store
	config       *config.Config
	taskHandler  *TaskHandler
	adminHandler *AdminHandler
	workerPool   *WorkerPool
	monitor      *Monitor
	wsHub        *websocket.Hub
	wsHandler    *websocket.Handler
	publisher    events.Publisher
}

// NewServer wires the dispatcher's handlers, middleware and routes.
func NewServer(cfg *config.Config, redisClient *redis.Client, s store.Store, publisher *events.RedisPubSub) *Server {
	wp := NewWorkerPool()
	wsHub := websocket.NewHub(publisher)

	srv := &Server{
		router:       chi.NewRouter(),
		store:        s,
		config:       cfg,
		taskHandler:  NewTaskHandler(s, publisher, &cfg.Dispatcher, wp),
		adminHandler: NewAdminHandler(s, publisher, wp),
		workerPool:   wp,
		monitor:      NewMonitor(redisClient, s, publisher, cfg.Dispatcher.HeartbeatMonitorInterval, int(cfg.Dispatcher.DefaultHeartbeatTimeout.Seconds())),
		wsHub:        wsHub,
		wsHandler:    websocket.NewHandler(wsHub),
		publisher:    publisher,
	}

	srv.setupMiddleware()
	srv.setupRoutes()
	return srv
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apiMiddleware.RequestLogger())
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	// The eight literal routes spec.md §6 names live at top level,
	// matching the original Flask app's flat URL space rather than
	// nesting under /v1.
	s.router.Post("/submit-task", s.taskHandler.SubmitTask)
	s.router.Post("/get-task", s.taskHandler.GetTask)
	s.router.Post("/heartbeat", s.taskHandler.Heartbeat)
	s.router.Post("/submit-result", s.taskHandler.SubmitResult)
	s.router.Get("/task/{taskID}", s.taskHandler.TaskInfo)
	s.router.Get("/stats", s.taskHandler.Stats)
	s.router.Get("/worker-pool/stats", s.taskHandler.WorkerPoolStats)
	s.router.Get("/health", s.taskHandler.Health)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		if s.config.Dispatcher.RateLimitRPS > 0 {
			r.Use(apiMiddleware.ClientRateLimit(s.config.Dispatcher.RateLimitRPS))
		}
		if s.config.Auth.Enabled {
			authCfg := apiMiddleware.AuthConfig(s.config.Auth)
			r.Use(apiMiddleware.Auth(&authCfg))
		}

		// Supplemental surface SPEC_FULL.md adds beyond spec.md §6:
		// checkpoint management, a worker listing, and the admin
		// dead-letter/pause controls.
		r.Route("/tasks", func(r chi.Router) {
			r.Put("/{taskID}/checkpoint", s.taskHandler.SaveCheckpoint)
			r.Get("/{taskID}/checkpoint", s.taskHandler.LoadCheckpoint)
			r.Delete("/{taskID}/checkpoint", s.taskHandler.DeleteCheckpoint)
		})

		r.Get("/workers", s.taskHandler.ListWorkers)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/dead-letters", s.adminHandler.ListDeadLetters)
			r.Post("/dead-letters/{taskID}/retry", s.adminHandler.RetryDeadLetter)
			r.Post("/workers/{workerID}/pause", s.adminHandler.PauseWorker)
			r.Post("/workers/{workerID}/resume", s.adminHandler.ResumeWorker)
		})
	})

	s.router.Get("/ws", s.wsHandler.ServeWS)

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start launches the WebSocket hub and the liveness monitor.
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
	s.monitor.Start(ctx)
}

// Stop stops the WebSocket hub and the liveness monitor.
func (s *Server) Stop() {
	s.wsHub.Stop()
	s.monitor.Stop()
}

func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
