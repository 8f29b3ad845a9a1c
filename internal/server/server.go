package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dogchuchu/apiserver/config"
	"github.com/dogchuchu/apiserver/internal/auth"
	"github.com/dogchuchu/apiserver/internal/db"
	"github.com/dogchuchu/apiserver/internal/handlers"
	"github.com/dogchuchu/apiserver/internal/mq"
	"github.com/dogchuchu/apiserver/internal/notify"
	"github.com/dogchuchu/apiserver/internal/services"
	"github.com/dogchuchu/apiserver/internal/storage"
	"github.com/dogchuchu/apiserver/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Users    services.UserRepository
	Posts    services.PostRepository
	Uploader services.MediaUploader
	Notifier services.EmailNotifier
	Tokens   *auth.TokenService
	AppURL   string
	Logger   *slog.Logger
}

// Server wraps the HTTP server and its backing resources.
type Server struct {
	httpServer *http.Server
	db         *sql.DB
	queue      *mq.MQ
	notifier   *notify.QueueNotifier
	stopWorker context.CancelFunc
	workerDone chan struct{}
	logger     *slog.Logger
}

// NewRouter builds the chi router over deps.
func NewRouter(deps Deps) *chi.Mux {
	identity := services.NewIdentityService(deps.Users, deps.Tokens, deps.Notifier, deps.Uploader, deps.AppURL, deps.Logger)
	feed := services.NewFeedService(deps.Posts, deps.Uploader, deps.Logger)

	requireAuth := handlers.RequireAuth(identity)
	optionalAuth := handlers.OptionalAuth(identity)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/api", func(r chi.Router) {
		handlers.AuthRouter(r, identity)
		r.Route("/profile", func(r chi.Router) {
			handlers.ProfileRouter(r, identity, requireAuth)
		})
		r.Route("/posts", func(r chi.Router) {
			handlers.PostRouter(r, feed, requireAuth, optionalAuth)
		})
	})
	return router
}

// New constructs a Server from cfg, connecting every configured backend.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := slog.Default()

	s := &Server{logger: logger}
	deps := Deps{
		Tokens: auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		AppURL: cfg.AppURL,
		Logger: logger,
	}

	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		deps.Users = store.NewMemoryUserRepository()
		deps.Posts = store.NewMemoryPostRepository()
	default:
		dbConn, err := db.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.db = dbConn
		deps.Users = store.NewUserRepository(dbConn)
		deps.Posts = store.NewPostRepository(dbConn)
	}

	backend, err := storage.NewBackend(ctx, cfg.Storage)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	media := storage.NewStorage(backend)
	if err := media.EnsureBucket(ctx); err != nil {
		s.close()
		return nil, fmt.Errorf("ensure bucket %s: %w", media.Bucket(), err)
	}
	deps.Uploader = media

	broker, err := mq.NewBackend(ctx, cfg.MQ)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init mq: %w", err)
	}
	s.queue = mq.New(broker)
	s.notifier = notify.NewQueueNotifier(s.queue, cfg.Email.Channel, logger)
	deps.Notifier = s.notifier

	if cfg.MQ.Backend == config.MQBackendMemory {
		s.startWorker(cfg)
	}

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// startWorker runs the email worker in-process. The memory broker cannot
// be reached from another process.
func (s *Server) startWorker(cfg config.Config) {
	mailer := notify.NewMailer(cfg.Email.ResendAPIKey, cfg.Email.From, cfg.AppName, cfg.IsDev(), s.logger)
	worker := notify.NewWorker(s.queue, mailer, cfg.Email.Channel, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.stopWorker = cancel
	s.workerDone = make(chan struct{})
	go func() {
		defer close(s.workerDone)
		if err := worker.Run(ctx); err != nil {
			s.logger.Error("email worker stopped", "error", err)
		}
	}()
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, drains pending email publishes and
// closes every backend.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.close()
	return err
}

func (s *Server) close() {
	if s.notifier != nil {
		s.notifier.Wait()
	}
	if s.stopWorker != nil {
		s.stopWorker()
		<-s.workerDone
	}
	if s.queue != nil {
		_ = s.queue.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
