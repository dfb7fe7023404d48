package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorpath/tutorpath/internal/config"
	"github.com/tutorpath/tutorpath/internal/llm"
	"github.com/tutorpath/tutorpath/internal/progress"
	"github.com/tutorpath/tutorpath/internal/queue"
	"github.com/tutorpath/tutorpath/internal/storage"
	"github.com/tutorpath/tutorpath/internal/storage/badgerkv"
	"github.com/tutorpath/tutorpath/internal/storage/local"
	"github.com/tutorpath/tutorpath/internal/storage/sqlitekv"
	"github.com/tutorpath/tutorpath/internal/sync"
	"github.com/tutorpath/tutorpath/internal/tutor"
)

// Server is the tutorpath daemon: the composition root that owns the KV
// backend, the progress store, the executor, the sync scheduler and the HTTP
// surface. Everything is constructed here once and injected; there are no
// package-level singletons.
type Server struct {
	cfg    *config.LocalConfig
	env    *config.Config
	server *http.Server
	router *http.ServeMux

	kv           storage.KV
	store        *progress.Store
	topics       map[string]config.Topic
	registry     *llm.Registry
	executor     *llm.Executor
	tutorService *tutor.Service

	remote    sync.RemoteStore // nil when sync is disabled
	scheduler *sync.Scheduler  // nil when sync is disabled
	pool      *pgxpool.Pool
	amqpConn  *queue.Connection

	// The progress store is single-writer per record; the daemon serializes
	// handler mutations per (user, topic) key.
	keyMu      stdsync.Mutex
	keyLocks   map[sync.Key]*stdsync.Mutex
	reconciled map[sync.Key]bool
}

// ServerConfig holds configuration for creating a new server
type ServerConfig struct {
	Config    *config.LocalConfig
	Env       *config.Config
	DataPath  string // KV storage root, default ~/.tutorpath/data
	TopicsDir string // topic definitions, default ~/.tutorpath/topics
}

// NewServer creates a new daemon server
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	s := &Server{
		cfg:        cfg.Config,
		env:        cfg.Env,
		router:     http.NewServeMux(),
		keyLocks:   make(map[sync.Key]*stdsync.Mutex),
		reconciled: make(map[sync.Key]bool),
	}

	dir, err := config.TutorPathDir()
	if err != nil {
		return nil, fmt.Errorf("get tutorpath dir: %w", err)
	}

	dataPath := cfg.DataPath
	if dataPath == "" {
		dataPath = filepath.Join(dir, "data")
	}
	kv, err := openKV(cfg.Config.Storage, dataPath)
	if err != nil {
		return nil, fmt.Errorf("open kv backend: %w", err)
	}
	s.kv = kv
	s.store = progress.NewStore(kv)

	topicsDir := cfg.TopicsDir
	if topicsDir == "" {
		topicsDir = filepath.Join(dir, "topics")
	}
	topics, err := config.LoadTopics(topicsDir)
	if err != nil {
		return nil, fmt.Errorf("load topics: %w", err)
	}
	s.topics = make(map[string]config.Topic, len(topics))
	for _, t := range topics {
		s.topics[t.ID] = t
	}

	if err := s.setupExecutor(); err != nil {
		return nil, fmt.Errorf("setup executor: %w", err)
	}
	s.tutorService = tutor.NewService(s.executor, slog.Default())

	if err := s.setupSync(ctx); err != nil {
		return nil, fmt.Errorf("setup sync: %w", err)
	}

	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Config.Daemon.Bind, cfg.Config.Daemon.Port)
	handler := recoveryMiddleware(correlationIDMiddleware(loggingMiddleware(s.router)))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second, // two sequential provider timeouts
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func openKV(cfg config.StorageConfig, dataPath string) (storage.KV, error) {
	if cfg.Path != "" {
		dataPath = cfg.Path
	}
	switch cfg.Backend {
	case "", "local":
		return local.NewStore(dataPath)
	case "sqlite":
		return sqlitekv.Open(filepath.Join(dataPath, "tutorpath.db"))
	case "badger":
		return badgerkv.Open(badgerkv.Config{Path: filepath.Join(dataPath, "badger")})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// setupExecutor builds the configured providers into the registry and the
// retry/fallback executor around them.
func (s *Server) setupExecutor() error {
	s.registry = llm.NewRegistry()
	for name, pc := range s.cfg.LLM.Providers {
		if !pc.Enabled {
			continue
		}
		p, err := s.buildProvider(name, pc)
		if err != nil {
			return err
		}
		if p == nil {
			continue // enabled but no credentials
		}
		s.registry.Register(name, p)
		slog.Info("registered AI provider", "name", name, "model", pc.Model)
	}

	primary, err := s.registry.Get(s.cfg.LLM.Primary)
	if err != nil {
		return fmt.Errorf("primary provider %q not available", s.cfg.LLM.Primary)
	}
	if err := s.registry.SetDefault(s.cfg.LLM.Primary); err != nil {
		return err
	}
	var secondary llm.Provider // nil is fine: no fallback
	if p, err := s.registry.Get(s.cfg.LLM.Secondary); err == nil {
		secondary = p
	}

	s.executor = llm.NewExecutor(primary, secondary, llm.ExecutorConfig{
		MaxRetries:         s.cfg.Executor.MaxRetries,
		RetryDelay:         time.Duration(s.cfg.Executor.RetryDelayMs) * time.Millisecond,
		ExponentialBackoff: s.cfg.Executor.ExponentialBackoff,
		Observer:           s.observeFallback,
		Logger:             slog.Default(),
	})
	return nil
}

func (s *Server) buildProvider(name string, pc *config.ProviderConfig) (llm.Provider, error) {
	switch name {
	case "gemini":
		if s.env.GeminiAPIKey == "" {
			slog.Debug("gemini enabled but no API key set")
			return nil, nil
		}
		return llm.NewGeminiProvider(llm.GeminiConfig{
			APIKey:  s.env.GeminiAPIKey,
			Model:   pc.Model,
			BaseURL: pc.URL,
			Timeout: s.env.ProviderTimeout,
		}), nil
	case "claude":
		if s.env.ClaudeAPIKey == "" {
			slog.Debug("claude enabled but no API key set")
			return nil, nil
		}
		return llm.NewClaudeProvider(llm.ClaudeConfig{
			APIKey:  s.env.ClaudeAPIKey,
			Model:   pc.Model,
			BaseURL: pc.URL,
			Timeout: s.env.ProviderTimeout,
		}), nil
	case "openai":
		if s.env.OpenAIAPIKey == "" {
			slog.Debug("openai enabled but no API key set")
			return nil, nil
		}
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  s.env.OpenAIAPIKey,
			Model:   pc.Model,
			BaseURL: pc.URL,
			Timeout: s.env.ProviderTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// observeFallback surfaces executor fallback events in the log and on the
// telemetry queue.
func (s *Server) observeFallback(event string) {
	slog.Warn("executor event", "event", event)
	if s.amqpConn != nil {
		queue.NewProducer(s.amqpConn).SyncEvent("fallback", "", "")
	}
}

// setupSync wires the remote store, the debounced scheduler and the optional
// telemetry publisher. With sync disabled the daemon stays fully functional
// on local storage alone.
func (s *Server) setupSync(ctx context.Context) error {
	if !s.env.SyncEnabled || s.env.DatabaseURL == "" {
		slog.Info("remote sync disabled; running local-only")
		return nil
	}

	pool, err := pgxpool.New(ctx, s.env.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect remote store: %w", err)
	}
	s.pool = pool
	s.remote = sync.NewPostgresStore(pool)

	var events sync.EventSink
	if s.env.TelemetryEnabled && s.env.RabbitMQURL != "" {
		conn, err := queue.NewConnection(s.env.RabbitMQURL)
		if err != nil {
			// Telemetry is best-effort; sync works without it.
			slog.Warn("telemetry disabled, RabbitMQ unavailable", "error", err)
		} else {
			s.amqpConn = conn
			events = queue.NewProducer(conn)
		}
	}

	s.scheduler = sync.NewScheduler(s.remote, sync.SchedulerConfig{
		Window: time.Duration(s.cfg.Sync.DebounceMs) * time.Millisecond,
		Logger: slog.Default(),
		Events: events,
	})
	return nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /v1/health", s.handleHealth)
	s.router.HandleFunc("GET /v1/status", s.handleStatus)

	s.router.HandleFunc("GET /v1/topics", s.handleListTopics)

	s.router.HandleFunc("GET /v1/users/{user}/topics/{topic}/progress", s.handleGetProgress)
	s.router.HandleFunc("GET /v1/users/{user}/topics/{topic}/stats", s.handleGetStats)
	s.router.HandleFunc("POST /v1/users/{user}/topics/{topic}/attempts", s.handleRecordAttempt)
	s.router.HandleFunc("POST /v1/users/{user}/topics/{topic}/nodes/{node}/complete", s.handleCompleteNode)

	s.router.HandleFunc("POST /v1/tutor/greet", s.handleGreet)
	s.router.HandleFunc("POST /v1/tutor/problems", s.handleGenerateProblem)
	s.router.HandleFunc("POST /v1/tutor/evaluate", s.handleEvaluateAnswer)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting tutorpath daemon",
		"addr", s.server.Addr,
		"topics", len(s.topics),
		"primary_provider", s.executor.Primary(),
		"fallback", s.executor.HasFallback(),
		"sync", s.scheduler != nil,
	)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, then drains the scheduler and pushes
// every pending snapshot synchronously so the final debounce window is not
// lost.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down daemon...")

	err := s.server.Shutdown(ctx)

	if s.scheduler != nil {
		pending := s.scheduler.Flush()
		for _, p := range pending {
			pushErr := sync.PushWithRetry(ctx, s.remote, p.Key, p.Record,
				s.cfg.Sync.ShutdownAttempts,
				time.Duration(s.cfg.Sync.ShutdownDelayMs)*time.Millisecond,
				slog.Default())
			if pushErr != nil {
				slog.Error("final push failed; local record remains authoritative",
					"key", p.Key.String(),
					"error", pushErr)
			}
		}
		s.scheduler.Close()
	}

	if s.amqpConn != nil {
		s.amqpConn.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if closeErr := s.kv.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// lockKey serializes mutations for one (user, topic) record.
func (s *Server) lockKey(key sync.Key) *stdsync.Mutex {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	mu, ok := s.keyLocks[key]
	if !ok {
		mu = &stdsync.Mutex{}
		s.keyLocks[key] = mu
	}
	return mu
}

// The reconciled map is shared across keys, so holding the per-key lock is
// not enough; access goes through keyMu.
func (s *Server) isReconciled(key sync.Key) bool {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	return s.reconciled[key]
}

func (s *Server) markReconciled(key sync.Key) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	s.reconciled[key] = true
}
