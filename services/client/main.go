package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatchat/internal/auth"
	"github.com/chatchat/internal/config"
	"github.com/chatchat/internal/handler"
	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/middleware"
	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/repository"
	"github.com/chatchat/internal/service"
	"github.com/chatchat/internal/session"
	"github.com/chatchat/internal/startup"
	"github.com/chatchat/internal/storage"
	"github.com/chatchat/internal/storage/memory"
	"github.com/chatchat/internal/storage/postgres"
	"github.com/chatchat/internal/ws"
)

const (
	connectWait     = 60 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	logger.SetPrefix("client")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	backend := flag.String("backend", "", "tree backend: memory|redis|postgres (overrides STORE_BACKEND)")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if *backend != "" {
		cfg.Store.Backend = strings.ToLower(*backend)
	}
	logger.Info("starting chat client")

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	store, closeStore, err := openStore(bgCtx, cfg)
	if err != nil {
		logger.Errorf("open store: %v", err)
		stopEmbedded(embeddedDB)
		os.Exit(1)
	}

	authM := auth.NewManager()
	if cfg.Identity.UID != "" {
		err := authM.SignIn(model.Identity{
			UID:         cfg.Identity.UID,
			DisplayName: cfg.Identity.DisplayName,
			Email:       cfg.Identity.Email,
			PhotoURL:    cfg.Identity.PhotoURL,
		})
		if err != nil {
			logger.Errorf("sign in from config: %v", err)
		}
	}

	msgRepo := repository.NewMessageRepository(store)
	presenceRepo := repository.NewPresenceRepository(store)
	rooms := session.NewManager(session.Services{
		Messages: service.NewMessageSynchronizer(msgRepo),
		Sender:   service.NewMessageSender(msgRepo, authM),
		Presence: service.NewPresenceTracker(presenceRepo, authM),
		Probe:    service.NewAuthorizationProbe(msgRepo),
	})
	unbind := rooms.BindAuth(authM)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(authM, 0, cfg.WSSendBufferSize)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	meH := handler.NewMeHandler(authM)
	roomsH := handler.NewRoomsHandler(cfg.Rooms, rooms, authM)
	wsH := handler.NewWSHandler(hub, rooms, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handler.Health)
	r.Get("/api/me", meH.Get)
	r.Put("/api/me", meH.SignIn)
	r.Delete("/api/me", meH.SignOut)
	r.Get("/api/rooms", roomsH.List)
	r.Route("/api/rooms/{id}", func(r chi.Router) {
		r.Post("/enter", roomsH.Enter)
		r.Delete("/", roomsH.Leave)
		r.Get("/state", roomsH.State)
		r.Post("/messages", roomsH.SendMessage)
		r.Post("/refresh", roomsH.Refresh)
	})
	r.Get("/ws/rooms/{id}", wsH.ServeWS)

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	go func() {
		logger.Infof("view bridge listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"client": func(ctx context.Context) error {
				logger.Info("shutdown signal received")
				if err := srv.Shutdown(ctx); err != nil {
					logger.Errorf("server shutdown: %v", err)
				}
				hubCancel()
				hubWg.Wait()
				logger.Info("hub stopped")

				unbind()
				var errs []error
				if err := rooms.CloseAll(ctx); err != nil {
					errs = append(errs, fmt.Errorf("close rooms: %w", err))
				}
				bgCancel()
				if err := closeStore(); err != nil {
					errs = append(errs, fmt.Errorf("close store: %w", err))
				}
				stopEmbedded(embeddedDB)
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	logger.Infof("client exited with code: %d", exitCode)
	os.Exit(exitCode)
}

// openStore connects the configured tree backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func() error, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client, err := startup.ConnectRedisWithRetry(ctx, cfg.Store.RedisURL, cfg.Store.Prefix, connectWait)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("tree: redis %s", cfg.Store.RedisURL)
		return client, client.Close, nil

	case config.BackendPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse db config: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, connectWait)
		if err != nil {
			return nil, nil, err
		}
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = postgres.Migrate(migrateCtx, pool)
		cancel()
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		st, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		go st.RunReaper(ctx, cfg.Store.ReapInterval)
		logger.Info("tree: postgres connected, migrations applied")
		return st, func() error {
			err := st.Close()
			pool.Close()
			return err
		}, nil

	default:
		logger.Info("tree: in-process memory (data is lost on exit)")
		conn := memory.NewTree().Connect()
		return conn, conn.Close, nil
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "chatchat"
		password = "chatchat_secret"
		database = "chatchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Store.Backend = config.BackendPostgres
	cfg.Store.DatabaseURL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}

func stopEmbedded(db *embeddedpostgres.EmbeddedPostgres) {
	if db == nil {
		return
	}
	logger.Info("stopping embedded postgres...")
	if err := db.Stop(); err != nil {
		logger.Errorf("embedded postgres stop: %v", err)
	}
}
