package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/framegraph"
	"github.com/p-n-ai/pai-play/internal/httpapi"
	"github.com/p-n-ai/pai-play/internal/platform/auth"
	"github.com/p-n-ai/pai-play/internal/platform/cache"
	"github.com/p-n-ai/pai-play/internal/platform/config"
	"github.com/p-n-ai/pai-play/internal/platform/database"
	"github.com/p-n-ai/pai-play/internal/platform/lock"
	"github.com/p-n-ai/pai-play/internal/progress"
	"github.com/p-n-ai/pai-play/internal/quiz"
	"github.com/p-n-ai/pai-play/internal/session"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log))

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, err := openStorage(ctx, cfg)
	if err != nil {
		slog.Error("failed to open storage", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer st.close()

	if cfg.ContentPath != "" {
		n, err := content.NewLoader(st.frames).LoadDir(ctx, cfg.ContentPath)
		if err != nil {
			slog.Error("failed to import lesson packs", "path", cfg.ContentPath, "error", err)
			os.Exit(1)
		}
		slog.Info("lesson packs imported", "count", n, "path", cfg.ContentPath)
	}

	graph := framegraph.New(st.frames, st.locker)
	quizzes := quiz.New(st.frames, st.locker)
	tracker := progress.NewTracker(st.progress, st.frames, graph, st.locker, st.events)
	graph.OnRemove(tracker.ForgetFrame)

	router := httpapi.NewRouter(httpapi.Deps{
		Session:        session.New(st.frames, graph, quizzes, tracker),
		Tracker:        tracker,
		Graph:          graph,
		Quizzes:        quizzes,
		Frames:         st.frames,
		Verifier:       auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		CORSOrigins:    cfg.CORS.Origins,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      newMux(router, st.checks),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", srv.Addr, "driver", cfg.Database.Driver, "redis", cfg.UsesRedis())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: c.AddSource}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// storage is the set of stores chosen by LEARN_DATABASE_DRIVER.
type storage struct {
	frames   content.Store
	progress progress.Store
	events   progress.EventLogger
	locker   lock.Locker
	checks   map[string]func(context.Context) error
	closers  []func()
}

func (s *storage) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	st := &storage{
		events: progress.NopEventLogger{},
		locker: lock.NewLocalLocker(),
		checks: map[string]func(context.Context) error{},
	}

	switch cfg.Database.Driver {
	case config.DriverMemory:
		st.frames = content.NewMemoryStore()
		st.progress = progress.NewMemoryStore()

	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = db.Close() })
		if err := database.Migrate(ctx, db, database.DialectSQLite); err != nil {
			st.close()
			return nil, err
		}
		if err := st.useSQL(db, database.DialectSQLite); err != nil {
			st.close()
			return nil, err
		}
		st.checks["database"] = db.PingContext

	case config.DriverPostgres:
		pg, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, pg.Close)
		db := pg.SQL()
		st.closers = append(st.closers, func() { _ = db.Close() })
		if err := database.Migrate(ctx, db, database.DialectPostgres); err != nil {
			st.close()
			return nil, err
		}
		if err := st.useSQL(db, database.DialectPostgres); err != nil {
			st.close()
			return nil, err
		}
		st.events = progress.NewPostgresEventLogger(pg.Pool)
		st.checks["database"] = pg.HealthCheck
	}

	if cfg.UsesRedis() {
		c, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			st.close()
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = c.Close() })
		st.locker = lock.NewRedisLocker(c, cfg.Lock.TTL)
		st.checks["cache"] = c.HealthCheck
	}
	return st, nil
}

func (s *storage) useSQL(db *sql.DB, dialect database.Dialect) error {
	frames, err := content.NewSQLStore(db)
	if err != nil {
		return err
	}
	prog, err := progress.NewSQLStore(db, dialect)
	if err != nil {
		return err
	}
	s.frames, s.progress = frames, prog
	return nil
}

// newMux adds health endpoints to the API router. A nil router serves only health.
func newMux(api *chi.Mux, checks map[string]func(context.Context) error) http.Handler {
	if api == nil {
		api = chi.NewRouter()
	}
	api.Get("/healthz", handleHealthz)
	api.Get("/readyz", handleReadyz(checks))
	return api
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func handleReadyz(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		for name, check := range checks {
			if err := check(ctx); err != nil {
				slog.Warn("readiness check failed", "check", name, "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, `{"status":"unavailable","check":%q}`, name)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}
