package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"bidline/internal/config"
	"bidline/internal/db"
	"bidline/internal/engine"
	"bidline/internal/evidence"
	"bidline/internal/migrate"
	"bidline/internal/notify"
	"bidline/internal/repo"
)

// App holds everything a command or the server needs, wired from one config.
type App struct {
	Config   *config.Config
	Log      *logrus.Logger
	DB       *sql.DB
	Repo     repo.Repo
	Engine   engine.Engine
	Evidence evidence.Store
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if cfg == nil {
		return log
	}
	if lvl, err := logrus.ParseLevel(strings.TrimSpace(cfg.Log.Level)); err == nil {
		log.SetLevel(lvl)
	}
	if strings.EqualFold(cfg.Log.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// Open connects and migrates the database, then wires the engine and its collaborators.
func Open(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = NewLogger(cfg)
	}
	conn, dialect, err := db.Open(db.Config{
		Driver:       db.Dialect(cfg.Database.Driver),
		Workspace:    cfg.Database.Workspace,
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := evidence.FromConfig(ctx, cfg.Evidence)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("evidence store: %w", err)
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	eng := engine.New(r, cfg, log)
	eng.Notifier = notify.FromConfig(cfg, log)
	log.WithFields(logrus.Fields{"driver": dialect, "evidence": cfg.Evidence.Backend}).Debug("app ready")
	return &App{
		Config:   cfg,
		Log:      log,
		DB:       conn,
		Repo:     r,
		Engine:   eng,
		Evidence: store,
	}, nil
}

// Close waits for detached scans and notifications, then closes the database.
func (a *App) Close() error {
	a.Engine.Close()
	return a.DB.Close()
}
