// Package app wires the database, config and services into one context the
// CLI and the HTTP server share.
package app

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/migrate"
	"fieldline/internal/monitor"
	"fieldline/internal/notify"
	"fieldline/internal/workflow"
)

type Context struct {
	Workspace  string
	DB         *sql.DB
	Config     *config.Config
	Engine     workflow.Engine
	Monitor    monitor.Service
	Dispatcher notify.Dispatcher
	Logger     zerolog.Logger
}

// Open prepares the workspace: database, schema, config and services.
// The config file is optional; defaults apply when it is absent.
func Open(workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	engine, err := workflow.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	return &Context{
		Workspace:  workspace,
		DB:         conn,
		Config:     cfg,
		Engine:     engine,
		Monitor:    monitor.New(engine),
		Dispatcher: notify.NewDispatcher(engine.Notify, cfg.Notifications.WebhookURL, logger),
		Logger:     logger,
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
