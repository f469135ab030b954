package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maestro-run/maestro/pkg/server"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port     int  `help:"Port to listen on (overrides config)."`
	Semantic bool `help:"Enable the semantic routing tier (embeds utterances locally)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := buildEngine(ctx, cfg, c.Semantic)
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server, engine)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown failed", "error", err)
		}
		// MCP clients close after in-flight turns drain.
		engine.Shutdown(shutdownCtx)
		cancel()
	}()

	return srv.ListenAndServe()
}
