package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pressly/cli"
	"github.com/venvoy/venvoy/internal/config"
	"github.com/venvoy/venvoy/internal/logger"
	"github.com/venvoy/venvoy/internal/proxy"
)

func main() {
	root := &cli.Command{
		Name:      "venvoy",
		ShortHelp: "A pyright proxy that follows your Python virtual environments",
		SubCommands: []*cli.Command{
			{
				Name:      "serve",
				ShortHelp: "Start the proxy (communicates over stdin/stdout)",
				Exec: func(ctx context.Context, s *cli.State) error {
					os.Exit(serve(ctx))
					return nil
				},
			},
		},
	}
	if err := cli.ParseAndRun(context.Background(), root, os.Args[1:], nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return proxy.ExitConfig
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return proxy.ExitConfig
	}

	// SIGINT and SIGTERM initiate the same clean teardown the client's
	// exit notification does.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return proxy.Serve(ctx, cfg)
}
