package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hostgate/internal/accesslist"
	"hostgate/internal/audit"
	"hostgate/internal/config"
	"hostgate/internal/gate"
	"hostgate/internal/logging"
	"hostgate/internal/pending"
	"hostgate/internal/prompt"
	"hostgate/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gate in front of the device service",
		Long: `Run the gate. Requests are checked and, once allowed, forwarded to the
configured upstream. SIGHUP reloads the access lists from disk; SIGINT and
SIGTERM shut down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.LogLevel)
			if err != nil {
				return err
			}

			app, err := build(cfg, logger, os.Stdin, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go reloadOnHangup(ctx, app.lists, logger)

			err = app.server.ListenAndServe(ctx, cfg.Listen)
			if errors.Is(err, server.ErrAddrInUse) {
				logger.Warn("hostgate already running", "addr", cfg.Listen)
				return nil
			}
			return err
		},
	}
}

type components struct {
	lists  *accesslist.Store
	gate   *gate.Gate
	server *server.Server
}

// build wires the components described by cfg. in and out are used by the
// terminal prompt.
func build(cfg *config.Config, logger *slog.Logger, in io.Reader, out io.Writer) (*components, error) {
	lists, err := accesslist.Open(cfg.ListsFile, logger.With("component", "accesslist"))
	if err != nil {
		return nil, fmt.Errorf("load access lists: %w", err)
	}

	provider, err := newProvider(cfg.Security, logger, in, out)
	if err != nil {
		return nil, err
	}

	coord := pending.New(provider, lists, pending.Config{
		Timeout: cfg.Security.PromptTimeout,
		Logger:  logger.With("component", "pending"),
	})
	g, err := gate.New(lists, coord, gate.Config{
		Excluded: cfg.Security.ExcludedPaths,
		KeepPort: cfg.Security.KeepPort,
		Audit:    audit.New(cfg.AuditLog, logger),
		Logger:   logger.With("component", "gate"),
	})
	if err != nil {
		return nil, err
	}

	var upstream *url.URL
	if cfg.Upstream != "" {
		upstream, err = url.Parse(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("parse upstream: %w", err)
		}
	}

	return &components{
		lists:  lists,
		gate:   g,
		server: server.New(g, upstream, logger.With("component", "server")),
	}, nil
}

func newProvider(sec config.SecurityConfig, logger *slog.Logger, in io.Reader, out io.Writer) (prompt.Provider, error) {
	switch sec.PromptMode {
	case config.PromptExec:
		return &prompt.Exec{
			Command: sec.PromptCommand,
			Args:    sec.PromptArgs,
			Timeout: sec.PromptTimeout,
			Logger:  logger.With("component", "prompt"),
		}, nil
	case config.PromptTerminal:
		return prompt.NewTerminal(in, out, sec.PromptTimeout), nil
	case config.PromptFixed:
		return prompt.NewFixed(sec.FixedDecision)
	}
	return nil, fmt.Errorf("unknown prompt mode %q", sec.PromptMode)
}

func reloadOnHangup(ctx context.Context, lists *accesslist.Store, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := lists.Reload(); err != nil {
				logger.Error("access list reload failed", "error", err)
				continue
			}
			logger.Info("access lists reloaded")
		}
	}
}
