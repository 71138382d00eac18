package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"reportkit/api/internal/app"
	"reportkit/api/internal/auth"
	"reportkit/api/internal/config"
	"reportkit/api/internal/rbac"
	"reportkit/api/internal/store"
	"reportkit/api/internal/util"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reportkit-api",
		Short:         "Report assembly and lifecycle API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, and job workers unless disabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := config.NewLogger(cfg.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.service.Bootstrap(ctx); err != nil {
				logger.WithError(err).Warn("bootstrap templates failed; will retry on next restart")
			}

			var workers sync.WaitGroup
			if withWorkers {
				workers.Add(1)
				go func() {
					defer workers.Done()
					rt.orchestrator.Run(ctx)
				}()
			}

			server := &http.Server{
				Addr:              cfg.Addr,
				Handler:           app.NewHTTPServer(rt.service, cfg.CORSOrigin).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.WithField("addr", cfg.Addr).Info("reportkit API listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					stop()
					workers.Wait()
					return fmt.Errorf("server failed: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("shutdown error")
			}
			workers.Wait()
			logger.Info("reportkit API stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "run export and publish workers in this process")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run export and publish workers without the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := config.NewLogger(cfg.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			logger.WithField("workers", cfg.JobWorkers).Info("reportkit workers started")
			rt.orchestrator.Run(ctx)
			logger.Info("reportkit workers stopped")
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := config.NewLogger(cfg.LogLevel)
			version, err := store.ApplyMigrations(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			logger.WithField("version", version).Info("migrations applied")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back the given number of migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				parsed, err := strconv.Atoi(args[0])
				if err != nil || parsed < 1 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = parsed
			}
			cfg := config.Load()
			logger := config.NewLogger(cfg.LogLevel)
			if err := store.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
				return err
			}
			logger.WithField("steps", steps).Info("migrations rolled back")
			return nil
		},
	})
	return cmd
}

// newTokenCmd mints a bearer token signed with the configured secret, for
// local development and scripted calls.
func newTokenCmd() *cobra.Command {
	var (
		subject string
		name    string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if ttl <= 0 {
				ttl = cfg.AccessTTL
			}
			normalized := rbac.Normalize(role)
			if string(normalized) != role {
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Claims{
				Sub:  subject,
				Name: name,
				Role: role,
				JTI:  util.NewID("tok"),
				Exp:  time.Now().Add(ttl).Unix(),
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "usr_dev", "user id placed in the sub claim")
	cmd.Flags().StringVar(&name, "name", "Developer", "display name")
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleEditor), "viewer, commenter, editor, reviewer or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to REPORTKIT_ACCESS_TTL_SECONDS)")
	return cmd
}

func logStartupError(logger logrus.FieldLogger, step string, err error) error {
	logger.WithError(err).WithField("step", step).Error("startup failed")
	return fmt.Errorf("%s: %w", step, err)
}
