package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hearth/backend/internal/config"
	"github.com/hearth/backend/internal/db"
	"github.com/hearth/backend/internal/handlers"
	"github.com/hearth/backend/internal/httpserver"
	"github.com/hearth/backend/internal/middleware"
	"github.com/hearth/backend/internal/models"
	"github.com/hearth/backend/internal/tracing"
)

const serviceName = "hearth"

// Run bootstraps the Hearth backend application.
func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected command: serve, migrate, or seed")
	}

	switch args[0] {
	case "serve":
		return serve(ctx)
	case "migrate":
		return runMigrations(ctx, args[1:])
	case "seed":
		return runSeed(ctx, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.VerifySchema(ctx, pool, models.Entities); err != nil {
		return fmt.Errorf("%w (run `hearth migrate up` first)", err)
	}

	appCtx, err := NewContext(cfg, os.Stdout, pool)
	if err != nil {
		return err
	}
	defer appCtx.Close()
	logger := appCtx.Logger
	slog.SetDefault(logger)

	svc, err := buildDependencies(ctx, appCtx)
	if err != nil {
		return err
	}

	router := handlers.NewRouter(svc.handlers)
	handler := otelhttp.NewHandler(middleware.RequestLogger(logger)(router), "http.server")
	srv := httpserver.New(cfg.AppPort, handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.AppPort)
		return srv.Start()
	})
	g.Go(func() error {
		return svc.sweeper.Run(gctx)
	})
	if svc.relay != nil {
		g.Go(func() error {
			return svc.relay.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
		defer cancel()

		errs := []error{srv.Shutdown(shutdownCtx)}
		if svc.replicator != nil {
			errs = append(errs, svc.replicator.Shutdown(shutdownCtx))
		}
		errs = append(errs, shutdownTracing(shutdownCtx))
		return errors.Join(errs...)
	})

	return g.Wait()
}

func runMigrations(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	command := "up"
	if len(args) > 0 {
		command = args[0]
	}

	migrationDir, err := absPath(cfg.MigrationDir)
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	return db.Migrate(ctx, pool, migrationDir, command, os.Stdout)
}

func runSeed(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected seed name (e.g. dev or admin)")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if args[0] == "admin" {
		user, err := seedAdmin(ctx, pool, adminFromEnv())
		if err != nil {
			return err
		}
		fmt.Printf("seeded admin %s\n", user.Username)
		return nil
	}

	seedDir, err := absPath(cfg.SeedDir)
	if err != nil {
		return err
	}

	seedName := args[0]
	if !strings.HasSuffix(seedName, ".sql") {
		seedName = fmt.Sprintf("%s_seed.sql", seedName)
	}
	if err := db.ApplySeed(ctx, pool, filepath.Join(seedDir, seedName)); err != nil {
		return err
	}

	fmt.Printf("applied seed %s\n", seedName)
	return nil
}

func absPath(dir string) (string, error) {
	if filepath.IsAbs(dir) {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}
	return filepath.Join(wd, dir), nil
}
