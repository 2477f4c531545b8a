// Command calsync synchronizes markdown checklist tasks from an Obsidian
// vault into Google Calendar.
//
// Usage:
//
//	calsync auth             run the browser OAuth flow and store credentials
//	calsync revoke           revoke the grant and clear stored credentials
//	calsync sync             run one reconciliation pass
//	calsync daemon           run periodic syncs until interrupted
//	calsync reset            clear the task-to-event mapping
//	calsync dedupe [-apply]  report duplicate events; -apply deletes extras
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rezkam/calsync/internal/batch"
	"github.com/rezkam/calsync/internal/config"
	"github.com/rezkam/calsync/internal/domain"
	"github.com/rezkam/calsync/internal/gcal"
	"github.com/rezkam/calsync/internal/oauth"
	"github.com/rezkam/calsync/internal/scheduler"
	"github.com/rezkam/calsync/internal/state"
	fsstate "github.com/rezkam/calsync/internal/state/fs"
	gcsstate "github.com/rezkam/calsync/internal/state/gcs"
	sqlitestate "github.com/rezkam/calsync/internal/state/sqlite"
	"github.com/rezkam/calsync/internal/sync"
	"github.com/rezkam/calsync/internal/vault"
	"github.com/rezkam/calsync/pkg/observability"
)

const (
	serviceName    = "calsync"
	serviceVersion = "1.0.0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "calsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("missing command: expected auth, revoke, sync, daemon, reset or dedupe")
	}
	command := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obs, err := observability.Init(ctx, serviceName, serviceVersion, cfg.OTelCollector, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown observability", "error", err)
		}
	}()
	slog.SetDefault(obs.Logger)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	manager, err := oauth.NewManager(ctx, cfg.OAuthConfig(), store, obs.Logger)
	if err != nil {
		return err
	}
	if cfg.Passphrase != "" {
		manager.SetPassphrase(cfg.Passphrase)
	}

	switch command {
	case "auth":
		return runAuth(ctx, cfg, manager, store, obs.Logger)
	case "revoke":
		return manager.Revoke(ctx)
	case "sync":
		runner, err := newRunner(ctx, cfg, manager, store, obs.Logger)
		if err != nil {
			return err
		}
		summary, err := runner.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Synced %d task(s): %d created, %d updated, %d deleted, %d skipped, %d error(s).\n",
			summary.Tasks, summary.Created, summary.Updated, summary.Deleted, summary.Skipped, summary.Errors)
		return nil
	case "daemon":
		return runDaemon(ctx, cfg, manager, store, obs.Logger)
	case "reset":
		runner, err := newRunner(ctx, cfg, manager, store, obs.Logger)
		if err != nil {
			return err
		}
		return runner.Reset(ctx)
	case "dedupe":
		return runDedupe(ctx, cfg, manager, store, obs.Logger)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	switch cfg.StorageType {
	case "fs":
		return fsstate.NewStore(cfg.FSPath)
	case "sqlite":
		return sqlitestate.NewStore(ctx, cfg.SQLitePath)
	case "gcs":
		return gcsstate.NewStore(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
}

// callbackPort prefers a previously persisted auto-advanced port over the
// configured one, so repeat auth flows keep a stable redirect URI.
func callbackPort(ctx context.Context, cfg *config.Config, store state.Store) int {
	doc, err := store.Load(ctx)
	if err == nil && doc.RedirectPort != 0 {
		return doc.RedirectPort
	}
	return cfg.RedirectPort
}

func runAuth(ctx context.Context, cfg *config.Config, manager *oauth.Manager, store state.Store, logger *slog.Logger) error {
	server := oauth.NewCallbackServer(manager, store, logger)
	if err := server.Start(ctx, callbackPort(ctx, cfg, store)); err != nil {
		return err
	}
	defer server.Shutdown(context.Background())

	authURL, err := manager.BeginAuth(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Open this URL in your browser to authorize calsync:\n\n  %s\n\n", authURL)
	fmt.Println("Waiting for the redirect; press Ctrl-C to abort.")

	// Wait for the callback itself, not HasCredentials: a refresh token from
	// a previous grant would satisfy that check before the browser flow runs.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-server.Done():
		fmt.Printf("Authorization complete. Token storage: %s.\n", manager.Mode(ctx))
		return nil
	}
}

func newRunner(ctx context.Context, cfg *config.Config, manager *oauth.Manager, store state.Store, logger *slog.Logger) (*sync.Runner, error) {
	scanner := vault.NewScanner(cfg.VaultDir, cfg.VaultName)

	fetcher, err := gcal.NewFetcher(ctx, manager.Client(ctx), cfg.CalendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to init calendar service: %w", err)
	}

	executor := batch.NewExecutor(
		&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		manager,
		cfg.ExecutorConfig(),
	)

	planner := sync.PlannerConfig{
		CalendarID: cfg.CalendarID,
		Mapper:     gcal.NewMapper(cfg.MapperConfig()),
		Diff:       cfg.DiffConfig(),
	}
	return sync.NewRunner(scanner, fetcher, executor, store, planner, logger), nil
}

func runDaemon(ctx context.Context, cfg *config.Config, manager *oauth.Manager, store state.Store, logger *slog.Logger) error {
	if !cfg.AutoSync {
		return fmt.Errorf("CALSYNC_AUTO_SYNC is disabled; run 'calsync sync' instead")
	}

	runner, err := newRunner(ctx, cfg, manager, store, logger)
	if err != nil {
		return err
	}
	ready := func(ctx context.Context) error {
		if !manager.HasCredentials() {
			return domain.ErrNoCredentials
		}
		_, err := manager.AccessToken(ctx)
		return err
	}
	runSync := func(ctx context.Context) error {
		_, err := runner.Run(ctx)
		return err
	}

	sched := scheduler.New(cfg.SyncInterval, ready, runSync, logger)

	// First run immediately; the ticker covers the rest.
	if err := sched.TriggerNow(ctx); err != nil && !errors.Is(err, domain.ErrReauthRequired) && !errors.Is(err, domain.ErrNoCredentials) {
		logger.ErrorContext(ctx, "initial sync failed", "error", err)
	}
	sched.Start(ctx)
	return nil
}

func runDedupe(ctx context.Context, cfg *config.Config, manager *oauth.Manager, store state.Store, logger *slog.Logger) error {
	flags := flag.NewFlagSet("dedupe", flag.ExitOnError)
	apply := flags.Bool("apply", false, "delete duplicate events instead of only reporting them")
	if err := flags.Parse(os.Args[2:]); err != nil {
		return err
	}

	runner, err := newRunner(ctx, cfg, manager, store, logger)
	if err != nil {
		return err
	}
	report, err := runner.Dedupe(ctx, *apply)
	if err != nil {
		return err
	}

	if len(report.Groups) == 0 {
		fmt.Println("No duplicate events found.")
		return nil
	}
	for _, g := range report.Groups {
		fmt.Printf("task %s: keeping %s, %d duplicate(s)\n", g.TaskID, g.Kept.Id, len(g.Extras))
	}
	if *apply {
		fmt.Printf("Deleted %d event(s), %d error(s).\n", report.Deleted, report.Errors)
	} else {
		fmt.Println("Dry run; pass -apply to delete.")
	}
	return nil
}
