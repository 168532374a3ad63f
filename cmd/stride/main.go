package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stride-coach/stride/pkg/gateway/config"
	gatewayserver "github.com/stride-coach/stride/pkg/gateway/server"
	"github.com/stride-coach/stride/pkg/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownNotice = "Server is shutting down"

type serveDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(dsn string, opts store.Options) (*store.Store, error)
	newServer    func(config.Config, *slog.Logger, gatewayserver.Dependencies) (*gatewayserver.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig: config.LoadFromEnv,
		openStore:  store.Open,
		newServer:  gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func openMigratedStore(cfg config.Config, logger *slog.Logger, deps serveDeps, migrate bool) (*store.Store, error) {
	st, err := deps.openStore(cfg.DatabaseURL, store.Options{MaxHandles: cfg.DBMaxSessions})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if migrate {
		if err := st.Migrate(context.Background()); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		logger.Info("record store migrated", "dialect", st.Dialect())
	}
	return st, nil
}

func runServe(ctx context.Context, logger *slog.Logger, deps serveDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openStore == nil {
		return errors.New("missing openStore dependency")
	}
	if deps.newServer == nil {
		return errors.New("missing newServer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireAPIKey(); err != nil {
		logger.Warn("live chat disabled until an api key is configured", "error", err)
	}

	st, err := openMigratedStore(cfg, logger, deps, cfg.AutoMigrate)
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := deps.newServer(cfg, logger, gatewayserver.Dependencies{Store: st})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting stride", "addr", cfg.Addr, "dialect", st.Dialect(), "version", version)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context done, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.SetDraining()
	notified := srv.NotifyLiveSessions(shutdownNotice)
	logger.Info("draining live sessions", "live_sessions", srv.LiveSessionCount(), "notified", notified)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.WaitLiveSessions(waitCtx) {
		canceled := srv.CancelLiveSessions()
		logger.Warn("grace period elapsed, canceled live sessions", "canceled", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("stride stopped")
	return nil
}

func runMigrate(logger *slog.Logger, deps serveDeps) error {
	if deps.loadConfig == nil || deps.openStore == nil {
		return errors.New("missing store dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openMigratedStore(cfg, logger, deps, true)
	if err != nil {
		return err
	}
	return st.Close()
}

func newRootCmd(logger *slog.Logger, deps serveDeps) *cobra.Command {
	root := &cobra.Command{
		Use:           "stride",
		Short:         "Voice running coach relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger, deps)
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the REST API and live chat relay",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), logger, deps)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update the record store schema",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(logger, deps)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "stride", version)
			},
		},
	)
	return root
}

// loadDotenv reads path into the environment without overriding set variables.
func loadDotenv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps serveDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := loadDotenv(".env"); err != nil {
		fmt.Fprintf(stderr, "stride: %v\n", err)
		return 1
	}

	root := newRootCmd(logger, deps)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "stride: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultServeDeps()))
}
