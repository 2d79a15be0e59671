package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/refugios/tilecache/internal/config"
	"github.com/refugios/tilecache/internal/download"
	"github.com/refugios/tilecache/internal/logging"
	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/offline"
	"github.com/refugios/tilecache/internal/tileserver"
)

// ConfigEnv names the variable consulted when -config is not given.
const ConfigEnv = "TILECACHE_CONFIG"

const shutdownTimeout = 10 * time.Second

type cliOptions struct {
	configPath string
	listenAddr string
	checkOnly  bool
	prefetch   bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("tile-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts cliOptions
	fs.StringVar(&opts.configPath, "config", "", "[Optional] Config file path (defaults to $"+ConfigEnv+")")
	fs.StringVar(&opts.listenAddr, "listen", "", "[Optional] Listen address, overrides server.listen_addr")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "[Optional] Validate the config and exit")
	fs.BoolVar(&opts.prefetch, "prefetch", false, "[Optional] Download the configured region unless it is already cached")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("parse flags: %w", err)
	}
	if fs.NArg() > 0 {
		return cliOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.configPath == "" {
		opts.configPath = os.Getenv(ConfigEnv)
	}
	return opts, nil
}

func run(ctx context.Context, opts cliOptions) int {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "load config: %v\n", err)
		return 1
	}
	if opts.listenAddr != "" {
		cfg.Server.ListenAddr = opts.listenAddr
	}

	logger, err := logging.InitLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stdErr, "init logger: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_dir"] = cfg.Cache.Dir
		fields["listen_addr"] = cfg.Server.ListenAddr
		fields["result"] = "ok"
		logger.WithFields(fields).Info("config ok")
		return 0
	}

	m, err := offline.New(*cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "open cache: %v\n", err)
		return 1
	}
	defer m.Close()

	if opts.prefetch {
		prefetch(ctx, m, cfg.Region, logger)
	}

	if err := serve(ctx, cfg, m, logger, opts.configPath); err != nil {
		fmt.Fprintf(stdErr, "tile server: %v\n", err)
		return 1
	}
	return 0
}

func prefetch(ctx context.Context, m *offline.Manager, region model.Region, logger *logrus.Logger) {
	entry := logger.WithFields(logging.BaseFields("prefetch", ""))
	if region.IsZero() {
		entry.Warn("prefetch requested without a configured region")
		return
	}
	if st := m.Snapshot(); st.AvailableOffline() && st.Metadata.Region == region {
		entry.Info("region already cached")
		return
	}
	if _, err := m.StartOfflineDownload(ctx, region); err != nil && !errors.Is(err, download.ErrDownloadInProgress) {
		entry.WithError(err).Warn("prefetch not started")
	}
}

// serve 阻塞直到 ctx 结束, 然后优雅关闭
func serve(ctx context.Context, cfg *config.Config, m *offline.Manager, logger *logrus.Logger, configPath string) error {
	app, err := tileserver.NewApp(tileserver.Options{
		Backend:       m,
		Logger:        logger,
		Opportunistic: cfg.Server.Opportunistic,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	fields := logging.BaseFields("listen", configPath)
	fields["addr"] = ln.Addr().String()
	fields["opportunistic"] = cfg.Server.Opportunistic
	logger.WithFields(fields).Info("tile server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logging.BaseFields("shutdown", configPath)).Info("tile server stopping")
	m.CancelOfflineDownload()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	// Listener 尚未开始 Serve 时 Shutdown 不会关闭它
	ln.Close()
	<-errCh
	return nil
}
