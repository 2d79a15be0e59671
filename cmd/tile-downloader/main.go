package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/refugios/tilecache/internal/config"
	"github.com/refugios/tilecache/internal/logging"
	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/offline"
)

// ConfigEnv names the variable consulted when -config is not given.
const ConfigEnv = "TILECACHE_CONFIG"

type cliOptions struct {
	configPath string
	region     model.Region
	hasRegion  bool
	dir        string
	workers    int
	clear      bool
	statusOnly bool
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
	fs := flag.NewFlagSet("tile-downloader", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		opts    cliOptions
		r       model.Region
		minZoom int
		maxZoom int
	)
	fs.StringVar(&opts.configPath, "config", "", "[Optional] Config file path (defaults to $"+ConfigEnv+")")
	fs.Float64Var(&r.MinLon, "min-lon", math.NaN(), "[Optional] Minimum longitude")
	fs.Float64Var(&r.MinLat, "min-lat", math.NaN(), "[Optional] Minimum latitude")
	fs.Float64Var(&r.MaxLon, "max-lon", math.NaN(), "[Optional] Maximum longitude")
	fs.Float64Var(&r.MaxLat, "max-lat", math.NaN(), "[Optional] Maximum latitude")
	fs.IntVar(&minZoom, "min-zoom", -1, "[Optional] Minimum zoom level")
	fs.IntVar(&maxZoom, "max-zoom", -1, "[Optional] Maximum zoom level")
	fs.StringVar(&opts.dir, "dir", "", "[Optional] Cache directory, overrides cache.dir")
	fs.IntVar(&opts.workers, "workers", 0, "[Optional] Concurrent downloads, overrides download.workers")
	fs.BoolVar(&opts.clear, "clear", false, "[Optional] Clear the cache before downloading")
	fs.BoolVar(&opts.statusOnly, "status", false, "[Optional] Print the cache status and exit")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("parse flags: %w", err)
	}
	if fs.NArg() > 0 {
		return cliOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.configPath == "" {
		opts.configPath = os.Getenv(ConfigEnv)
	}
	if opts.workers < 0 {
		return cliOptions{}, errors.New("-workers must not be negative")
	}

	bbox := []float64{r.MinLon, r.MinLat, r.MaxLon, r.MaxLat}
	set := 0
	for _, v := range bbox {
		if !math.IsNaN(v) {
			set++
		}
	}
	switch set {
	case 0:
		if minZoom >= 0 || maxZoom >= 0 {
			return cliOptions{}, errors.New("zoom flags need -min-lon, -min-lat, -max-lon and -max-lat")
		}
	case len(bbox):
		r.MinZoom = max(minZoom, 0)
		r.MaxZoom = maxZoom
		if maxZoom < 0 {
			r.MaxZoom = r.MinZoom
		}
		opts.region = r
		opts.hasRegion = true
	default:
		return cliOptions{}, errors.New("-min-lon, -min-lat, -max-lon and -max-lat must be given together")
	}
	return opts, nil
}

func run(ctx context.Context, opts cliOptions) int {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "load config: %v\n", err)
		return 1
	}
	if opts.dir != "" {
		cfg.Cache.Dir = opts.dir
	}
	if opts.workers > 0 {
		cfg.Download.Workers = opts.workers
	}
	if opts.hasRegion {
		cfg.Region = opts.region
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stdErr, "invalid config: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stdErr, "init logger: %v\n", err)
		return 1
	}

	m, err := offline.New(*cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "open cache: %v\n", err)
		return 1
	}
	defer m.Close()

	if opts.statusOnly {
		printStatus(m.Snapshot())
		return 0
	}
	if cfg.Region.IsZero() {
		fmt.Fprintln(stdErr, "no region: pass the bbox flags or set [region] in the config")
		return 2
	}

	if opts.clear {
		if err := m.ClearOfflineCache(ctx); err != nil {
			fmt.Fprintf(stdErr, "clear cache: %v\n", err)
			return 1
		}
	}

	logger.WithFields(logging.BaseFields("download", opts.configPath)).
		WithFields(logging.RegionFields(cfg.Region)).Info("tile-downloader starting")

	unsubscribe := m.SubscribeToProgress(func(ev model.Event) {
		p := ev.Progress
		fmt.Fprintf(stdOut, "[%s] %d/%d downloaded, %d skipped, %d failed\n",
			ev.Kind, p.Downloaded, p.Total, p.Skipped, p.Failed)
	})
	defer unsubscribe()

	s, err := m.StartOfflineDownload(ctx, cfg.Region)
	if err != nil {
		fmt.Fprintf(stdErr, "start download: %v\n", err)
		return 1
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		fmt.Fprintln(stdErr, "interrupted, stopping download")
		m.CancelOfflineDownload()
		<-s.Done()
	}

	res := s.Wait()
	fmt.Fprintf(stdOut, "%s in %s: %d downloaded, %d skipped, %d failed of %d\n",
		res.State, res.Duration.Round(time.Millisecond), res.Progress.Downloaded, res.Progress.Skipped,
		res.Progress.Failed, res.Progress.Total)
	for _, e := range res.Errors {
		fmt.Fprintf(stdOut, "  %s: %d\n", e.Reason, e.Count)
	}
	if res.State != model.StateCompleted {
		return 1
	}
	return 0
}

func printStatus(st model.Status) {
	md := st.Metadata
	fmt.Fprintf(stdOut, "tiles: %d/%d (%.1f%%)\n", md.DownloadedTiles, md.TotalTiles, md.Percent())
	fmt.Fprintf(stdOut, "complete: %t\n", md.IsComplete)
	if !md.LastUpdatedAt.IsZero() {
		fmt.Fprintf(stdOut, "updated: %s\n", md.LastUpdatedAt.Format("2006-01-02 15:04:05Z07:00"))
	}
}
