// Package offline wires the tile cache together and exposes the operations
// the app's screens call.
package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/refugios/tilecache/internal/client"
	"github.com/refugios/tilecache/internal/config"
	"github.com/refugios/tilecache/internal/download"
	"github.com/refugios/tilecache/internal/ledger"
	"github.com/refugios/tilecache/internal/logging"
	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/resolver"
	"github.com/refugios/tilecache/internal/stats"
	"github.com/refugios/tilecache/internal/store"
	"github.com/refugios/tilecache/internal/util"
)

// Option customises New.
type Option func(*options)

type options struct {
	fetcher download.TileFetcher
	wrap    func(*store.Store) download.TileStore
}

// WithFetcher replaces the HTTP client, typically in tests.
func WithFetcher(f download.TileFetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithStoreWrapper lets tests intercept tile writes made by downloads.
func WithStoreWrapper(wrap func(*store.Store) download.TileStore) Option {
	return func(o *options) { o.wrap = wrap }
}

// Manager 离线缓存管理器
type Manager struct {
	cfg      config.Config
	logger   *logrus.Entry
	store    *store.Store
	ledger   *ledger.Ledger
	reporter *stats.Reporter
	fetcher  download.TileFetcher
	http     *client.HTTPClient
	coord    *download.Coordinator
	resolver *resolver.Resolver
}

// New builds store, ledger, reporter, fetcher, coordinator and resolver.
// A corrupt metadata file is not an error: the cache starts empty.
func New(cfg config.Config, logger *logrus.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	entry := logrus.NewEntry(logger)
	ext := util.GetFileExtension(cfg.Provider.URLTemplate, cfg.Cache.Extension)

	st, err := store.NewStore(cfg.Cache.Dir, ext, entry)
	if err != nil {
		return nil, fmt.Errorf("open tile store: %w", err)
	}

	l := ledger.New(st.Root(), entry)
	md := l.Load()

	reporter := stats.NewReporter(md, cfg.Download.ProgressInterval, entry)

	m := &Manager{
		cfg:      cfg,
		logger:   entry.WithField("component", "offline"),
		store:    st,
		ledger:   l,
		reporter: reporter,
		fetcher:  o.fetcher,
	}

	if m.fetcher == nil {
		m.http = client.NewHTTPClient(client.Config{
			URLTemplate: cfg.Provider.URLTemplate,
			UserAgent:   cfg.Provider.UserAgent,
			Referer:     cfg.Provider.Referer,
			ProxyURL:    cfg.Provider.ProxyURL,
			UseHTTP2:    cfg.Provider.UseHTTP2,
			Timeout:     cfg.Download.FetchTimeout,
			MinFileSize: cfg.Provider.MinFileSize,
			MaxFileSize: cfg.Provider.MaxFileSize,
		}, entry)
		m.fetcher = m.http
	}

	var tiles download.TileStore = st
	if o.wrap != nil {
		tiles = o.wrap(st)
	}
	m.coord = download.NewCoordinator(download.Config{
		Workers:                 cfg.Download.Workers,
		Retries:                 cfg.Download.Retries,
		RetryBackoff:            cfg.Download.RetryBackoff,
		MaxBackoff:              cfg.Download.MaxBackoff,
		FetchTimeout:            cfg.Download.FetchTimeout,
		RateLimit:               cfg.Download.RateLimit,
		StorageFailureThreshold: cfg.Download.StorageFailureThreshold,
		BatchSize:               cfg.Download.BatchSize,
	}, tiles, m.fetcher, l, reporter, entry)

	m.resolver = resolver.New(st, cfg.Provider.URLTemplate, ext, cfg.Server.LocalBaseURL)

	m.logger.WithFields(logrus.Fields{
		"cache_dir":  st.Root(),
		"downloaded": md.DownloadedTiles,
		"total":      md.TotalTiles,
		"complete":   md.IsComplete,
	}).Info("offline cache ready")
	return m, nil
}

// StartOfflineDownload starts a batch download of region. A zero region
// falls back to the configured default.
func (m *Manager) StartOfflineDownload(ctx context.Context, region model.Region) (*download.Session, error) {
	if region.IsZero() {
		region = m.cfg.Region
	}
	s, err := m.coord.Start(ctx, region)
	if err != nil {
		return nil, err
	}
	m.logger.WithFields(logging.RegionFields(region)).WithFields(logging.SessionFields(s.ID, s.Total)).Info("offline download requested")
	go m.watch(s)
	return s, nil
}

// watch runs the periodic progress log and the final summary of a session.
func (m *Manager) watch(s *download.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.Done()
		cancel()
	}()
	m.reporter.Monitor(ctx, m.cfg.Download.MonitorInterval, s.Progress)

	res := s.Wait()
	m.reporter.LogFinal(res.State, res.Progress, res.Duration, res.Errors)
}

// CancelOfflineDownload stops the running session. It reports false when
// nothing was running.
func (m *Manager) CancelOfflineDownload() bool {
	return m.coord.Cancel()
}

// ActiveSession returns the running session or nil.
func (m *Manager) ActiveSession() *download.Session {
	return m.coord.Active()
}

// GetCacheStatus returns the ledger record as last applied; it never reads
// the disk.
func (m *Manager) GetCacheStatus() model.CacheMetadata {
	return m.reporter.GetStatus()
}

// Snapshot returns metadata plus the live session state.
func (m *Manager) Snapshot() model.Status {
	return m.reporter.Snapshot()
}

// SubscribeToProgress replaces the status subscriber.
func (m *Manager) SubscribeToProgress(cb stats.Callback) func() {
	return m.reporter.Subscribe(cb)
}

// ClearOfflineCache cancels any download, deletes every tile and resets the
// metadata.
func (m *Manager) ClearOfflineCache(ctx context.Context) error {
	return m.coord.Exclusive(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.store.ClearAll(); err != nil {
			return fmt.Errorf("clear tiles: %w", err)
		}
		md, err := m.ledger.Reset()
		if err != nil {
			return fmt.Errorf("reset metadata: %w", err)
		}
		m.reporter.UpdateMetadata(md)
		m.reporter.SetState(model.StateIdle, model.Progress{})
		m.logger.Info("offline cache cleared")
		return nil
	})
}

// Resolve picks the local file or the provider URL for a tile.
func (m *Manager) Resolve(key model.TileKey) resolver.Resolution {
	return m.resolver.Resolve(key)
}

// NetworkURL returns the provider URL of a tile.
func (m *Manager) NetworkURL(key model.TileKey) string {
	return m.resolver.NetworkURL(key)
}

// ReadTile returns cached tile bytes or store.ErrNotFound.
func (m *Manager) ReadTile(key model.TileKey) ([]byte, error) {
	return m.store.Read(key)
}

// FetchAndStore downloads a tile outside of any batch and stores it
// best-effort. The returned bytes are valid even if the write failed.
func (m *Manager) FetchAndStore(ctx context.Context, key model.TileKey) ([]byte, error) {
	fetchCtx := ctx
	if m.cfg.Download.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, m.cfg.Download.FetchTimeout)
		defer cancel()
	}
	data, err := m.fetcher.FetchTileBytes(fetchCtx, key)
	if err != nil {
		return nil, err
	}
	if err := m.store.Write(context.WithoutCancel(ctx), key, data); err != nil {
		m.logger.WithError(err).WithFields(logging.TileFields(key, "network")).Warn("opportunistic store failed")
	}
	return data, nil
}

// Usage reports how many tiles and bytes are on disk.
func (m *Manager) Usage() (store.Usage, error) {
	return m.store.Usage()
}

// Extension returns the tile file extension.
func (m *Manager) Extension() string {
	return m.store.Extension()
}

// Close cancels any download, waits for it and stops the ledger.
func (m *Manager) Close() error {
	done := make(chan struct{})
	go func() {
		m.coord.Exclusive(func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		m.logger.Warn("download did not stop in time")
	}
	if m.http != nil {
		m.http.CloseIdleConnections()
	}
	return m.ledger.Close()
}
