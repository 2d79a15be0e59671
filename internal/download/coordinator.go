package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/refugios/tilecache/internal/calculator"
	"github.com/refugios/tilecache/internal/client"
	"github.com/refugios/tilecache/internal/ledger"
	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/store"
)

// TileStore is the part of the tile store the coordinator writes through.
type TileStore interface {
	Exists(key model.TileKey) (bool, error)
	Write(ctx context.Context, key model.TileKey, data []byte) error
}

// TileFetcher downloads one tile from the provider.
type TileFetcher interface {
	FetchTileBytes(ctx context.Context, key model.TileKey) ([]byte, error)
}

// StatusSink receives state changes and events. stats.Reporter implements it.
type StatusSink interface {
	SetState(state model.SessionState, p model.Progress)
	Publish(ev model.Event)
	UpdateMetadata(md model.CacheMetadata)
}

// Config 下载参数
type Config struct {
	Workers      int
	Retries      int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	FetchTimeout time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit               float64
	StorageFailureThreshold int
	// BatchSize controls how often submission progress is logged.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.StorageFailureThreshold <= 0 {
		c.StorageFailureThreshold = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	return c
}

// Coordinator runs at most one download session at a time.
type Coordinator struct {
	cfg     Config
	store   TileStore
	fetcher TileFetcher
	ledger  *ledger.Ledger
	sink    StatusSink
	calc    *calculator.TileCalculator
	limiter *rate.Limiter
	logger  *logrus.Entry

	// mu serialises admission (Start, Exclusive).
	mu sync.Mutex

	stateMu sync.Mutex
	active  *Session
}

// NewCoordinator wires the coordinator. sink may be nil.
func NewCoordinator(cfg Config, tiles TileStore, fetcher TileFetcher, l *ledger.Ledger, sink StatusSink, logger *logrus.Entry) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if sink == nil {
		sink = nopSink{}
	}
	c := &Coordinator{
		cfg:     cfg,
		store:   tiles,
		fetcher: fetcher,
		ledger:  l,
		sink:    sink,
		calc:    calculator.NewTileCalculator(),
		logger:  logger.WithField("component", "coordinator"),
	}
	if cfg.RateLimit > 0 {
		burst := max(1, int(cfg.RateLimit))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// Start validates region and launches a session in the background. The
// session outlives ctx; use Cancel to stop it.
func (c *Coordinator) Start(ctx context.Context, region model.Region) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start(ctx, region)
}

func (c *Coordinator) start(ctx context.Context, region model.Region) (*Session, error) {
	c.stateMu.Lock()
	busy := c.active != nil
	c.stateMu.Unlock()
	if busy {
		return nil, ErrDownloadInProgress
	}

	c.sink.SetState(model.StateEnumerating, model.Progress{})
	if err := c.calc.ValidateRegion(region); err != nil {
		return nil, c.fail(fmt.Errorf("%w: %w", ErrInvalidRegion, err))
	}
	total := c.calc.CountTiles(region)
	if total == 0 {
		return nil, c.fail(calculator.ErrNoTilesFound)
	}

	md, err := c.ledger.Begin(region, total)
	if err != nil {
		return nil, c.fail(fmt.Errorf("%w: %w", ErrStorageUnavailable, err))
	}
	c.sink.UpdateMetadata(md)

	s := newSession(ctx, region, total)
	c.stateMu.Lock()
	c.active = s
	c.stateMu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"total":      total,
		"resumed":    md.DownloadedTiles,
		"min_zoom":   region.MinZoom,
		"max_zoom":   region.MaxZoom,
	}).Info("download session started")

	go c.run(s)
	return s, nil
}

func (c *Coordinator) fail(err error) error {
	c.sink.SetState(model.StateFailed, model.Progress{})
	c.sink.Publish(model.Event{Kind: model.EventFailed, Error: err.Error()})
	c.logger.WithError(err).Warn("download rejected")
	return err
}

// Cancel stops the active session, if any.
func (c *Coordinator) Cancel() bool {
	s := c.Active()
	if s == nil {
		return false
	}
	s.Cancel()
	return true
}

// Active returns the running session or nil.
func (c *Coordinator) Active() *Session {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.active
}

// Exclusive cancels and drains the active session, then runs fn while no new
// session can start.
func (c *Coordinator) Exclusive(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.Active(); s != nil {
		s.Cancel()
		s.Wait()
	}
	return fn()
}

func (c *Coordinator) run(s *Session) {
	defer close(s.done)

	s.setState(model.StateDownloading)
	c.sink.SetState(model.StateDownloading, s.Progress())

	pool := NewWorkerPool(c.cfg.Workers, func(key model.TileKey) {
		c.processTile(s, key)
	})
	pool.Start()

	submitted := 0
	for key := range c.calc.EnumerateKeys(s.Region) {
		if s.stopping() || !pool.Submit(s.ctx, key) {
			break
		}
		submitted++
		if submitted%c.cfg.BatchSize == 0 {
			c.logger.WithFields(logrus.Fields{
				"session_id": s.ID,
				"submitted":  submitted,
				"total":      s.Total,
			}).Debug("tiles submitted")
		}
	}
	pool.Stop()

	c.finish(s)
}

func (c *Coordinator) processTile(s *Session, key model.TileKey) {
	if s.stopping() {
		return
	}

	if ok, err := c.store.Exists(key); err == nil && ok {
		s.skipped.Add(1)
		c.publishProgress(s)
		return
	} else if err != nil {
		c.logger.WithError(err).WithField("tile", key.String()).Debug("stat failed, refetching")
	}

	data, err := c.fetchWithRetry(s, key)
	if err != nil {
		if s.stopping() && errors.Is(err, context.Canceled) {
			return
		}
		s.failed.Add(1)
		s.errors.RecordError(err)
		c.logger.WithError(err).WithField("tile", key.String()).Debug("tile failed")
		c.publishProgress(s)
		return
	}

	// The write finishes even when the session is cancelled meanwhile.
	if err := c.store.Write(context.WithoutCancel(s.ctx), key, data); err != nil {
		s.failed.Add(1)
		s.errors.RecordError(err)
		n := s.storageFailures.Add(1)
		total := s.writeFailures.Add(1)
		c.logger.WithError(err).WithField("tile", key.String()).Warn("tile write failed")
		// 磁盘已满时不必等到阈值
		var we *store.StorageWriteError
		if int(n) >= c.cfg.StorageFailureThreshold || (errors.As(err, &we) && we.NoSpace()) ||
			c.mostWritesFailing(s, total) {
			s.abortStorage()
		}
		c.publishProgress(s)
		return
	}
	s.storageFailures.Store(0)
	s.downloaded.Add(1)
	s.bytes.Add(int64(len(data)))

	md, err := c.ledger.IncrementDownloaded(1)
	if err != nil {
		c.logger.WithError(err).Warn("metadata update failed")
	} else {
		c.sink.UpdateMetadata(md)
	}
	c.publishProgress(s)
}

// mostWritesFailing catches failures interleaved with successes from other
// workers, which keep resetting the consecutive count.
func (c *Coordinator) mostWritesFailing(s *Session, failures int64) bool {
	return failures >= int64(c.cfg.StorageFailureThreshold) && failures > s.downloaded.Load()
}

func (c *Coordinator) fetchWithRetry(s *Session, key model.TileKey) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			s.retries.Add(1)
			timer := time.NewTimer(c.backoff(attempt))
			select {
			case <-timer.C:
			case <-s.ctx.Done():
				timer.Stop()
				return nil, s.ctx.Err()
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(s.ctx); err != nil {
				return nil, err
			}
		}

		fetchCtx := context.WithoutCancel(s.ctx)
		cancel := context.CancelFunc(func() {})
		if c.cfg.FetchTimeout > 0 {
			fetchCtx, cancel = context.WithTimeout(fetchCtx, c.cfg.FetchTimeout)
		}
		data, err := c.fetcher.FetchTileBytes(fetchCtx, key)
		cancel()
		if err == nil {
			return data, nil
		}
		if s.stopping() {
			return nil, s.ctx.Err()
		}
		lastErr = err
		if !client.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

// backoff 指数退避: RetryBackoff * 2^(attempt-1), capped at MaxBackoff.
func (c *Coordinator) backoff(attempt int) time.Duration {
	if attempt > 20 {
		return c.cfg.MaxBackoff
	}
	delay := c.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
	return min(delay, c.cfg.MaxBackoff)
}

func (c *Coordinator) publishProgress(s *Session) {
	c.sink.Publish(model.Event{Kind: model.EventProgress, Progress: s.Progress()})
}

func (c *Coordinator) finish(s *Session) {
	p := s.Progress()
	var (
		state  model.SessionState
		runErr error
	)

	switch {
	case s.storageAborted.Load():
		state = model.StateStorageUnavailable
		runErr = fmt.Errorf("%w: tile writes keep failing", ErrStorageUnavailable)
		if _, err := c.ledger.MarkIncomplete(); err != nil {
			c.logger.WithError(err).Warn("metadata update failed")
		}
	case s.cancelled.Load():
		state = model.StateCancelled
		runErr = context.Canceled
	default:
		state = c.reconcile(s, p)
	}

	result := Result{
		SessionID: s.ID,
		State:     state,
		Progress:  p,
		Duration:  time.Since(s.StartedAt),
		Errors:    s.errors.Summary(),
		Err:       runErr,
	}
	s.mu.Lock()
	s.state = state
	s.result = result
	s.mu.Unlock()

	c.sink.UpdateMetadata(c.ledger.Snapshot())
	c.sink.SetState(state, p)
	ev := model.Event{Kind: model.EventForState(state), Progress: p}
	if runErr != nil {
		ev.Error = runErr.Error()
	} else if p.Failed > 0 {
		ev.Error = fmt.Sprintf("%d tiles failed", p.Failed)
	}
	c.sink.Publish(ev)

	c.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"state":      state,
		"downloaded": p.Downloaded,
		"skipped":    p.Skipped,
		"failed":     p.Failed,
		"total":      p.Total,
	}).Info("download session finished")

	c.stateMu.Lock()
	c.active = nil
	c.stateMu.Unlock()
}

// reconcile settles the ledger after a run that was neither cancelled nor
// aborted.
func (c *Coordinator) reconcile(s *Session, p model.Progress) model.SessionState {
	verified := s.verified()
	if p.Failed == 0 && verified == s.Total {
		if _, err := c.ledger.Reconcile(int(s.Total)); err != nil {
			c.logger.WithError(err).Warn("metadata reconcile failed")
			return model.StateIncomplete
		}
		if _, err := c.ledger.MarkComplete(); err != nil {
			c.logger.WithError(err).Warn("mark complete failed")
			return model.StateIncomplete
		}
		return model.StateCompleted
	}

	if _, err := c.ledger.Reconcile(int(verified)); err != nil {
		c.logger.WithError(err).Warn("metadata reconcile failed")
	}
	if _, err := c.ledger.MarkIncomplete(); err != nil {
		c.logger.WithError(err).Warn("metadata update failed")
	}
	return model.StateIncomplete
}

type nopSink struct{}

func (nopSink) SetState(model.SessionState, model.Progress) {}
func (nopSink) Publish(model.Event)                         {}
func (nopSink) UpdateMetadata(model.CacheMetadata)          {}
