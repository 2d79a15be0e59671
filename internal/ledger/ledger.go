// Package ledger 持久化缓存元数据 (metadata.json)
//
// Every mutation is sent to a single goroutine over an unbuffered channel and
// is applied and written to disk before the next one is read, so concurrent
// workers can never lose an increment.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/util"
)

// FileName is the ledger file inside the cache root.
const FileName = "metadata.json"

const tempPattern = ".metadata-*"

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger closed")
	// ErrCountMismatch rejects MarkComplete while tiles are missing.
	ErrCountMismatch = errors.New("downloaded tiles do not match total")
)

type mutation func(md model.CacheMetadata) (model.CacheMetadata, error)

type request struct {
	apply    mutation
	readOnly bool
	reply    chan result
}

type result struct {
	md  model.CacheMetadata
	err error
}

// Ledger 缓存元数据管理器
type Ledger struct {
	path   string
	logger *logrus.Entry
	now    func() time.Time

	requests chan request
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once

	mu      sync.RWMutex
	current model.CacheMetadata
}

// New starts the update queue for <root>/metadata.json. Call Load before
// relying on Snapshot.
func New(root string, logger *logrus.Entry) *Ledger {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &Ledger{
		path:     filepath.Join(root, FileName),
		logger:   logger.WithField("component", "ledger"),
		now:      time.Now,
		requests: make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		current:  model.DefaultMetadata(),
	}
	go l.run()
	return l
}

// Path returns the metadata file location.
func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case req := <-l.requests:
			md, err := l.apply(req)
			req.reply <- result{md: md, err: err}
		case <-l.quit:
			return
		}
	}
}

// apply runs on the queue goroutine only.
func (l *Ledger) apply(req request) (model.CacheMetadata, error) {
	l.mu.RLock()
	prev := l.current
	l.mu.RUnlock()

	next, err := req.apply(prev)
	if err != nil {
		return prev, err
	}
	if req.readOnly {
		l.mu.Lock()
		l.current = next
		l.mu.Unlock()
		return next, nil
	}
	next.SchemaVersion = model.MetadataSchemaVersion
	next.LastUpdatedAt = l.now().UTC()
	if err := next.CheckInvariants(); err != nil {
		return prev, fmt.Errorf("refusing to persist metadata: %w", err)
	}
	if err := l.persist(next); err != nil {
		return prev, err
	}

	l.mu.Lock()
	l.current = next
	l.mu.Unlock()
	return next, nil
}

func (l *Ledger) persist(md model.CacheMetadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := util.WriteFileAtomic(l.path, data, tempPattern); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (l *Ledger) do(fn mutation) (model.CacheMetadata, error) {
	return l.send(request{apply: fn, reply: make(chan result, 1)})
}

func (l *Ledger) send(req request) (model.CacheMetadata, error) {
	select {
	case l.requests <- req:
	case <-l.quit:
		return l.Snapshot(), ErrClosed
	}
	res := <-req.reply
	return res.md, res.err
}

// Load reads the metadata file. A missing, unreadable, unparsable or
// inconsistent file yields the default record and a warning; it is never an
// error, the next successful batch overwrites it.
func (l *Ledger) Load() model.CacheMetadata {
	md, _ := l.send(request{
		apply: func(model.CacheMetadata) (model.CacheMetadata, error) {
			return l.read(), nil
		},
		readOnly: true,
		reply:    make(chan result, 1),
	})
	return md
}

func (l *Ledger) read() model.CacheMetadata {
	if stale, _ := filepath.Glob(filepath.Join(filepath.Dir(l.path), tempPattern)); len(stale) > 0 {
		for _, p := range stale {
			os.Remove(p)
		}
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.WithError(err).Warn("metadata unreadable, starting empty")
		}
		return model.DefaultMetadata()
	}

	var md model.CacheMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		l.logger.WithError(err).Warn("metadata corrupt, starting empty")
		return model.DefaultMetadata()
	}
	if err := md.CheckInvariants(); err != nil {
		l.logger.WithError(err).Warn("metadata rejected, starting empty")
		return model.DefaultMetadata()
	}

	l.logger.WithFields(logrus.Fields{
		"downloaded": md.DownloadedTiles,
		"total":      md.TotalTiles,
		"complete":   md.IsComplete,
	}).Info("metadata loaded")
	return md
}

// Snapshot returns the last applied record without touching the disk.
func (l *Ledger) Snapshot() model.CacheMetadata {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Save replaces the record.
func (l *Ledger) Save(md model.CacheMetadata) (model.CacheMetadata, error) {
	return l.do(func(model.CacheMetadata) (model.CacheMetadata, error) {
		return md, nil
	})
}

// IncrementDownloaded adds n freshly written tiles, clamped at the total.
func (l *Ledger) IncrementDownloaded(n int) (model.CacheMetadata, error) {
	return l.do(func(md model.CacheMetadata) (model.CacheMetadata, error) {
		if n <= 0 {
			return md, nil
		}
		md.DownloadedTiles = min(md.DownloadedTiles+n, md.TotalTiles)
		return md, nil
	})
}

// MarkComplete sets the completeness flag. It only succeeds when every tile
// of the region is counted.
func (l *Ledger) MarkComplete() (model.CacheMetadata, error) {
	return l.do(func(md model.CacheMetadata) (model.CacheMetadata, error) {
		if md.TotalTiles == 0 || md.DownloadedTiles != md.TotalTiles {
			return md, fmt.Errorf("%w: %d/%d", ErrCountMismatch, md.DownloadedTiles, md.TotalTiles)
		}
		md.IsComplete = true
		return md, nil
	})
}

// MarkIncomplete clears the completeness flag.
func (l *Ledger) MarkIncomplete() (model.CacheMetadata, error) {
	return l.do(func(md model.CacheMetadata) (model.CacheMetadata, error) {
		md.IsComplete = false
		return md, nil
	})
}

// Begin prepares the record for a batch over region. Progress is kept when
// the region and tile count are unchanged, otherwise the counter restarts.
func (l *Ledger) Begin(region model.Region, total int) (model.CacheMetadata, error) {
	return l.do(func(md model.CacheMetadata) (model.CacheMetadata, error) {
		if md.Region == region && md.TotalTiles == total {
			return md, nil
		}
		return model.CacheMetadata{
			SchemaVersion: model.MetadataSchemaVersion,
			Region:        region,
			TotalTiles:    total,
		}, nil
	})
}

// Reconcile sets the counter to the number of tiles a finished batch found on
// disk.
func (l *Ledger) Reconcile(verified int) (model.CacheMetadata, error) {
	return l.do(func(md model.CacheMetadata) (model.CacheMetadata, error) {
		md.DownloadedTiles = max(0, min(verified, md.TotalTiles))
		if md.DownloadedTiles != md.TotalTiles {
			md.IsComplete = false
		}
		return md, nil
	})
}

// Reset persists the default record.
func (l *Ledger) Reset() (model.CacheMetadata, error) {
	return l.do(func(model.CacheMetadata) (model.CacheMetadata, error) {
		return model.DefaultMetadata(), nil
	})
}

// Close stops the update queue. Pending callers either finish or get
// ErrClosed.
func (l *Ledger) Close() error {
	l.once.Do(func() {
		close(l.quit)
	})
	<-l.done
	return nil
}
