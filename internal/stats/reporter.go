// Package stats 汇报离线缓存状态与下载进度
package stats

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/refugios/tilecache/internal/model"
)

// Callback receives events. It runs on the publishing goroutine and must not
// call Publish. While it is still running, further progress events are
// dropped instead of queued; terminal events wait for it.
type Callback func(model.Event)

type subscription struct {
	id uint64
	cb Callback
}

// Reporter holds the status shown to the UI and pushes events to a single
// subscriber.
type Reporter struct {
	logger *logrus.Entry

	mu       sync.RWMutex
	metadata model.CacheMetadata
	state    model.SessionState
	progress model.Progress

	subMu  sync.Mutex
	nextID uint64
	sub    *subscription

	// deliverMu serialises callbacks and guards the ordering fields below.
	deliverMu     sync.Mutex
	limiter       *rate.Limiter
	lastSession   string
	lastProcessed int64
	closed        bool
}

// NewReporter creates a reporter that forwards at most one progress event per
// interval. Terminal events are never throttled.
func NewReporter(initial model.CacheMetadata, interval time.Duration, logger *logrus.Entry) *Reporter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Reporter{
		logger:   logger.WithField("component", "reporter"),
		metadata: initial,
		state:    model.StateIdle,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// GetStatus returns the cached metadata without touching the disk.
func (r *Reporter) GetStatus() model.CacheMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metadata
}

// Snapshot returns metadata, session state and the latest progress.
func (r *Reporter) Snapshot() model.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return model.Status{
		Metadata: r.metadata,
		State:    r.state,
		Progress: r.progress,
	}
}

// UpdateMetadata records the ledger's latest record.
func (r *Reporter) UpdateMetadata(md model.CacheMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = md
}

// SetState records a state transition.
func (r *Reporter) SetState(state model.SessionState, p model.Progress) {
	r.mu.Lock()
	r.state = state
	if p.SessionID != "" || state == model.StateIdle {
		r.progress = p
	}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"state":      state,
		"session_id": p.SessionID,
	}).Debug("state changed")
}

// Subscribe installs cb as the only subscriber, replacing any previous one.
// The returned function removes it; calling it after a newer Subscribe is a
// no-op.
func (r *Reporter) Subscribe(cb Callback) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.nextID++
	id := r.nextID
	if cb == nil {
		r.sub = nil
	} else {
		r.sub = &subscription{id: id, cb: cb}
	}
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if r.sub != nil && r.sub.id == id {
			r.sub = nil
		}
	}
}

func (r *Reporter) subscriber() Callback {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.sub == nil {
		return nil
	}
	return r.sub.cb
}

// Publish records ev and forwards it to the subscriber. Progress events are
// coalesced; stale ones (lower processed count, or after the session's
// terminal event) are dropped.
func (r *Reporter) Publish(ev model.Event) {
	if ev.Kind == model.EventProgress {
		r.mu.Lock()
		if ev.Progress.Processed() >= r.progress.Processed() || ev.Progress.SessionID != r.progress.SessionID {
			r.progress = ev.Progress
		}
		r.mu.Unlock()
	}

	// 订阅者还在处理上一条时, 进度事件直接丢弃, 不阻塞下载 worker
	if ev.Kind == model.EventProgress && ev.Progress.SessionID != "" {
		if !r.deliverMu.TryLock() {
			return
		}
	} else {
		r.deliverMu.Lock()
	}
	defer r.deliverMu.Unlock()

	// Rejections before a session exists carry no ordering.
	if ev.Progress.SessionID == "" {
		if cb := r.subscriber(); cb != nil {
			r.deliver(cb, ev)
		}
		return
	}
	if ev.Progress.SessionID != r.lastSession {
		r.lastSession = ev.Progress.SessionID
		r.lastProcessed = 0
		r.closed = false
	}
	if r.closed {
		return
	}

	if ev.Kind == model.EventProgress {
		if ev.Progress.Processed() < r.lastProcessed {
			return
		}
		if ev.Progress.Processed() < ev.Progress.Total && !r.limiter.Allow() {
			return
		}
		r.lastProcessed = ev.Progress.Processed()
	} else {
		r.closed = true
		r.lastProcessed = ev.Progress.Processed()
	}

	cb := r.subscriber()
	if cb == nil {
		return
	}
	r.deliver(cb, ev)
}

func (r *Reporter) deliver(cb Callback, ev model.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithField("panic", rec).Error("status subscriber panicked")
		}
	}()
	cb(ev)
}
