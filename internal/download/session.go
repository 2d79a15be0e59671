package download

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/util"
)

// Result is the outcome of a finished session.
type Result struct {
	SessionID string             `json:"sessionId"`
	State     model.SessionState `json:"state"`
	Progress  model.Progress     `json:"progress"`
	Duration  time.Duration      `json:"duration"`
	Errors    []util.ErrorCount  `json:"errors,omitempty"`
	Err       error              `json:"-"`
}

// Session is one run of the coordinator over a region.
type Session struct {
	ID        string
	Region    model.Region
	Total     int64
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	cancelled      atomic.Bool
	storageAborted atomic.Bool

	downloaded      atomic.Int64
	skipped         atomic.Int64
	failed          atomic.Int64
	retries         atomic.Int64
	bytes           atomic.Int64
	storageFailures atomic.Int32
	writeFailures   atomic.Int64

	errors *util.ErrorStats

	mu     sync.RWMutex
	state  model.SessionState
	result Result
	done   chan struct{}
}

func newSession(parent context.Context, region model.Region, total int) *Session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Session{
		ID:        uuid.NewString(),
		Region:    region,
		Total:     int64(total),
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		errors:    util.NewErrorStats(),
		state:     model.StateEnumerating,
		done:      make(chan struct{}),
	}
}

// Cancel asks the session to stop. Fetches already in flight finish and
// their tiles are kept.
func (s *Session) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.cancel()
	}
}

func (s *Session) abortStorage() {
	if s.storageAborted.CompareAndSwap(false, true) {
		s.cancel()
	}
}

func (s *Session) stopping() bool {
	return s.cancelled.Load() || s.storageAborted.Load()
}

// Done is closed when the session reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session finishes.
func (s *Session) Wait() Result {
	<-s.done
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// State returns the current state.
func (s *Session) State() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state model.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Progress returns the counters so far.
func (s *Session) Progress() model.Progress {
	return model.Progress{
		SessionID:  s.ID,
		Total:      s.Total,
		Downloaded: s.downloaded.Load(),
		Skipped:    s.skipped.Load(),
		Failed:     s.failed.Load(),
		Retries:    s.retries.Load(),
		Bytes:      s.bytes.Load(),
	}
}

// verified counts tiles known to be on disk: written or already present.
func (s *Session) verified() int64 {
	return s.downloaded.Load() + s.skipped.Load()
}
