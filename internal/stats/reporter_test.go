package stats

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/util"
)

func newTestReporter(interval time.Duration) (*Reporter, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return NewReporter(model.DefaultMetadata(), interval, logrus.NewEntry(logger)), buf
}

type collector struct {
	mu     sync.Mutex
	events []model.Event
}

func (c *collector) add(ev model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) all() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Event(nil), c.events...)
}

func progress(session string, done, total int64) model.Progress {
	return model.Progress{SessionID: session, Downloaded: done, Total: total}
}

func TestSubscribeReplaces(t *testing.T) {
	r, _ := newTestReporter(0)
	first, second := &collector{}, &collector{}

	unsubFirst := r.Subscribe(first.add)
	r.Publish(model.Event{Kind: model.EventProgress, Progress: progress("s1", 1, 10)})

	unsubSecond := r.Subscribe(second.add)
	r.Publish(model.Event{Kind: model.EventProgress, Progress: progress("s1", 2, 10)})

	// stale unsubscribe must not remove the newer subscriber
	unsubFirst()
	r.Publish(model.Event{Kind: model.EventProgress, Progress: progress("s1", 3, 10)})

	if got := len(first.all()); got != 1 {
		t.Errorf("first subscriber got %d events, want 1", got)
	}
	if got := len(second.all()); got != 2 {
		t.Errorf("second subscriber got %d events, want 2", got)
	}

	unsubSecond()
	r.Publish(model.Event{Kind: model.EventProgress, Progress: progress("s1", 4, 10)})
	if got := len(second.all()); got != 2 {
		t.Errorf("unsubscribed callback still called, got %d events", got)
	}
}

func TestProgressCoalesced(t *testing.T) {
	r, _ := newTestReporter(time.Hour)
	c := &collector{}
	r.Subscribe(c.add)

	for i := int64(1); i <= 50; i++ {
		r.Publish(model.Event{Kind: model.EventProgress, Progress: progress("s1", i, 100)})
	}
	r.Publish(model.Event{Kind: model.EventIncomplete, Progress: progress("s1", 50, 100)})

	events := c.all()
	if len(events) != 2 {
		t.Fatalf("expected 1 progress + 1 terminal event, got %d", len(events))
	}
	if events[1].Kind != model.EventIncomplete {
		t.Errorf("terminal event must always be delivered, got %s", events[1].Kind)
	}
	if got := r.Snapshot().Progress.Downloaded; got != 50 {
		t.Errorf("snapshot should hold the latest progress, got %d", got)
	}
}

func TestEventsNeverGoBackwards(t *testing.T) {
	r, _ := newTestReporter(0)
	c := &collector{}
	r.Subscribe(c.add)

	r.Publish(model.Event{Kind: model.EventProgress, Progress: progress("s1", 5, 9)})
	r.Publish(model.Event{Kind: model.EventProgress, Progress: progress("s1", 3, 9)})
	r.Publish(model.Event{Kind: model.EventCompleted, Progress: progress("s1", 9, 9)})
	r.Publish(model.Event{Kind: model.EventProgress, Progress: progress("s1", 9, 9)})

	events := c.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].Progress.Downloaded != 5 || events[1].Kind != model.EventCompleted {
		t.Errorf("unexpected events %+v", events)
	}

	// a new session starts over
	r.Publish(model.Event{Kind: model.EventProgress, Progress: progress("s2", 1, 9)})
	if got := len(c.all()); got != 3 {
		t.Errorf("new session progress dropped, got %d events", got)
	}
}

func TestSessionlessEventsDelivered(t *testing.T) {
	r, _ := newTestReporter(0)
	c := &collector{}
	r.Subscribe(c.add)

	for i := 0; i < 2; i++ {
		r.Publish(model.Event{Kind: model.EventFailed, Error: "invalid region"})
	}
	if got := len(c.all()); got != 2 {
		t.Errorf("expected both rejections delivered, got %d", got)
	}
}

func TestSlowSubscriberDoesNotBlockProgress(t *testing.T) {
	r, _ := newTestReporter(0)
	c := &collector{}
	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	r.Subscribe(func(ev model.Event) {
		once.Do(func() {
			close(entered)
			<-gate
		})
		c.add(ev)
	})

	go r.Publish(model.Event{Kind: model.EventProgress, Progress: progress("s1", 1, 9)})
	<-entered

	published := make(chan struct{})
	go func() {
		r.Publish(model.Event{Kind: model.EventProgress, Progress: progress("s1", 2, 9)})
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("progress publish waited for a busy subscriber")
	}
	if got := r.Snapshot().Progress.Downloaded; got != 2 {
		t.Errorf("snapshot should hold the dropped progress, got %d", got)
	}

	close(gate)
	r.Publish(model.Event{Kind: model.EventCompleted, Progress: progress("s1", 9, 9)})

	events := c.all()
	if len(events) != 2 {
		t.Fatalf("expected first progress + terminal event, got %+v", events)
	}
	if events[0].Progress.Downloaded != 1 || events[1].Kind != model.EventCompleted {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestSubscriberPanicRecovered(t *testing.T) {
	r, buf := newTestReporter(0)
	r.Subscribe(func(model.Event) { panic("boom") })

	r.Publish(model.Event{Kind: model.EventCompleted, Progress: progress("s1", 1, 1)})
	if !strings.Contains(buf.String(), "status subscriber panicked") {
		t.Errorf("expected panic to be logged, got %q", buf.String())
	}
}

func TestStatusSnapshot(t *testing.T) {
	r, _ := newTestReporter(0)
	if r.Snapshot().State != model.StateIdle {
		t.Fatalf("expected idle, got %s", r.Snapshot().State)
	}

	md := model.CacheMetadata{SchemaVersion: 1, TotalTiles: 9, DownloadedTiles: 9, IsComplete: true}
	r.UpdateMetadata(md)
	r.SetState(model.StateCompleted, progress("s1", 9, 9))

	status := r.Snapshot()
	if !status.AvailableOffline() || status.State != model.StateCompleted {
		t.Errorf("unexpected status %+v", status)
	}
	if r.GetStatus() != md {
		t.Errorf("GetStatus = %+v", r.GetStatus())
	}
}

func TestMonitorStopsAtTotal(t *testing.T) {
	r, buf := newTestReporter(0)
	done := make(chan struct{})
	go func() {
		r.Monitor(context.Background(), 5*time.Millisecond, func() model.Progress {
			return model.Progress{SessionID: "s1", Total: 4, Downloaded: 3, Skipped: 1, Bytes: 4096}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return once all tiles were processed")
	}
	if !strings.Contains(buf.String(), "download progress") {
		t.Errorf("expected a progress log line, got %q", buf.String())
	}
}

func TestMonitorStopsOnCancel(t *testing.T) {
	r, _ := newTestReporter(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Monitor(ctx, time.Hour, func() model.Progress { return model.Progress{} })
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Monitor did not stop on cancel")
	}
}

func TestLogFinal(t *testing.T) {
	r, buf := newTestReporter(0)
	r.LogFinal(model.StateIncomplete, model.Progress{SessionID: "s1", Total: 9, Downloaded: 8, Failed: 1},
		2*time.Second, []util.ErrorCount{{Reason: "HTTP 404 not found", Count: 1}})

	out := buf.String()
	for _, want := range []string{"download finished", `"state":"incomplete"`, "HTTP 404 not found"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}
