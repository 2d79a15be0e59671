package stats

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/refugios/tilecache/internal/model"
	"github.com/refugios/tilecache/internal/util"
)

// Monitor logs throughput every interval until ctx is done or progress
// reaches the total.
func (r *Reporter) Monitor(ctx context.Context, interval time.Duration, current func() model.Progress) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last model.Progress
	lastTime := time.Now()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			p := current()
			duration := now.Sub(lastTime).Seconds()

			var speed, countSpeed float64
			if duration > 0 {
				speed = float64(p.Bytes-last.Bytes) / 1024 / duration
				countSpeed = float64(p.Downloaded-last.Downloaded) / duration
			}
			var percent float64
			if p.Total > 0 {
				percent = float64(p.Processed()) / float64(p.Total) * 100
			}

			r.logger.WithFields(logrus.Fields{
				"session_id":  p.SessionID,
				"processed":   p.Processed(),
				"total":       p.Total,
				"percent":     percent,
				"kb_per_sec":  speed,
				"tiles_per_s": countSpeed,
				"downloaded":  p.Downloaded,
				"skipped":     p.Skipped,
				"failed":      p.Failed,
			}).Info("download progress")

			last = p
			lastTime = now
			if p.Total > 0 && p.Processed() >= p.Total {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// LogFinal writes the end-of-session summary.
func (r *Reporter) LogFinal(state model.SessionState, p model.Progress, elapsed time.Duration, errs []util.ErrorCount) {
	var percent float64
	if p.Total > 0 {
		percent = float64(p.Downloaded+p.Skipped) / float64(p.Total) * 100
	}
	fields := logrus.Fields{
		"session_id":    p.SessionID,
		"state":         state,
		"elapsed":       elapsed.Round(time.Second).String(),
		"total":         p.Total,
		"downloaded":    p.Downloaded,
		"skipped":       p.Skipped,
		"failed":        p.Failed,
		"retries":       p.Retries,
		"downloaded_mb": float64(p.Bytes) / 1024 / 1024,
		"completion":    percent,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		fields["avg_kb_per_sec"] = float64(p.Bytes) / 1024 / secs
		fields["avg_tiles_per_s"] = float64(p.Downloaded) / secs
	}

	entry := r.logger.WithFields(fields)
	if state == model.StateCompleted {
		entry.Info("download finished")
	} else {
		entry.Warn("download finished")
	}
	for _, e := range errs {
		r.logger.WithFields(logrus.Fields{
			"session_id": p.SessionID,
			"reason":     e.Reason,
			"count":      e.Count,
		}).Warn("tile failures")
	}
}
