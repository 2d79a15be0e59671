package util

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrorStats 错误统计
type ErrorStats struct {
	errors map[string]int
	mu     sync.RWMutex
}

// ErrorCount is one line of an error summary.
type ErrorCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		errors: make(map[string]int),
	}
}

// Classify reduces an error to a short, stable category.
func Classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "context deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "connection refused"):
		return "connection refused"
	case strings.Contains(errStr, "no such host"):
		return "dns lookup failed"
	case strings.Contains(errStr, "i/o timeout"):
		return "io timeout"
	case strings.Contains(errStr, "proxyconnect"):
		return "proxy connect failed"
	case strings.Contains(errStr, "tls handshake"):
		return "tls handshake failed"
	case strings.Contains(errStr, "HTTP 403"):
		return "HTTP 403 forbidden"
	case strings.Contains(errStr, "HTTP 404"):
		return "HTTP 404 not found"
	case strings.Contains(errStr, "HTTP 429"):
		return "HTTP 429 too many requests"
	case strings.Contains(errStr, "HTTP 5"):
		return "HTTP 5xx server error"
	case strings.Contains(errStr, "no space left"):
		return "disk full"
	case strings.Contains(errStr, "permission denied"):
		return "permission denied"
	}

	// 只取前50个字符
	if len(errStr) > 50 {
		return errStr[:50] + "..."
	}
	return errStr
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err error) {
	if err == nil {
		return
	}

	reason := Classify(err)

	es.mu.Lock()
	defer es.mu.Unlock()
	es.errors[reason]++
}

// GetErrorStats 获取错误统计
func (es *ErrorStats) GetErrorStats() map[string]int {
	es.mu.RLock()
	defer es.mu.RUnlock()

	stats := make(map[string]int, len(es.errors))
	for err, count := range es.errors {
		stats[err] = count
	}

	return stats
}

// Summary returns the recorded categories, most frequent first.
func (es *ErrorStats) Summary() []ErrorCount {
	stats := es.GetErrorStats()
	summary := make([]ErrorCount, 0, len(stats))
	for reason, count := range stats {
		summary = append(summary, ErrorCount{Reason: reason, Count: count})
	}
	sort.Slice(summary, func(i, j int) bool {
		if summary[i].Count != summary[j].Count {
			return summary[i].Count > summary[j].Count
		}
		return summary[i].Reason < summary[j].Reason
	})
	return summary
}

// HasErrors 检查是否有错误
func (es *ErrorStats) HasErrors() bool {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return len(es.errors) > 0
}
