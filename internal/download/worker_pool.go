// Package download 批量下载区域瓦片
package download

import (
	"context"
	"sync"

	"github.com/refugios/tilecache/internal/model"
)

// WorkerPool 工作池
type WorkerPool struct {
	workers   int
	taskQueue chan model.TileKey
	wg        sync.WaitGroup
	handler   func(model.TileKey)

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
}

// NewWorkerPool 创建工作池
func NewWorkerPool(workers int, handler func(model.TileKey)) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		workers:   workers,
		taskQueue: make(chan model.TileKey, workers*2),
		handler:   handler,
	}
}

// Start 启动工作池
func (wp *WorkerPool) Start() {
	wp.wg.Add(wp.workers)
	for i := 0; i < wp.workers; i++ {
		go func() {
			defer wp.wg.Done()
			for key := range wp.taskQueue {
				wp.handler(key)
			}
		}()
	}
}

// Stop closes the queue and waits for the workers to drain it. Safe to call
// more than once.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.mu.Lock()
		wp.stopped = true
		close(wp.taskQueue)
		wp.mu.Unlock()
	})
	wp.wg.Wait()
}

// Submit 提交任务. It blocks while the queue is full and returns false once
// the pool is stopped or ctx is done.
func (wp *WorkerPool) Submit(ctx context.Context, key model.TileKey) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	select {
	case wp.taskQueue <- key:
		return true
	case <-ctx.Done():
		return false
	}
}
