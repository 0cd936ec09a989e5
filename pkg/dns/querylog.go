package dns

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dns-agent/pkg/logging"
	"dns-agent/pkg/storage"
)

const logTimeout = 1 * time.Second

// QueryLogger fans query log entries out to storage through a fixed worker
// pool, so the dispatcher never spawns a goroutine per query and never
// blocks on the database.
type QueryLogger struct {
	logCh     chan *storage.QueryLog
	workers   int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	storage   storage.Storage
	logger    *logging.Logger
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewQueryLogger starts the worker pool.
func NewQueryLogger(stor storage.Storage, logger *logging.Logger, bufferSize, workers int) *QueryLogger {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if workers <= 0 {
		workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	ql := &QueryLogger{
		logCh:   make(chan *storage.QueryLog, bufferSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		storage: stor,
		logger:  logger,
	}

	for i := 0; i < workers; i++ {
		ql.wg.Add(1)
		go ql.worker()
	}

	logger.Info("Query logger worker pool started",
		"workers", workers,
		"buffer_size", bufferSize)

	return ql
}

func (ql *QueryLogger) worker() {
	defer ql.wg.Done()

	for {
		select {
		case <-ql.ctx.Done():
			ql.drain()
			return
		case entry, ok := <-ql.logCh:
			if !ok {
				return
			}
			ql.write(ql.ctx, entry)
		}
	}
}

// drain writes whatever is still buffered during shutdown.
func (ql *QueryLogger) drain() {
	for {
		select {
		case entry, ok := <-ql.logCh:
			if !ok {
				return
			}
			ql.write(context.Background(), entry)
		default:
			return
		}
	}
}

func (ql *QueryLogger) write(ctx context.Context, entry *storage.QueryLog) {
	logCtx, cancel := context.WithTimeout(ctx, logTimeout)
	defer cancel()

	if err := ql.storage.LogQuery(logCtx, entry); err != nil {
		ql.logger.Error("Failed to log query",
			"domain", entry.Domain,
			"client_ip", entry.ClientIP,
			"error", err)
	}
}

// LogAsync queues an entry without blocking; full buffers drop the entry.
func (ql *QueryLogger) LogAsync(entry *storage.QueryLog) error {
	select {
	case ql.logCh <- entry:
		return nil
	default:
		ql.dropped.Add(1)
		return storage.ErrBufferFull
	}
}

// Dropped returns how many entries were discarded because the buffer was
// full.
func (ql *QueryLogger) Dropped() uint64 {
	return ql.dropped.Load()
}

// Close stops the pool after draining buffered entries. Safe to call more
// than once.
func (ql *QueryLogger) Close() error {
	ql.closeOnce.Do(func() {
		ql.logger.Info("Shutting down query logger",
			"dropped_total", ql.dropped.Load())
		ql.cancel()
		ql.wg.Wait()
	})
	return nil
}
