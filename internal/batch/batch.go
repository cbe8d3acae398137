// Package batch absorbs per-frame publish traffic into a coalescing
// queue and flushes it to the backend on a fixed tick. Several updates
// to the same key between ticks collapse into the newest one, so the
// write rate is bounded by tick and batch size no matter how fast the
// game loop runs.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencoop/relay/internal/backend"
	"github.com/opencoop/relay/internal/metrics"
	"github.com/opencoop/relay/internal/queue"
)

// Op is one queued backend mutation.
type Op struct {
	// Delete removes the key instead of writing Value.
	Delete bool
	Value  []byte
}

// Options tune the flush loop. Zero values fall back to defaults.
type Options struct {
	Tick    time.Duration
	MaxSize int
}

const (
	defaultTick    = 33 * time.Millisecond
	defaultMaxSize = 16
)

// Writer runs the flush loop.
type Writer struct {
	client  backend.Client
	queue   *queue.Keyed[string, Op]
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Set

	mu        sync.RWMutex
	isRunning bool
	stopChan  chan struct{}
	done      chan struct{}

	stats struct {
		mu     sync.Mutex
		writes int64
		errors int64
		bytes  int64
	}
}

// NewWriter creates a stopped writer. Metrics may be nil.
func NewWriter(client backend.Client, log zerolog.Logger, m *metrics.Set, opts Options) *Writer {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	return &Writer{
		client:  client,
		queue:   queue.NewKeyed[string, Op](),
		opts:    opts,
		log:     log,
		metrics: m,
	}
}

// Put queues a document write. A pending op on the same key is replaced.
func (w *Writer) Put(key string, value []byte) {
	w.queue.Push(key, Op{Value: value})
}

// Remove queues a document delete, superseding any pending write.
func (w *Writer) Remove(key string) {
	w.queue.Push(key, Op{Delete: true})
}

// Depth returns the number of pending ops.
func (w *Writer) Depth() int {
	return w.queue.Len()
}

// IsRunning reports whether the flush loop is active.
func (w *Writer) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isRunning
}

// Start launches the flush loop.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isRunning {
		return
	}
	w.isRunning = true
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})

	go w.run(ctx, w.stopChan, w.done)
	w.log.Info().Dur("tick", w.opts.Tick).Int("maxSize", w.opts.MaxSize).Msg("batch writer started")
}

func (w *Writer) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush(ctx)
		case <-stop:
			// Final drain so ops queued just before Stop are not lost.
			w.Flush(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the loop after one final flush and waits for it to finish.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	close(w.stopChan)
	done := w.done
	w.mu.Unlock()

	<-done
	w.log.Info().Msg("batch writer stopped")
}

// Flush drains up to MaxSize ops and issues them concurrently. Failed
// ops are counted and logged, not retried: the next snapshot for the
// same key supersedes the lost write anyway.
func (w *Writer) Flush(ctx context.Context) int {
	entries := w.queue.DrainN(w.opts.MaxSize)
	if len(entries) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(key string, op Op) {
			defer wg.Done()
			var err error
			if op.Delete {
				err = w.client.Delete(ctx, key)
			} else {
				err = w.client.Put(ctx, key, op.Value)
			}

			if err != nil {
				w.recordError()
				w.log.Warn().Err(err).Str("key", key).Msg("batch write failed")
				return
			}
			w.recordWrite(len(op.Value))
		}(e.Key, e.Value)
	}
	wg.Wait()

	if w.metrics != nil {
		w.metrics.BatchWrite()
	}
	return len(entries)
}

func (w *Writer) recordWrite(n int) {
	w.stats.mu.Lock()
	w.stats.writes++
	w.stats.bytes += int64(n)
	w.stats.mu.Unlock()
	if w.metrics != nil {
		w.metrics.BackendCall("batch")
		w.metrics.BytesSent(int64(n))
	}
}

func (w *Writer) recordError() {
	w.stats.mu.Lock()
	w.stats.errors++
	w.stats.mu.Unlock()
	if w.metrics != nil {
		w.metrics.WriteError()
	}
}

// Stats returns cumulative write, error, and byte counts.
func (w *Writer) Stats() (writes, errors, bytes int64) {
	w.stats.mu.Lock()
	defer w.stats.mu.Unlock()
	return w.stats.writes, w.stats.errors, w.stats.bytes
}
