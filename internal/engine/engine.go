// Package engine is the top-level sync façade the host application
// drives. It owns the session directory, the local state cache, the
// delta gate, the batch writer, and the chat relay, and exposes the
// publish/fetch surface the game loop calls every frame.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencoop/relay/internal/backend"
	"github.com/opencoop/relay/internal/batch"
	"github.com/opencoop/relay/internal/cache"
	"github.com/opencoop/relay/internal/chat"
	"github.com/opencoop/relay/internal/delta"
	"github.com/opencoop/relay/internal/directory"
	"github.com/opencoop/relay/internal/interest"
	"github.com/opencoop/relay/internal/journal"
	"github.com/opencoop/relay/internal/metrics"
	"github.com/opencoop/relay/internal/wire"
	"github.com/opencoop/relay/pkg/core"
)

// Options assemble the full engine configuration.
type Options struct {
	LocalID   string
	LocalName string
	Region    string

	Directory directory.Options

	PlayerFetchCooldown      time.Duration
	VehicleFetchCooldown     time.Duration
	EnvironmentFetchCooldown time.Duration
	EntityTTL                time.Duration

	InterestRadius      float64
	VehicleRadiusFactor float64

	Delta delta.Options
	Batch batch.Options
	Chat  chat.Options

	ShutdownTimeout time.Duration
	SweepInterval   time.Duration
}

const (
	defaultPlayerCooldown  = 200 * time.Millisecond
	defaultVehicleCooldown = 250 * time.Millisecond
	defaultEnvCooldown     = 5 * time.Second
	defaultEntityTTL       = 10 * time.Second
	defaultShutdownTimeout = 3 * time.Second
	defaultSweepInterval   = 60 * time.Second
)

// Engine coordinates all sync components for one client.
type Engine struct {
	opts   Options
	client backend.Client
	log    zerolog.Logger

	dir    *directory.Directory
	cache  *cache.EntityCache
	gate   *delta.Gate
	filter *interest.Filter
	writer *batch.Writer
	chat   *chat.Relay

	journal *journal.Recorder
	metrics *metrics.Set

	backendCalls cache.SafeCounter
	cacheHits    cache.SafeCounter

	mu       sync.Mutex
	localPos core.Position3D
	owned    map[string]struct{}

	stopChan chan struct{}
	done     chan struct{}

	now func() time.Time
}

// New assembles an engine. The journal recorder may be nil.
func New(client backend.Client, log zerolog.Logger, rec *journal.Recorder, m *metrics.Set, opts Options) *Engine {
	if opts.PlayerFetchCooldown <= 0 {
		opts.PlayerFetchCooldown = defaultPlayerCooldown
	}
	if opts.VehicleFetchCooldown <= 0 {
		opts.VehicleFetchCooldown = defaultVehicleCooldown
	}
	if opts.EnvironmentFetchCooldown <= 0 {
		opts.EnvironmentFetchCooldown = defaultEnvCooldown
	}
	if opts.EntityTTL <= 0 {
		opts.EntityTTL = defaultEntityTTL
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	opts.Directory.LocalID = opts.LocalID
	opts.Directory.LocalName = opts.LocalName
	opts.Directory.Region = opts.Region
	opts.Chat.LocalID = opts.LocalID
	opts.Chat.LocalName = opts.LocalName

	e := &Engine{
		opts:    opts,
		client:  client,
		log:     log,
		dir:     directory.New(client, log.With().Str("component", "directory").Logger(), opts.Directory),
		cache:   cache.New(opts.LocalID),
		gate:    delta.New(opts.Delta),
		filter:  interest.New(opts.InterestRadius, opts.VehicleRadiusFactor),
		chat:    chat.New(client, log.With().Str("component", "chat").Logger(), opts.Chat),
		journal: rec,
		metrics: m,
		owned:   make(map[string]struct{}),
		now:     time.Now,
	}
	e.writer = batch.NewWriter(client, log.With().Str("component", "batch").Logger(), m, opts.Batch)

	e.dir.OnHostChange = func(newHost string) {
		e.log.Info().Str("host", newHost).Msg("session host changed")
	}
	return e
}

// Directory exposes the session directory for listing and inspection.
func (e *Engine) Directory() *directory.Directory {
	return e.dir
}

// Start launches the batch writer and the maintenance sweep.
func (e *Engine) Start(ctx context.Context) {
	e.writer.Start(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopChan != nil {
		return
	}
	e.stopChan = make(chan struct{})
	e.done = make(chan struct{})
	go e.sweepLoop(e.stopChan, e.done)
}

func (e *Engine) sweepLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-stop:
			return
		}
	}
}

// sweep is periodic housekeeping. Cache eviction runs for everyone; the
// remote cleanups are host duties.
func (e *Engine) sweep() {
	if n := e.cache.EvictStale(e.opts.EntityTTL); n > 0 {
		e.log.Debug().Int("evicted", n).Msg("evicted stale cache entries")
	}

	if !e.dir.IsHost() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.SweepInterval)
	defer cancel()

	e.sweepVehicles(ctx)
	if n, err := e.chat.PruneHistory(ctx); err == nil && n > 0 {
		e.log.Debug().Int("pruned", n).Msg("pruned chat history")
	}
	if n, err := e.dir.SweepExpired(ctx); err == nil && n > 0 {
		e.log.Info().Int("swept", n).Msg("swept expired sessions")
	}
}

// sweepVehicles deletes vehicle records nobody has refreshed within the
// expiry window, so abandoned wrecks do not accumulate forever.
func (e *Engine) sweepVehicles(ctx context.Context) {
	sess, ok := e.dir.Session()
	if !ok {
		return
	}

	docs, err := e.client.List(ctx, backend.VehiclesPrefix(sess.ID))
	if err != nil {
		e.log.Warn().Err(err).Msg("vehicle sweep listing failed")
		return
	}
	e.backendCalls.Inc()

	cutoff := e.now().Add(-e.opts.Directory.ExpireAfter).UnixMilli()
	for key, raw := range docs {
		rec, err := wire.UnmarshalVehicle(raw)
		if err != nil || rec.Timestamp >= cutoff {
			continue
		}
		if err := e.client.Delete(ctx, key); err != nil {
			e.log.Warn().Str("key", key).Err(err).Msg("stale vehicle delete failed")
			continue
		}
		e.cache.RemoveVehicle(backend.LastSegment(key))
		e.log.Debug().Str("key", key).Msg("swept stale vehicle")
	}
}

// Stats reports cumulative sync statistics.
func (e *Engine) Stats() core.SyncStats {
	writes, errors, bytes := e.writer.Stats()
	return core.SyncStats{
		BackendCalls: e.backendCalls.Value() + int(writes) + int(errors),
		CacheHits:    e.cacheHits.Value(),
		BytesSent:    bytes,
		BatchWrites:  int(writes),
		WriteErrors:  int(errors),
	}
}

// QueueDepth returns the number of pending batch writes.
func (e *Engine) QueueDepth() int {
	return e.writer.Depth()
}

// RecommendedPublishInterval tells the caller how often to bother
// publishing. With a deep queue or a crowded session the backend gains
// nothing from a faster cadence, the writes just coalesce.
func (e *Engine) RecommendedPublishInterval() time.Duration {
	base := e.opts.Batch.Tick
	if base <= 0 {
		base = 33 * time.Millisecond
	}

	players, _ := e.cache.Counts()
	depth := e.writer.Depth()

	factor := 1
	if players > 8 {
		factor++
	}
	if maxSize := e.opts.Batch.MaxSize; maxSize > 0 && depth > maxSize {
		factor += depth / maxSize
	}
	if factor > 8 {
		factor = 8
	}
	return base * time.Duration(factor)
}

// Shutdown leaves the session and stops all loops, bounded by the
// shutdown timeout so a dead backend cannot hang process exit.
func (e *Engine) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.ShutdownTimeout)
	defer cancel()

	var leaveErr error
	if _, ok := e.dir.Session(); ok {
		leaveErr = e.dir.Leave(ctx)
	}

	e.mu.Lock()
	if e.stopChan != nil {
		close(e.stopChan)
		done := e.done
		e.stopChan = nil
		e.done = nil
		e.mu.Unlock()
		<-done
	} else {
		e.mu.Unlock()
	}

	e.writer.Stop()
	e.chat.Reset()
	e.cache.Reset()
	e.gate.Reset()

	if err := e.client.Close(); err != nil {
		e.log.Warn().Err(err).Msg("backend close failed")
	}
	if leaveErr != nil {
		return fmt.Errorf("leave during shutdown: %w", leaveErr)
	}
	e.log.Info().Msg("engine shut down")
	return nil
}
