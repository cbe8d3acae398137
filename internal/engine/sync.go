package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opencoop/relay/internal/backend"
	"github.com/opencoop/relay/internal/cache"
	"github.com/opencoop/relay/internal/directory"
	"github.com/opencoop/relay/internal/journal"
	"github.com/opencoop/relay/internal/wire"
	"github.com/opencoop/relay/pkg/core"
)

// PublishLocalPlayer queues the local player state for upload. Snapshots
// that do not clear the delta thresholds are dropped here, before they
// cost anything.
func (e *Engine) PublishLocalPlayer(s core.PlayerSnapshot) error {
	sess, ok := e.dir.Session()
	if !ok {
		return directory.ErrNotInSession
	}

	e.mu.Lock()
	e.localPos = s.Position
	e.mu.Unlock()
	e.cache.SetPlayer(e.opts.LocalID, s)

	if !e.gate.PlayerChanged(e.opts.LocalID, s) {
		return nil
	}

	rec := wire.EncodePlayer(s)
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal player record: %w", err)
	}

	key := backend.PlayerKey(sess.ID, e.opts.LocalID)
	e.writer.Put(key, raw)
	e.journalRecord(sess.ID, journal.KindPlayer, key, raw)
	return nil
}

// RegisterVehicle claims a vehicle id for a locally spawned vehicle.
// The id embeds owner, model, and spawn time so two clients spawning
// the same model never collide.
func (e *Engine) RegisterVehicle(modelID int32) string {
	id := fmt.Sprintf("%s_%d_%d", e.opts.LocalID, modelID, e.now().Unix())
	e.mu.Lock()
	e.owned[id] = struct{}{}
	e.mu.Unlock()
	return id
}

// PublishVehicle queues state for a vehicle this client simulates.
func (e *Engine) PublishVehicle(id string, s core.VehicleSnapshot) error {
	sess, ok := e.dir.Session()
	if !ok {
		return directory.ErrNotInSession
	}

	e.cache.SetVehicle(id, s)
	if !e.gate.VehicleChanged(id, s) {
		return nil
	}

	rec := wire.EncodeVehicle(s)
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal vehicle record: %w", err)
	}

	key := backend.VehicleKey(sess.ID, id)
	e.writer.Put(key, raw)
	e.journalRecord(sess.ID, journal.KindVehicle, key, raw)
	return nil
}

// RemoveVehicle deletes a vehicle record, typically when the local
// player abandons or destroys it.
func (e *Engine) RemoveVehicle(id string) error {
	sess, ok := e.dir.Session()
	if !ok {
		return directory.ErrNotInSession
	}

	e.writer.Remove(backend.VehicleKey(sess.ID, id))
	e.cache.RemoveVehicle(id)
	e.gate.Forget(id)
	e.mu.Lock()
	delete(e.owned, id)
	e.mu.Unlock()
	return nil
}

// PublishEnvironment uploads weather and time of day. Host only: one
// writer for the shared document keeps members from fighting over it.
func (e *Engine) PublishEnvironment(s core.EnvironmentSnapshot) error {
	sess, ok := e.dir.Session()
	if !ok {
		return directory.ErrNotInSession
	}
	if !e.dir.IsHost() {
		return fmt.Errorf("environment is published by the host only")
	}

	e.cache.SetEnvironment(s)
	if !e.gate.EnvironmentChanged(s) {
		return nil
	}

	rec := wire.EncodeEnvironment(s)
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal environment record: %w", err)
	}

	key := backend.EnvironmentKey(sess.ID)
	e.writer.Put(key, raw)
	e.journalRecord(sess.ID, journal.KindEnvironment, key, raw)
	return nil
}

// SyncPlayers refreshes the remote player mirror when the cooldown
// window has elapsed and returns the interest-filtered view. Within the
// window it serves the cache untouched.
func (e *Engine) SyncPlayers(ctx context.Context) (map[string]core.PlayerSnapshot, error) {
	sess, ok := e.dir.Session()
	if !ok {
		return nil, directory.ErrNotInSession
	}

	if !e.cache.ShouldFetch(cache.ClassPlayers, e.opts.PlayerFetchCooldown) {
		e.cacheHits.Inc()
		if e.metrics != nil {
			e.metrics.CacheHit("players")
		}
		return e.visiblePlayers(), nil
	}

	docs, err := e.client.List(ctx, backend.PlayersPrefix(sess.ID))
	if err != nil {
		return e.visiblePlayers(), fmt.Errorf("fetch players: %w", err)
	}
	e.backendCalls.Inc()
	if e.metrics != nil {
		e.metrics.BackendCall("list_players")
	}

	remote := make(map[string]core.PlayerSnapshot, len(docs))
	for key, raw := range docs {
		rec, err := wire.UnmarshalPlayer(raw)
		if err != nil {
			e.log.Warn().Str("key", key).Err(err).Msg("skipping malformed player record")
			continue
		}
		remote[backend.LastSegment(key)] = wire.DecodePlayer(rec)
	}

	e.cache.MergePlayers(remote)
	e.cache.EvictStale(e.opts.EntityTTL)
	return e.visiblePlayers(), nil
}

// SyncVehicles refreshes the vehicle mirror on its cooldown window.
func (e *Engine) SyncVehicles(ctx context.Context) (map[string]core.VehicleSnapshot, error) {
	sess, ok := e.dir.Session()
	if !ok {
		return nil, directory.ErrNotInSession
	}

	if !e.cache.ShouldFetch(cache.ClassVehicles, e.opts.VehicleFetchCooldown) {
		e.cacheHits.Inc()
		if e.metrics != nil {
			e.metrics.CacheHit("vehicles")
		}
		return e.visibleVehicles(), nil
	}

	docs, err := e.client.List(ctx, backend.VehiclesPrefix(sess.ID))
	if err != nil {
		return e.visibleVehicles(), fmt.Errorf("fetch vehicles: %w", err)
	}
	e.backendCalls.Inc()
	if e.metrics != nil {
		e.metrics.BackendCall("list_vehicles")
	}

	remote := make(map[string]core.VehicleSnapshot, len(docs))
	for key, raw := range docs {
		rec, err := wire.UnmarshalVehicle(raw)
		if err != nil {
			e.log.Warn().Str("key", key).Err(err).Msg("skipping malformed vehicle record")
			continue
		}
		remote[backend.LastSegment(key)] = wire.DecodeVehicle(rec)
	}

	e.cache.MergeVehicles(remote)
	return e.visibleVehicles(), nil
}

// SyncEnvironment refreshes the shared environment on its cooldown.
func (e *Engine) SyncEnvironment(ctx context.Context) (core.EnvironmentSnapshot, bool, error) {
	sess, ok := e.dir.Session()
	if !ok {
		return core.EnvironmentSnapshot{}, false, directory.ErrNotInSession
	}

	if !e.cache.ShouldFetch(cache.ClassEnvironment, e.opts.EnvironmentFetchCooldown) {
		e.cacheHits.Inc()
		env, has := e.cache.Environment()
		return env, has, nil
	}

	raw, err := e.client.Get(ctx, backend.EnvironmentKey(sess.ID))
	if err != nil {
		env, has := e.cache.Environment()
		return env, has, fmt.Errorf("fetch environment: %w", err)
	}
	e.backendCalls.Inc()
	if raw == nil {
		env, has := e.cache.Environment()
		return env, has, nil
	}

	rec, err := wire.UnmarshalEnvironment(raw)
	if err != nil {
		env, has := e.cache.Environment()
		return env, has, fmt.Errorf("malformed environment record: %w", err)
	}

	env := wire.DecodeEnvironment(rec)
	e.cache.SetEnvironment(env)
	return env, true, nil
}

// visiblePlayers filters the cached players down to the interest radius
// around the local player. The local player itself is excluded: callers
// already have their own state.
func (e *Engine) visiblePlayers() map[string]core.PlayerSnapshot {
	e.mu.Lock()
	self := e.localPos
	e.mu.Unlock()

	all := e.cache.Players()
	delete(all, e.opts.LocalID)
	return e.filter.FilterPlayers(self, all)
}

// visibleVehicles filters cached vehicles the same way: self-authored
// records are excluded because the author already holds fresher state
// than the store's echo.
func (e *Engine) visibleVehicles() map[string]core.VehicleSnapshot {
	e.mu.Lock()
	self := e.localPos
	e.mu.Unlock()

	all := e.cache.Vehicles()
	prefix := e.opts.LocalID + "_"
	e.mu.Lock()
	for id := range e.owned {
		delete(all, id)
	}
	e.mu.Unlock()
	for id := range all {
		if strings.HasPrefix(id, prefix) {
			delete(all, id)
		}
	}

	occupied := ""
	if local, ok := e.cache.Player(e.opts.LocalID); ok && local.InVehicle &&
		!strings.HasPrefix(local.VehicleRef, prefix) {
		occupied = local.VehicleRef
	}
	return e.filter.FilterVehicles(self, all, occupied)
}

func (e *Engine) journalRecord(sessionID, kind, key string, payload []byte) {
	if e.journal == nil {
		return
	}
	e.journal.Record(sessionID, kind, key, payload)
}
