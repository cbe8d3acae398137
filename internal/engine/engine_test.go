package engine

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencoop/relay/internal/backend"
	"github.com/opencoop/relay/internal/backend/memory"
	"github.com/opencoop/relay/internal/batch"
	"github.com/opencoop/relay/internal/directory"
	"github.com/opencoop/relay/pkg/core"
)

func newTestEngine(store *memory.Client, localID string) *Engine {
	return New(store, zerolog.Nop(), nil, nil, Options{
		LocalID:   localID,
		LocalName: "name-" + localID,
		Region:    "EU",
		Directory: directory.Options{
			MaxPlayers: 8,
			// Background tickers must not fire during tests.
			HeartbeatInterval:   time.Hour,
			HealthCheckInterval: time.Hour,
			StaleAfter:          time.Hour,
			ExpireAfter:         2 * time.Hour,
		},
		PlayerFetchCooldown:      time.Nanosecond,
		VehicleFetchCooldown:     time.Nanosecond,
		EnvironmentFetchCooldown: time.Nanosecond,
		EntityTTL:                time.Hour,
		InterestRadius:           300,
		VehicleRadiusFactor:      1.2,
		Batch:                    batch.Options{Tick: time.Hour, MaxSize: 64},
		ShutdownTimeout:          time.Second,
		SweepInterval:            time.Hour,
	})
}

func TestPublishLocalPlayerWritesRecord(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, "p1")
	ctx := context.Background()

	sess, err := e.CreateSession(ctx)
	require.NoError(t, err)
	defer e.LeaveSession(ctx)

	snap := core.PlayerSnapshot{
		Name:     "p1",
		Position: core.Position3D{X: 10, Y: 20},
		IsAlive:  true,
	}
	require.NoError(t, e.PublishLocalPlayer(snap))
	assert.Equal(t, 1, e.QueueDepth())

	e.writer.Flush(ctx)

	raw, err := store.Get(ctx, backend.PlayerKey(sess.ID, "p1"))
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Contains(t, string(raw), `"x":100`, "position stored quantized")
}

func TestPublishSuppressedByDeltaGate(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, "p1")
	ctx := context.Background()

	_, err := e.CreateSession(ctx)
	require.NoError(t, err)
	defer e.LeaveSession(ctx)

	snap := core.PlayerSnapshot{Position: core.Position3D{X: 10}, IsAlive: true}
	require.NoError(t, e.PublishLocalPlayer(snap))
	e.writer.Flush(ctx)

	// Same state again: nothing crosses a threshold.
	require.NoError(t, e.PublishLocalPlayer(snap))
	assert.Zero(t, e.QueueDepth())
}

func TestPublishWithoutSession(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, "p1")

	err := e.PublishLocalPlayer(core.PlayerSnapshot{})
	assert.ErrorIs(t, err, directory.ErrNotInSession)
}

func TestSyncPlayersSeesRemoteAndFiltersByInterest(t *testing.T) {
	store := memory.New()
	host := newTestEngine(store, "p1")
	near := newTestEngine(store, "p2")
	far := newTestEngine(store, "p3")
	ctx := context.Background()

	sess, err := host.CreateSession(ctx)
	require.NoError(t, err)
	defer host.LeaveSession(ctx)

	_, err = near.JoinSession(ctx, sess.ID)
	require.NoError(t, err)
	defer near.LeaveSession(ctx)
	_, err = far.JoinSession(ctx, sess.ID)
	require.NoError(t, err)
	defer far.LeaveSession(ctx)

	require.NoError(t, host.PublishLocalPlayer(core.PlayerSnapshot{Position: core.Position3D{X: 0}, IsAlive: true}))
	require.NoError(t, near.PublishLocalPlayer(core.PlayerSnapshot{Position: core.Position3D{X: 50}, IsAlive: true}))
	require.NoError(t, far.PublishLocalPlayer(core.PlayerSnapshot{Position: core.Position3D{X: 1000}, IsAlive: true}))
	host.writer.Flush(ctx)
	near.writer.Flush(ctx)
	far.writer.Flush(ctx)

	time.Sleep(time.Millisecond)
	players, err := host.SyncPlayers(ctx)
	require.NoError(t, err)

	assert.Contains(t, players, "p2", "near player visible")
	assert.NotContains(t, players, "p3", "player outside interest radius culled")
	assert.NotContains(t, players, "p1", "local player excluded from remote view")
}

func TestSyncPlayersServesCacheInsideCooldown(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, "p1")
	e.opts.PlayerFetchCooldown = time.Hour
	ctx := context.Background()

	_, err := e.CreateSession(ctx)
	require.NoError(t, err)
	defer e.LeaveSession(ctx)

	_, err = e.SyncPlayers(ctx)
	require.NoError(t, err)
	listsAfterFirst := store.Calls("list")

	_, err = e.SyncPlayers(ctx)
	require.NoError(t, err)
	assert.Equal(t, listsAfterFirst, store.Calls("list"), "second sync inside cooldown hits cache")
	assert.Equal(t, 1, e.Stats().CacheHits)
}

func TestVehicleLifecycle(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, "p1")
	ctx := context.Background()

	sess, err := e.CreateSession(ctx)
	require.NoError(t, err)
	defer e.LeaveSession(ctx)

	id := e.RegisterVehicle(4242)
	assert.True(t, strings.HasPrefix(id, "p1_4242_"), "id embeds owner and model")

	require.NoError(t, e.PublishVehicle(id, core.VehicleSnapshot{
		ModelID:       4242,
		Position:      core.Position3D{X: 5},
		EngineRunning: true,
		OwnerID:       "p1",
	}))
	e.writer.Flush(ctx)

	raw, err := store.Get(ctx, backend.VehicleKey(sess.ID, id))
	require.NoError(t, err)
	require.NotNil(t, raw)

	require.NoError(t, e.RemoveVehicle(id))
	e.writer.Flush(ctx)

	raw, err = store.Get(ctx, backend.VehicleKey(sess.ID, id))
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestSyncVehiclesExcludesOwnVehicles(t *testing.T) {
	store := memory.New()
	owner := newTestEngine(store, "p1")
	other := newTestEngine(store, "p2")
	ctx := context.Background()

	sess, err := owner.CreateSession(ctx)
	require.NoError(t, err)
	defer owner.LeaveSession(ctx)
	_, err = other.JoinSession(ctx, sess.ID)
	require.NoError(t, err)
	defer other.LeaveSession(ctx)

	id := owner.RegisterVehicle(4242)
	require.NoError(t, owner.PublishVehicle(id, core.VehicleSnapshot{
		ModelID:  4242,
		Position: core.Position3D{X: 5},
		OwnerID:  "p1",
	}))
	owner.writer.Flush(ctx)

	time.Sleep(time.Millisecond)
	mine, err := owner.SyncVehicles(ctx)
	require.NoError(t, err)
	assert.NotContains(t, mine, id, "author never sees the store echo of its own vehicle")

	theirs, err := other.SyncVehicles(ctx)
	require.NoError(t, err)
	assert.Contains(t, theirs, id, "other members still see it")
}

func TestEnvironmentHostOnly(t *testing.T) {
	store := memory.New()
	host := newTestEngine(store, "p1")
	member := newTestEngine(store, "p2")
	ctx := context.Background()

	sess, err := host.CreateSession(ctx)
	require.NoError(t, err)
	defer host.LeaveSession(ctx)
	_, err = member.JoinSession(ctx, sess.ID)
	require.NoError(t, err)
	defer member.LeaveSession(ctx)

	env := core.EnvironmentSnapshot{WeatherID: 2, Hour: 18}
	require.NoError(t, host.PublishEnvironment(env))
	host.writer.Flush(ctx)

	err = member.PublishEnvironment(env)
	assert.Error(t, err, "members must not write the shared environment")

	time.Sleep(time.Millisecond)
	got, ok, err := member.SyncEnvironment(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 18, got.Hour)
}

func TestRecommendedPublishInterval(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, "p1")
	ctx := context.Background()

	_, err := e.CreateSession(ctx)
	require.NoError(t, err)
	defer e.LeaveSession(ctx)

	base := e.RecommendedPublishInterval()
	assert.Equal(t, time.Hour, base, "empty session runs at the base tick")

	// Flood the queue past the batch size.
	for i := 0; i < 200; i++ {
		e.writer.Put("k"+strconv.Itoa(i), []byte(`{}`))
	}
	assert.Greater(t, e.RecommendedPublishInterval(), base, "deep queue slows the cadence")
}

func TestSweepVehiclesDropsExpired(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, "p1")
	e.opts.Directory.ExpireAfter = 30 * time.Second
	ctx := context.Background()

	sess, err := e.CreateSession(ctx)
	require.NoError(t, err)
	defer e.LeaveSession(ctx)

	old := time.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, store.Put(ctx, backend.VehicleKey(sess.ID, "wreck"),
		[]byte(`{"m":1,"t":`+timestampString(old)+`}`)))
	require.NoError(t, e.PublishVehicle(e.RegisterVehicle(2), core.VehicleSnapshot{
		Timestamp: time.Now().UnixMilli(),
	}))
	e.writer.Flush(ctx)

	e.sweep()

	raw, err := store.Get(ctx, backend.VehicleKey(sess.ID, "wreck"))
	require.NoError(t, err)
	assert.Nil(t, raw, "expired vehicle swept")

	docs, err := store.List(ctx, backend.VehiclesPrefix(sess.ID))
	require.NoError(t, err)
	assert.Len(t, docs, 1, "fresh vehicle survives")
}

func TestChatRoundTrip(t *testing.T) {
	store := memory.New()
	host := newTestEngine(store, "p1")
	member := newTestEngine(store, "p2")
	ctx := context.Background()

	sess, err := host.CreateSession(ctx)
	require.NoError(t, err)
	defer host.LeaveSession(ctx)
	_, err = member.JoinSession(ctx, sess.ID)
	require.NoError(t, err)
	defer member.LeaveSession(ctx)

	_, err = host.SendChat(ctx, "welcome aboard")
	require.NoError(t, err)

	msgs, err := member.PollChat(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "welcome aboard", msgs[0].Text)
}

func TestShutdownLeavesSession(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, "p1")
	ctx := context.Background()

	sess, err := e.CreateSession(ctx)
	require.NoError(t, err)
	e.Start(ctx)

	require.NoError(t, e.Shutdown())

	raw, err := store.Get(ctx, backend.SessionKey(sess.ID))
	require.NoError(t, err)
	assert.Nil(t, raw, "sole member's shutdown deletes the session")
	_, ok := e.Session()
	assert.False(t, ok)
}

func TestStatsAggregation(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, "p1")
	ctx := context.Background()

	_, err := e.CreateSession(ctx)
	require.NoError(t, err)
	defer e.LeaveSession(ctx)

	require.NoError(t, e.PublishLocalPlayer(core.PlayerSnapshot{IsAlive: true}))
	e.writer.Flush(ctx)

	stats := e.Stats()
	assert.Equal(t, 1, stats.BatchWrites)
	assert.Positive(t, stats.BytesSent)
	assert.Zero(t, stats.WriteErrors)
	assert.NotEmpty(t, stats.String())
}

func timestampString(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
