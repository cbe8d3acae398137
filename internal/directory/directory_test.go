package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencoop/relay/internal/backend"
	"github.com/opencoop/relay/internal/backend/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var testIDSeq int

func newTestDirectory(store backend.Client, clk *fakeClock, localID string) *Directory {
	d := New(store, zerolog.Nop(), Options{
		LocalID:    localID,
		LocalName:  "name-" + localID,
		Region:     "EU",
		MaxPlayers: 4,
		// Long intervals so background tickers never fire during tests;
		// loop bodies are driven directly.
		HeartbeatInterval:   time.Hour,
		HealthCheckInterval: time.Hour,
		StaleAfter:          15 * time.Second,
		ExpireAfter:         30 * time.Second,
	})
	d.now = clk.Now
	d.newID = func() string {
		testIDSeq++
		return fmt.Sprintf("sess-%04d", testIDSeq)
	}
	return d
}

func setup(t *testing.T) (*memory.Client, *fakeClock) {
	t.Helper()
	return memory.New(), &fakeClock{now: time.Unix(1700000000, 0)}
}

func TestCreateHostsSession(t *testing.T) {
	store, clk := setup(t)
	d := newTestDirectory(store, clk, "p1")
	ctx := context.Background()

	sess, err := d.Create(ctx)
	require.NoError(t, err)
	defer d.Leave(ctx)

	assert.Equal(t, StateHosting, d.State())
	assert.True(t, d.IsHost())
	assert.Equal(t, "p1", sess.HostID)
	assert.Equal(t, 1, sess.PlayerCount)

	raw, err := store.Get(ctx, backend.SessionKey(sess.ID))
	require.NoError(t, err)
	require.NotNil(t, raw)

	raw, err = store.Get(ctx, backend.MemberKey(sess.ID, "p1"))
	require.NoError(t, err)
	require.NotNil(t, raw, "host registers its own membership")
}

func TestCreateStampsSessionTimes(t *testing.T) {
	store, clk := setup(t)
	d := newTestDirectory(store, clk, "p1")
	ctx := context.Background()

	sess, err := d.Create(ctx)
	require.NoError(t, err)
	defer d.Leave(ctx)

	assert.True(t, sess.CreatedAt.Equal(clk.Now()))
	assert.True(t, sess.LastHeartbeat.Equal(clk.Now()))

	members, err := d.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, members[0].JoinedAt.Equal(clk.Now()))
}

func TestCreateWhileInSession(t *testing.T) {
	store, clk := setup(t)
	d := newTestDirectory(store, clk, "p1")
	ctx := context.Background()

	_, err := d.Create(ctx)
	require.NoError(t, err)
	defer d.Leave(ctx)

	_, err = d.Create(ctx)
	assert.ErrorIs(t, err, ErrAlreadyInSession)
}

func TestJoinAndRecount(t *testing.T) {
	store, clk := setup(t)
	host := newTestDirectory(store, clk, "p1")
	member := newTestDirectory(store, clk, "p2")
	ctx := context.Background()

	created, err := host.Create(ctx)
	require.NoError(t, err)
	defer host.Leave(ctx)

	joined, err := member.Join(ctx, created.ID)
	require.NoError(t, err)
	defer member.Leave(ctx)

	assert.Equal(t, StateConnected, member.State())
	assert.Equal(t, 2, joined.PlayerCount, "count derived from members listing")

	members, err := member.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "p1", members[0].ID, "sorted by id")
}

func TestJoinMissingSession(t *testing.T) {
	store, clk := setup(t)
	d := newTestDirectory(store, clk, "p1")

	_, err := d.Join(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, StateDisconnected, d.State())
}

func TestJoinFullSession(t *testing.T) {
	store, clk := setup(t)
	host := newTestDirectory(store, clk, "p1")
	ctx := context.Background()

	created, err := host.Create(ctx)
	require.NoError(t, err)
	defer host.Leave(ctx)

	for i := 2; i <= 4; i++ {
		m := newTestDirectory(store, clk, fmt.Sprintf("p%d", i))
		_, err := m.Join(ctx, created.ID)
		require.NoError(t, err)
		defer m.Leave(ctx)
	}

	late := newTestDirectory(store, clk, "p9")
	_, err = late.Join(ctx, created.ID)
	assert.ErrorIs(t, err, ErrSessionFull)
}

func TestJoinStaleSession(t *testing.T) {
	store, clk := setup(t)
	host := newTestDirectory(store, clk, "p1")
	ctx := context.Background()

	created, err := host.Create(ctx)
	require.NoError(t, err)
	defer host.Leave(ctx)

	clk.Advance(20 * time.Second)

	member := newTestDirectory(store, clk, "p2")
	_, err = member.Join(ctx, created.ID)
	assert.ErrorIs(t, err, ErrSessionStale)
}

func TestListExcludesStale(t *testing.T) {
	store, clk := setup(t)
	ctx := context.Background()

	a := newTestDirectory(store, clk, "p1")
	old, err := a.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Leave(ctx))

	// Leaving last deletes the session, so re-create two by hand: one
	// fresh, one past the stale window.
	clk.Advance(time.Second)
	b := newTestDirectory(store, clk, "p2")
	stale, err := b.Create(ctx)
	require.NoError(t, err)
	clk.Advance(20 * time.Second)

	c := newTestDirectory(store, clk, "p3")
	fresh, err := c.Create(ctx)
	require.NoError(t, err)
	defer c.Leave(ctx)

	viewer := newTestDirectory(store, clk, "p9")
	sessions, err := viewer.List(ctx)
	require.NoError(t, err)

	require.Len(t, sessions, 1)
	assert.Equal(t, fresh.ID, sessions[0].ID)
	assert.NotEqual(t, stale.ID, sessions[0].ID)
	assert.NotEqual(t, old.ID, sessions[0].ID)

	b.stopLoops()
}

func TestLeaveLastDeletesTree(t *testing.T) {
	store, clk := setup(t)
	d := newTestDirectory(store, clk, "p1")
	ctx := context.Background()

	sess, err := d.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Leave(ctx))

	assert.Equal(t, StateDisconnected, d.State())
	raw, err := store.Get(ctx, backend.SessionKey(sess.ID))
	require.NoError(t, err)
	assert.Nil(t, raw, "empty session torn down")
}

func TestLeaveHostHandsOff(t *testing.T) {
	store, clk := setup(t)
	host := newTestDirectory(store, clk, "b-host")
	m1 := newTestDirectory(store, clk, "c-member")
	m2 := newTestDirectory(store, clk, "a-member")
	ctx := context.Background()

	sess, err := host.Create(ctx)
	require.NoError(t, err)
	_, err = m1.Join(ctx, sess.ID)
	require.NoError(t, err)
	_, err = m2.Join(ctx, sess.ID)
	require.NoError(t, err)
	defer m1.Leave(ctx)
	defer m2.Leave(ctx)

	require.NoError(t, host.Leave(ctx))

	doc, err := m1.fetchSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "a-member", doc.HostID, "smallest member id becomes host")
	assert.Equal(t, 2, doc.PlayerCount)
}

func TestAutoJoinPrefersFullest(t *testing.T) {
	store, clk := setup(t)
	ctx := context.Background()

	hostA := newTestDirectory(store, clk, "a1")
	sessA, err := hostA.Create(ctx)
	require.NoError(t, err)
	defer hostA.Leave(ctx)

	hostB := newTestDirectory(store, clk, "b1")
	sessB, err := hostB.Create(ctx)
	require.NoError(t, err)
	defer hostB.Leave(ctx)

	extra := newTestDirectory(store, clk, "b2")
	_, err = extra.Join(ctx, sessB.ID)
	require.NoError(t, err)
	defer extra.Leave(ctx)

	joiner := newTestDirectory(store, clk, "z1")
	got, err := joiner.AutoJoin(ctx)
	require.NoError(t, err)
	defer joiner.Leave(ctx)

	assert.Equal(t, sessB.ID, got.ID, "two players beat one")
	assert.NotEqual(t, sessA.ID, got.ID)
}

func TestAutoJoinCreatesWhenNothingJoinable(t *testing.T) {
	store, clk := setup(t)
	d := newTestDirectory(store, clk, "p1")
	ctx := context.Background()

	sess, err := d.AutoJoin(ctx)
	require.NoError(t, err)
	defer d.Leave(ctx)

	assert.Equal(t, StateHosting, d.State())
	assert.Equal(t, "p1", sess.HostID)
}

type failingPutClient struct {
	backend.Client
}

func (f *failingPutClient) Put(ctx context.Context, key string, value []byte) error {
	return errors.New("backend unavailable")
}

func TestAutoJoinCreateFailureDisconnects(t *testing.T) {
	store, clk := setup(t)
	d := newTestDirectory(&failingPutClient{Client: store}, clk, "p1")

	_, err := d.AutoJoin(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, d.State(), "failed fallback create does not strand the searching state")
}

func TestAutoJoinSkipsFullSessions(t *testing.T) {
	store, clk := setup(t)
	ctx := context.Background()

	host := newTestDirectory(store, clk, "p1")
	sess, err := host.Create(ctx)
	require.NoError(t, err)
	defer host.Leave(ctx)

	for i := 2; i <= 4; i++ {
		m := newTestDirectory(store, clk, fmt.Sprintf("p%d", i))
		_, err := m.Join(ctx, sess.ID)
		require.NoError(t, err)
		defer m.Leave(ctx)
	}

	late := newTestDirectory(store, clk, "z1")
	got, err := late.AutoJoin(ctx)
	require.NoError(t, err)
	defer late.Leave(ctx)

	assert.NotEqual(t, sess.ID, got.ID, "full session skipped, new one created")
	assert.True(t, late.IsHost())
}

func TestHostMigrationSmallestIDTakesOver(t *testing.T) {
	store, clk := setup(t)
	host := newTestDirectory(store, clk, "m-host")
	small := newTestDirectory(store, clk, "a-member")
	big := newTestDirectory(store, clk, "z-member")
	ctx := context.Background()

	sess, err := host.Create(ctx)
	require.NoError(t, err)
	_, err = small.Join(ctx, sess.ID)
	require.NoError(t, err)
	_, err = big.Join(ctx, sess.ID)
	require.NoError(t, err)
	defer small.Leave(ctx)
	defer big.Leave(ctx)

	// Host vanishes without cleanup.
	host.stopLoops()
	clk.Advance(20 * time.Second)

	// Both members run their health check; only the smallest id promotes.
	big.checkHost()
	assert.Equal(t, StateConnected, big.State(), "larger id waits")

	small.checkHost()
	assert.Equal(t, StateHosting, small.State())

	doc, err := big.fetchSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "a-member", doc.HostID)

	raw, err := store.Get(ctx, backend.MemberKey(sess.ID, "m-host"))
	require.NoError(t, err)
	assert.Nil(t, raw, "dead host membership cleaned up")
}

func TestHostMigrationFiresCallback(t *testing.T) {
	store, clk := setup(t)
	host := newTestDirectory(store, clk, "m-host")
	member := newTestDirectory(store, clk, "a-member")
	ctx := context.Background()

	var gotNewHost string
	member.OnHostChange = func(id string) { gotNewHost = id }

	sess, err := host.Create(ctx)
	require.NoError(t, err)
	_, err = member.Join(ctx, sess.ID)
	require.NoError(t, err)
	defer member.Leave(ctx)

	host.stopLoops()
	clk.Advance(20 * time.Second)
	member.checkHost()

	assert.Equal(t, "a-member", gotNewHost)
}

func TestMigrationRebuildsDeletedSessionDoc(t *testing.T) {
	store, clk := setup(t)
	host := newTestDirectory(store, clk, "m-host")
	member := newTestDirectory(store, clk, "a-member")
	ctx := context.Background()

	sess, err := host.Create(ctx)
	require.NoError(t, err)
	_, err = member.Join(ctx, sess.ID)
	require.NoError(t, err)
	defer member.Leave(ctx)

	host.stopLoops()
	require.NoError(t, store.Delete(ctx, backend.SessionKey(sess.ID)))

	member.checkHost()
	assert.Equal(t, StateHosting, member.State())

	doc, err := member.fetchSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "a-member", doc.HostID)
}

func TestMigrationRebuildSkipsDeadHostRecord(t *testing.T) {
	store, clk := setup(t)
	host := newTestDirectory(store, clk, "a-host")
	member := newTestDirectory(store, clk, "b-member")
	ctx := context.Background()

	sess, err := host.Create(ctx)
	require.NoError(t, err)
	_, err = member.Join(ctx, sess.ID)
	require.NoError(t, err)
	defer member.Leave(ctx)

	// Host dies with the smallest member id and its member record still
	// in the store, then the session doc disappears.
	host.stopLoops()
	require.NoError(t, store.Delete(ctx, backend.SessionKey(sess.ID)))

	member.checkHost()
	assert.Equal(t, StateHosting, member.State(), "dead host never wins the election")

	doc, err := member.fetchSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "b-member", doc.HostID)

	raw, err := store.Get(ctx, backend.MemberKey(sess.ID, "a-host"))
	require.NoError(t, err)
	assert.Nil(t, raw, "dead host membership cleaned up on rebuild")
}

func TestHeartbeatRefreshesSession(t *testing.T) {
	store, clk := setup(t)
	host := newTestDirectory(store, clk, "p1")
	ctx := context.Background()

	sess, err := host.Create(ctx)
	require.NoError(t, err)
	defer host.Leave(ctx)

	clk.Advance(10 * time.Second)
	host.beat()

	doc, err := host.fetchSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().UnixMilli(), doc.LastHeartbeat)
}

func TestSweepExpired(t *testing.T) {
	store, clk := setup(t)
	ctx := context.Background()

	old := newTestDirectory(store, clk, "p1")
	expired, err := old.Create(ctx)
	require.NoError(t, err)
	old.stopLoops()

	clk.Advance(40 * time.Second)

	fresh := newTestDirectory(store, clk, "p2")
	alive, err := fresh.Create(ctx)
	require.NoError(t, err)
	defer fresh.Leave(ctx)

	swept, err := fresh.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	raw, err := store.Get(ctx, backend.SessionKey(expired.ID))
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = store.Get(ctx, backend.SessionKey(alive.ID))
	require.NoError(t, err)
	assert.NotNil(t, raw)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "searching", StateSearching.String())
	assert.Equal(t, "hosting", StateHosting.String())
	assert.Equal(t, "connected", StateConnected.String())
}
