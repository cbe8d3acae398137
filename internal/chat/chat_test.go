package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newTestRelay(store *memory.Client, clk *fakeClock, localID string) *Relay {
	r := New(store, zerolog.Nop(), Options{
		LocalID:       localID,
		LocalName:     "name-" + localID,
		FetchCooldown: 500 * time.Millisecond,
		HistoryLimit:  5,
	})
	r.now = clk.Now
	seq := 0
	r.newID = func() string {
		seq++
		return fmt.Sprintf("%s-msg-%04d", localID, seq)
	}
	r.Bind("s1")
	return r
}

func setup(t *testing.T) (*memory.Client, *fakeClock) {
	t.Helper()
	return memory.New(), &fakeClock{now: time.Unix(1700000000, 0)}
}

func TestSendAndFetchBetweenClients(t *testing.T) {
	store, clk := setup(t)
	alice := newTestRelay(store, clk, "alice")
	bob := newTestRelay(store, clk, "bob")
	ctx := context.Background()

	sent, err := alice.Send(ctx, "hello there")
	require.NoError(t, err)
	assert.Equal(t, "alice", sent.SenderID)

	got, err := bob.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello there", got[0].Text)
	assert.Equal(t, "name-alice", got[0].SenderName)
}

func TestOwnMessagesNotEchoed(t *testing.T) {
	store, clk := setup(t)
	alice := newTestRelay(store, clk, "alice")
	ctx := context.Background()

	_, err := alice.Send(ctx, "talking to myself")
	require.NoError(t, err)

	got, err := alice.Fetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchDeduplicates(t *testing.T) {
	store, clk := setup(t)
	alice := newTestRelay(store, clk, "alice")
	bob := newTestRelay(store, clk, "bob")
	ctx := context.Background()

	_, err := alice.Send(ctx, "one")
	require.NoError(t, err)

	got, err := bob.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	clk.Advance(time.Second)
	got, err = bob.Fetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "already seen messages are not returned again")
}

func TestFetchCooldown(t *testing.T) {
	store, clk := setup(t)
	alice := newTestRelay(store, clk, "alice")
	bob := newTestRelay(store, clk, "bob")
	ctx := context.Background()

	_, err := bob.Fetch(ctx)
	require.NoError(t, err)
	listsBefore := store.Calls("list")

	_, err = alice.Send(ctx, "within the window")
	require.NoError(t, err)

	got, err := bob.Fetch(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, listsBefore, store.Calls("list"), "cooldown blocks the backend call")

	clk.Advance(600 * time.Millisecond)
	got, err = bob.Fetch(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFetchOrdersByID(t *testing.T) {
	store, clk := setup(t)
	alice := newTestRelay(store, clk, "alice")
	bob := newTestRelay(store, clk, "bob")
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		_, err := alice.Send(ctx, text)
		require.NoError(t, err)
	}

	got, err := bob.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Text)
	assert.Equal(t, "third", got[2].Text)
}

func TestFetchBoundedByHistoryLimit(t *testing.T) {
	store, clk := setup(t)
	alice := newTestRelay(store, clk, "alice")
	bob := newTestRelay(store, clk, "bob")
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := alice.Send(ctx, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	got, err := bob.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, got, 5, "backlog beyond the history limit is skipped")
	assert.Equal(t, "msg 3", got[0].Text)
	assert.Equal(t, "msg 7", got[4].Text)
}

func TestSendTruncatesOnRuneBoundary(t *testing.T) {
	store, clk := setup(t)
	alice := newTestRelay(store, clk, "alice")
	ctx := context.Background()

	sent, err := alice.Send(ctx, strings.Repeat("世", 40))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(sent.Text), 100)
	assert.True(t, utf8.ValidString(sent.Text), "truncation never splits a rune")
	assert.Equal(t, 33, utf8.RuneCountInString(sent.Text))
}

func TestSendValidation(t *testing.T) {
	store, clk := setup(t)
	alice := newTestRelay(store, clk, "alice")
	ctx := context.Background()

	_, err := alice.Send(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	long := strings.Repeat("a", 300)
	sent, err := alice.Send(ctx, long)
	require.NoError(t, err)
	assert.Len(t, sent.Text, 100)
}

func TestUnboundRelay(t *testing.T) {
	store, clk := setup(t)
	r := newTestRelay(store, clk, "alice")
	r.Reset()

	_, err := r.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotBound)
	_, err = r.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestSeenSetBounded(t *testing.T) {
	store, clk := setup(t)
	alice := newTestRelay(store, clk, "alice")

	for i := 0; i < seenLimit+100; i++ {
		alice.markSeen(fmt.Sprintf("id-%06d", i))
	}
	assert.Equal(t, seenLimit, alice.SeenCount())

	// Oldest ids were trimmed, newest kept.
	assert.False(t, alice.isSeen("id-000000"))
	assert.True(t, alice.isSeen(fmt.Sprintf("id-%06d", seenLimit+99)))
	_ = store
}

func TestPruneHistory(t *testing.T) {
	store, clk := setup(t)
	alice := newTestRelay(store, clk, "alice")
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := alice.Send(ctx, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	pruned, err := alice.PruneHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pruned, "history limit is 5")

	docs, err := store.List(ctx, "sessions/s1/chat/")
	require.NoError(t, err)
	assert.Len(t, docs, 5)

	// The survivors are the newest ids.
	for key := range docs {
		assert.NotContains(t, key, "msg-0001")
	}
}

func TestBindClearsState(t *testing.T) {
	store, clk := setup(t)
	alice := newTestRelay(store, clk, "alice")
	bob := newTestRelay(store, clk, "bob")
	ctx := context.Background()

	_, err := alice.Send(ctx, "in s1")
	require.NoError(t, err)
	_, err = bob.Fetch(ctx)
	require.NoError(t, err)

	bob.Bind("s1")
	got, err := bob.Fetch(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1, "rebinding clears the seen set and cooldown")
}
