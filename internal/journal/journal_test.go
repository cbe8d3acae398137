package journal

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r := NewRecorder(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "journal.db")
	require.NoError(t, r.Connect("sqlite", path, ""))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestDisconnectedRecorderIsNoop(t *testing.T) {
	r := NewRecorder(zerolog.Nop())
	assert.False(t, r.IsValid())

	r.Record("s1", KindPlayer, "k", []byte(`{}`))

	entries, err := r.Recent("s1", 10)
	require.NoError(t, err)
	assert.Nil(t, entries)
	assert.NoError(t, r.Close())
}

func TestRecordAndRecent(t *testing.T) {
	r := newTestRecorder(t)

	r.Record("s1", KindPlayer, "sessions/s1/players/p1", []byte(`{"n":"a"}`))
	r.Record("s1", KindChat, "sessions/s1/chat/m1", []byte(`{"x":"hi"}`))
	r.Record("s2", KindPlayer, "sessions/s2/players/p9", []byte(`{}`))

	entries, err := r.Recent("s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindChat, entries[0].Kind, "newest first")
	assert.Equal(t, KindPlayer, entries[1].Kind)
	assert.JSONEq(t, `{"n":"a"}`, string(entries[1].Payload))
}

func TestRecentRespectsLimit(t *testing.T) {
	r := newTestRecorder(t)

	for i := 0; i < 20; i++ {
		r.Record("s1", KindVehicle, "k", []byte(`{}`))
	}

	entries, err := r.Recent("s1", 5)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestUnknownDriver(t *testing.T) {
	r := NewRecorder(zerolog.Nop())
	err := r.Connect("oracle", "", "")
	assert.Error(t, err)
	assert.False(t, r.IsValid())
}
