package daytable

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viewfinderco/daytable/keys"
)

// The table stays paused throughout: these tests drive the drain cycle by
// hand to pin down the sequence-recheck semantics.

func TestInvalidationSequencePersists(t *testing.T) {
	src := newTestSource()
	dir, cancel := testdir(t)
	defer cancel()

	dt, err := Open(dir, Options{Source: src, TimeZone: "UTC"})
	require.NoError(t, err)
	b := dt.NewBatch()
	dt.InvalidateDay(b, time.Now().Unix())
	dt.InvalidateUser(b, 7)
	require.NoError(t, dt.Apply(b))
	seq := dt.currentSeq()
	assert.Equal(t, uint64(2), seq)
	require.NoError(t, dt.Close())

	// The counter survives reopen; new entries never reuse sequence numbers.
	dt, err = Open(dir, Options{Source: src, TimeZone: "UTC"})
	require.NoError(t, err)
	defer dt.Close()
	assert.Equal(t, seq, dt.currentSeq())
	b = dt.NewBatch()
	dt.InvalidateUser(b, 8)
	require.NoError(t, dt.Apply(b))
	assert.Equal(t, seq+1, dt.currentSeq())
}

func TestOpenRecoversSequenceFromEntries(t *testing.T) {
	src := newTestSource()
	dir, cancel := testdir(t)
	defer cancel()

	dt, err := Open(dir, Options{Source: src, TimeZone: "UTC"})
	require.NoError(t, err)
	b := dt.NewBatch()
	dt.InvalidateDay(b, time.Now().Unix())
	dt.InvalidateUser(b, 7)
	require.NoError(t, dt.Apply(b))

	// A counter write that lost a commit race trails the surviving entries.
	require.NoError(t, dt.db.Set(keys.KeyInvalSeq, seqValue(0), pebble.Sync))
	require.NoError(t, dt.Close())

	dt, err = Open(dir, Options{Source: src, TimeZone: "UTC"})
	require.NoError(t, err)
	defer dt.Close()
	assert.Equal(t, uint64(2), dt.currentSeq(), "resumes above the highest stored entry")

	b = dt.NewBatch()
	dt.InvalidateUser(b, 8)
	require.NoError(t, dt.Apply(b))
	assert.Equal(t, uint64(3), dt.currentSeq())
}

func TestDrainRecheckKeepsRewrittenEntry(t *testing.T) {
	src := newTestSource()
	dt, cancel := testTable(t, src)
	defer cancel()

	day := dt.CanonicalDayTimestamp(time.Now().Unix())
	b := dt.NewBatch()
	dt.InvalidateDay(b, day)
	require.NoError(t, dt.Apply(b))

	snap := dt.db.NewSnapshot()
	entries := dt.drainInvalidations(snap, keys.PrefDayEpisodeInval, 20)
	require.NoError(t, snap.Close())
	require.Len(t, entries, 1)

	// The same day is invalidated again between drain and delete; the
	// rewritten entry must survive the delete.
	b = dt.NewBatch()
	dt.InvalidateDay(b, day)
	require.NoError(t, dt.Apply(b))

	require.NoError(t, dt.deleteDrained(entries))
	snap = dt.db.NewSnapshot()
	remaining := dt.drainInvalidations(snap, keys.PrefDayEpisodeInval, 20)
	require.NoError(t, snap.Close())
	require.Len(t, remaining, 1)
	assert.Greater(t, remaining[0].seq, entries[0].seq)

	// Once drained at the final sequence the entry goes away.
	require.NoError(t, dt.deleteDrained(remaining))
	snap = dt.db.NewSnapshot()
	assert.Empty(t, dt.drainInvalidations(snap, keys.PrefDayEpisodeInval, 20))
	require.NoError(t, snap.Close())
}

func TestDrainLimitAndOrder(t *testing.T) {
	src := newTestSource()
	dt, cancel := testTable(t, src)
	defer cancel()

	base := dt.CanonicalDayTimestamp(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC).Unix())
	b := dt.NewBatch()
	for i := int64(0); i < 30; i++ {
		dt.InvalidateDay(b, base+i*daySeconds)
	}
	require.NoError(t, dt.Apply(b))

	snap := dt.db.NewSnapshot()
	defer snap.Close()
	entries := dt.drainInvalidations(snap, keys.PrefDayEpisodeInval, 20)
	require.Len(t, entries, 20)

	// Most recent days drain first.
	prev := int64(0)
	for i, e := range entries {
		day, _, ok := keys.DayEpisodeInvalKeyParse(e.key)
		require.True(t, ok)
		if i > 0 {
			assert.Less(t, day, prev)
		}
		prev = day
	}
	assert.Equal(t, base+29*daySeconds, prev+19*daySeconds)
}

func TestInvalidateActivityTouchesBothScopes(t *testing.T) {
	src := convoSource()
	dt, cancel := testTable(t, src)
	defer cancel()

	b := dt.NewBatch()
	dt.InvalidateActivity(b, src.activities[31])
	require.NoError(t, dt.Apply(b))

	snap := dt.db.NewSnapshot()
	defer snap.Close()
	assert.Len(t, dt.drainInvalidations(snap, keys.PrefDayEpisodeInval, 20), 1)
	assert.Len(t, dt.drainInvalidations(snap, keys.PrefViewpointInval, 20), 1)
}
