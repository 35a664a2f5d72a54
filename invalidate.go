package daytable

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/viewfinderco/daytable/content"
	"github.com/viewfinderco/daytable/keys"
)

// The invalidation log is the only channel through which content mutations
// reach the derived tables. Every entry stores the globally monotonic
// sequence number it was written with; a drained entry is deleted only if
// that number is still unchanged, so an invalidation racing the drain is
// never lost.

func seqValue(seq uint64) []byte {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], seq)
	return v[:]
}

func parseSeq(val []byte) (uint64, bool) {
	if len(val) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(val), true
}

// nextSeq allocates the next sequence number and persists the counter in
// the same batch as the entry it stamps. Callers hold dt.lock.
func (dt *DayTable) nextSeq(b *pebble.Batch) uint64 {
	dt.seq++
	_ = b.Set(keys.KeyInvalSeq, seqValue(dt.seq), nil)
	return dt.seq
}

func (dt *DayTable) currentSeq() uint64 {
	dt.lock.Lock()
	defer dt.lock.Unlock()
	return dt.seq
}

func (dt *DayTable) writeInval(b *pebble.Batch, key []byte, scope string) {
	dt.lock.Lock()
	seq := dt.nextSeq(b)
	dt.lock.Unlock()
	_ = b.Set(key, seqValue(seq), nil)
	invalidationsTotal.WithLabelValues(scope).Inc()
}

// InvalidateDay marks a whole canonical day for rebuild. Episode id zero is
// the whole-day marker.
func (dt *DayTable) InvalidateDay(b *pebble.Batch, ts int64) {
	day := dt.CanonicalDayTimestamp(ts)
	dt.writeInval(b, keys.DayEpisodeInvalKey(day, 0), "day")
}

// InvalidateEpisode marks one episode within its day for rebuild.
func (dt *DayTable) InvalidateEpisode(b *pebble.Batch, ep *content.Episode) {
	day := dt.CanonicalDayTimestamp(ep.Timestamp)
	dt.writeInval(b, keys.DayEpisodeInvalKey(day, ep.ID), "episode")
}

// InvalidateViewpoint marks a conversation for summary rebuild, keyed under
// its latest activity timestamp so recent conversations drain first.
func (dt *DayTable) InvalidateViewpoint(b *pebble.Batch, viewpointID int64) {
	ts, _ := dt.source.LatestActivityTimestamp(dt.db, viewpointID)
	dt.writeInval(b, keys.ViewpointInvalKey(ts, viewpointID), "viewpoint")
}

// InvalidateUser records a user-scope change. Draining is currently
// bookkeeping only.
func (dt *DayTable) InvalidateUser(b *pebble.Batch, userID int64) {
	dt.writeInval(b, keys.UserInvalKey(userID), "user")
}

// InvalidateActivity invalidates both the activity's day and its owning
// viewpoint.
func (dt *DayTable) InvalidateActivity(b *pebble.Batch, act *content.Activity) {
	day := dt.CanonicalDayTimestamp(act.Timestamp)
	dt.writeInval(b, keys.DayEpisodeInvalKey(day, 0), "activity")
	dt.writeInval(b, keys.ViewpointInvalKey(act.Timestamp, act.ViewpointID), "activity")
}

// NewBatch starts a write transaction for content mutations plus their
// invalidations.
func (dt *DayTable) NewBatch() *pebble.Batch {
	return dt.db.NewBatch()
}

// Apply commits a batch and wakes the refresh scheduler once, coalescing
// any number of invalidations from a single commit into one wake-up.
func (dt *DayTable) Apply(b *pebble.Batch) error {
	if err := dt.db.Apply(b, dt.opts.PebbleWriteOptions); err != nil {
		return err
	}
	dt.MaybeRefresh()
	return nil
}

type invalEntry struct {
	key []byte
	seq uint64
}

// drainInvalidations reads up to limit entries of one family from the
// snapshot, in key order (the codec puts the most recent days first).
func (dt *DayTable) drainInvalidations(snap pebble.Reader, pref byte, limit int) []invalEntry {
	lo, hi := keys.PrefixRange(pref)
	it := snap.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	defer it.Close()

	var entries []invalEntry
	for valid := it.First(); valid && len(entries) < limit; valid = it.Next() {
		seq, ok := parseSeq(it.Value())
		if !ok {
			// Malformed entries are logged and dropped, never fatal.
			dt.log.Error("dropping malformed invalidation entry", "key", it.Key())
			_ = dt.db.Delete(append([]byte(nil), it.Key()...), dt.opts.PebbleWriteOptions)
			continue
		}
		entries = append(entries, invalEntry{
			key: append([]byte(nil), it.Key()...),
			seq: seq,
		})
	}
	return entries
}

// deleteDrained removes processed entries whose sequence numbers are still
// the ones read at drain time. The recheck happens under the lock against
// the live store, so an entry rewritten by a concurrent invalidation
// survives and drains on the next cycle.
func (dt *DayTable) deleteDrained(entries []invalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	dt.lock.Lock()
	defer dt.lock.Unlock()

	b := dt.db.NewBatch()
	for _, e := range entries {
		val, clo, err := dt.db.Get(e.key)
		if err == pebble.ErrNotFound {
			continue
		}
		if err != nil {
			_ = b.Close()
			return err
		}
		seq, ok := parseSeq(val)
		_ = clo.Close()
		if ok && seq != e.seq {
			continue // re-invalidated while draining
		}
		_ = b.Delete(e.key, nil)
	}
	return dt.db.Apply(b, dt.opts.PebbleWriteOptions)
}
