package keys

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64RoundTrip(t *testing.T) {
	vals := []uint64{0, 1, 255, 256, 65535, 65536, 1 << 31, math.MaxInt64, math.MaxUint64}
	for _, v := range vals {
		enc := AppendUint64(nil, v)
		got, rest, ok := TakeUint64(enc)
		assert.True(t, ok)
		assert.Equal(t, v, got)
		assert.Empty(t, rest)

		denc := AppendUint64Desc(nil, v)
		got, rest, ok = TakeUint64Desc(denc)
		assert.True(t, ok)
		assert.Equal(t, v, got)
		assert.Empty(t, rest)
	}
}

func TestUint64Ordering(t *testing.T) {
	vals := []uint64{0, 1, 2, 254, 255, 256, 1000, 65535, 65536, 1 << 24, 1 << 40, math.MaxUint64}
	for i := 1; i < len(vals); i++ {
		a := AppendUint64(nil, vals[i-1])
		b := AppendUint64(nil, vals[i])
		assert.True(t, bytes.Compare(a, b) < 0, "asc %d vs %d", vals[i-1], vals[i])

		ad := AppendUint64Desc(nil, vals[i-1])
		bd := AppendUint64Desc(nil, vals[i])
		assert.True(t, bytes.Compare(ad, bd) > 0, "desc %d vs %d", vals[i-1], vals[i])
	}
}

func TestTakeUint64Malformed(t *testing.T) {
	_, _, ok := TakeUint64(nil)
	assert.False(t, ok)
	_, _, ok = TakeUint64([]byte{9, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	assert.False(t, ok)
	_, _, ok = TakeUint64([]byte{3, 1}) // truncated
	assert.False(t, ok)
	_, _, ok = TakeUint64([]byte{2, 0, 5}) // leading zero
	assert.False(t, ok)
	_, _, ok = TakeUint64Desc(nil)
	assert.False(t, ok)
	_, _, ok = TakeUint64Desc([]byte{^byte(3), ^byte(1)})
	assert.False(t, ok)
}

func TestKeyRoundTrips(t *testing.T) {
	day, ok := DayKeyTimestamp(DayKey(0))
	assert.True(t, ok)
	assert.Equal(t, int64(0), day)

	day, idx, ok := DayEventKeyParse(DayEventKey(1357027200, 3))
	assert.True(t, ok)
	assert.Equal(t, int64(1357027200), day)
	assert.Equal(t, 3, idx)

	day, ep, ok := DayEpisodeInvalKeyParse(DayEpisodeInvalKey(1357027200, math.MaxInt64))
	assert.True(t, ok)
	assert.Equal(t, int64(1357027200), day)
	assert.Equal(t, int64(math.MaxInt64), ep)

	ep, day, idx, ok = EpisodeEventKeyParse(EpisodeEventKey(77, 1357027200, 0))
	assert.True(t, ok)
	assert.Equal(t, int64(77), ep)
	assert.Equal(t, int64(1357027200), day)
	assert.Equal(t, 0, idx)

	vp, ok := TrapdoorKeyViewpoint(TrapdoorKey(42))
	assert.True(t, ok)
	assert.Equal(t, int64(42), vp)

	day, idx, vp, ok = TrapdoorEventKeyParse(TrapdoorEventKey(86400, 1, 42))
	assert.True(t, ok)
	assert.Equal(t, int64(86400), day)
	assert.Equal(t, 1, idx)
	assert.Equal(t, int64(42), vp)

	uid, ok := UserInvalKeyParse(UserInvalKey(13))
	assert.True(t, ok)
	assert.Equal(t, int64(13), uid)

	ts, vp, ok := ViewpointInvalKeyParse(ViewpointInvalKey(0, 42))
	assert.True(t, ok)
	assert.Equal(t, int64(0), ts)
	assert.Equal(t, int64(42), vp)

	vp, ok = ViewpointSummaryKeyViewpoint(ViewpointSummaryKey(42))
	assert.True(t, ok)
	assert.Equal(t, int64(42), vp)

	table, kind, id, ok := SummaryRowIndexKeyParse(SummaryRowIndexKey('e', RowIndexEpisode, 9))
	assert.True(t, ok)
	assert.Equal(t, byte('e'), table)
	assert.Equal(t, RowIndexEpisode, kind)
	assert.Equal(t, int64(9), id)
}

func TestKeyParseRejectsForeignPrefix(t *testing.T) {
	_, ok := DayKeyTimestamp(TrapdoorKey(1))
	assert.False(t, ok)
	_, _, ok = DayEventKeyParse([]byte{})
	assert.False(t, ok)
	_, _, ok = DayEpisodeInvalKeyParse(DayKey(1))
	assert.False(t, ok)
	_, ok = TrapdoorKeyViewpoint(append(TrapdoorKey(1), 0xff))
	assert.False(t, ok)
}

// Most recent day must surface first when scanning the invalidation family.
func TestDayEpisodeInvalOrder(t *testing.T) {
	ks := [][]byte{
		DayEpisodeInvalKey(100, 5),
		DayEpisodeInvalKey(300, 1),
		DayEpisodeInvalKey(200, 9),
		DayEpisodeInvalKey(300, 2),
	}
	sort.Slice(ks, func(i, j int) bool { return bytes.Compare(ks[i], ks[j]) < 0 })

	var days []int64
	var eps []int64
	for _, k := range ks {
		d, e, ok := DayEpisodeInvalKeyParse(k)
		assert.True(t, ok)
		days = append(days, d)
		eps = append(eps, e)
	}
	assert.Equal(t, []int64{300, 300, 200, 100}, days)
	assert.Equal(t, []int64{1, 2, 9, 5}, eps)
}

func TestDayEventRangeCoversOnlyDay(t *testing.T) {
	lo, hi := DayEventRange(255)
	in := DayEventKey(255, 7)
	out := DayEventKey(256, 0)
	assert.True(t, bytes.Compare(lo, in) <= 0 && bytes.Compare(in, hi) < 0)
	assert.False(t, bytes.Compare(lo, out) <= 0 && bytes.Compare(out, hi) < 0)
}
