// Package keys encodes and decodes every key family the day table persists.
// All integer components use an order-preserving variable-length encoding
// (a length byte followed by the big-endian significant bytes), so plain
// prefix iteration over the store yields records in the intended sort order.
// Decoders return ok=false on malformed input; they never panic.
package keys

// Key family prefixes. Single capital letters, one per family.
const (
	PrefDay              = byte('D') // D <day> -> Day record
	PrefDayEvent         = byte('E') // E <day> <index> -> Event record
	PrefDayEpisodeInval  = byte('N') // N <day desc> <episode> -> seq
	PrefEpisodeEvent     = byte('X') // X <episode> <day> <index> -> nil
	PrefTrapdoor         = byte('T') // T <viewpoint> -> Trapdoor record
	PrefTrapdoorEvent    = byte('C') // C <day> <index> <viewpoint> -> nil
	PrefUserInval        = byte('U') // U <user> -> seq
	PrefViewpointInval   = byte('W') // W <ts desc> <viewpoint> -> seq
	PrefViewpointSummary = byte('S') // S <viewpoint> -> ViewpointSummary record
	PrefSummaryRowIndex  = byte('R') // R <table> <kind> <id> -> row locator
)

// Singleton keys, toykv style.
var (
	KeyEventSummary     = []byte("MSevents")
	KeyFullEventSummary = []byte("MSfullevents")
	KeyConvoSummary     = []byte("MSconvos")
	KeyUnviewedSummary  = []byte("MSunviewed")
	KeyFormatVersion    = []byte("Mformat")
	KeyTimeZone         = []byte("Mtimezone")
	KeyInvalSeq         = []byte("Mseq")
)

// AppendUint64 appends the ordered encoding of v: a byte holding the count
// of significant bytes, then those bytes big-endian. Shorter encodings sort
// before longer ones and equal lengths compare bytewise, so byte order
// matches numeric order.
func AppendUint64(dst []byte, v uint64) []byte {
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	dst = append(dst, byte(n))
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// TakeUint64 decodes one ordered uint64 off the front of buf.
func TakeUint64(buf []byte) (v uint64, rest []byte, ok bool) {
	if len(buf) == 0 {
		return 0, nil, false
	}
	n := int(buf[0])
	if n > 8 || len(buf) < 1+n {
		return 0, nil, false
	}
	if n > 0 && buf[1] == 0 { // non-canonical, would break ordering
		return 0, nil, false
	}
	for i := 1; i <= n; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v, buf[1+n:], true
}

// AppendUint64Desc appends the bytewise complement of the ordered encoding,
// inverting the sort order.
func AppendUint64Desc(dst []byte, v uint64) []byte {
	var tmp [9]byte
	enc := AppendUint64(tmp[:0], v)
	for _, b := range enc {
		dst = append(dst, ^b)
	}
	return dst
}

// TakeUint64Desc decodes one descending-ordered uint64 off the front of buf.
func TakeUint64Desc(buf []byte) (v uint64, rest []byte, ok bool) {
	if len(buf) == 0 {
		return 0, nil, false
	}
	n := int(^buf[0])
	if n > 8 || len(buf) < 1+n {
		return 0, nil, false
	}
	var tmp [9]byte
	for i := 0; i <= n; i++ {
		tmp[i] = ^buf[i]
	}
	v, _, ok = TakeUint64(tmp[:1+n])
	return v, buf[1+n:], ok
}

func takeID(buf []byte) (int64, []byte, bool) {
	v, rest, ok := TakeUint64(buf)
	if !ok || v > 1<<63-1 {
		return 0, nil, false
	}
	return int64(v), rest, true
}

func takeIDDesc(buf []byte) (int64, []byte, bool) {
	v, rest, ok := TakeUint64Desc(buf)
	if !ok || v > 1<<63-1 {
		return 0, nil, false
	}
	return int64(v), rest, true
}

// DayKey keys the Day record for a canonical day timestamp.
func DayKey(day int64) []byte {
	return AppendUint64([]byte{PrefDay}, uint64(day))
}

func DayKeyTimestamp(key []byte) (day int64, ok bool) {
	if len(key) < 1 || key[0] != PrefDay {
		return 0, false
	}
	day, rest, ok := takeID(key[1:])
	return day, ok && len(rest) == 0
}

// DayEventKey keys the Event record at (day, index-within-day).
func DayEventKey(day int64, index int) []byte {
	key := AppendUint64([]byte{PrefDayEvent}, uint64(day))
	return AppendUint64(key, uint64(index))
}

func DayEventKeyParse(key []byte) (day int64, index int, ok bool) {
	if len(key) < 1 || key[0] != PrefDayEvent {
		return 0, 0, false
	}
	day, rest, ok := takeID(key[1:])
	if !ok {
		return 0, 0, false
	}
	idx, rest, ok := TakeUint64(rest)
	if !ok || len(rest) != 0 || idx > 1<<31 {
		return 0, 0, false
	}
	return day, int(idx), true
}

// DayEpisodeInvalKey keys an episode invalidation under its day, most recent
// day first.
func DayEpisodeInvalKey(day int64, episode int64) []byte {
	key := AppendUint64Desc([]byte{PrefDayEpisodeInval}, uint64(day))
	return AppendUint64(key, uint64(episode))
}

func DayEpisodeInvalKeyParse(key []byte) (day int64, episode int64, ok bool) {
	if len(key) < 1 || key[0] != PrefDayEpisodeInval {
		return 0, 0, false
	}
	day, rest, ok := takeIDDesc(key[1:])
	if !ok {
		return 0, 0, false
	}
	episode, rest, ok = takeID(rest)
	return day, episode, ok && len(rest) == 0
}

// EpisodeEventKey is the episode-to-event reverse index entry. A shared
// episode may land in several events, hence the full triple in the key.
func EpisodeEventKey(episode, day int64, index int) []byte {
	key := AppendUint64([]byte{PrefEpisodeEvent}, uint64(episode))
	key = AppendUint64(key, uint64(day))
	return AppendUint64(key, uint64(index))
}

func EpisodeEventKeyParse(key []byte) (episode, day int64, index int, ok bool) {
	if len(key) < 1 || key[0] != PrefEpisodeEvent {
		return 0, 0, 0, false
	}
	episode, rest, ok := takeID(key[1:])
	if !ok {
		return 0, 0, 0, false
	}
	day, rest, ok = takeID(rest)
	if !ok {
		return 0, 0, 0, false
	}
	idx, rest, ok := TakeUint64(rest)
	if !ok || len(rest) != 0 || idx > 1<<31 {
		return 0, 0, 0, false
	}
	return episode, day, int(idx), true
}

// TrapdoorKey keys the whole-history trapdoor for a viewpoint.
func TrapdoorKey(viewpoint int64) []byte {
	return AppendUint64([]byte{PrefTrapdoor}, uint64(viewpoint))
}

func TrapdoorKeyViewpoint(key []byte) (viewpoint int64, ok bool) {
	if len(key) < 1 || key[0] != PrefTrapdoor {
		return 0, false
	}
	viewpoint, rest, ok := takeID(key[1:])
	return viewpoint, ok && len(rest) == 0
}

// TrapdoorEventKey cross-indexes an event-scoped trapdoor.
func TrapdoorEventKey(day int64, index int, viewpoint int64) []byte {
	key := AppendUint64([]byte{PrefTrapdoorEvent}, uint64(day))
	key = AppendUint64(key, uint64(index))
	return AppendUint64(key, uint64(viewpoint))
}

func TrapdoorEventKeyParse(key []byte) (day int64, index int, viewpoint int64, ok bool) {
	if len(key) < 1 || key[0] != PrefTrapdoorEvent {
		return 0, 0, 0, false
	}
	day, rest, ok := takeID(key[1:])
	if !ok {
		return 0, 0, 0, false
	}
	idx, rest, ok := TakeUint64(rest)
	if !ok || idx > 1<<31 {
		return 0, 0, 0, false
	}
	viewpoint, rest, ok = takeID(rest)
	return day, int(idx), viewpoint, ok && len(rest) == 0
}

// UserInvalKey keys a user invalidation.
func UserInvalKey(user int64) []byte {
	return AppendUint64([]byte{PrefUserInval}, uint64(user))
}

func UserInvalKeyParse(key []byte) (user int64, ok bool) {
	if len(key) < 1 || key[0] != PrefUserInval {
		return 0, false
	}
	user, rest, ok := takeID(key[1:])
	return user, ok && len(rest) == 0
}

// ViewpointInvalKey keys a viewpoint invalidation under the viewpoint's
// latest activity timestamp, most recent first.
func ViewpointInvalKey(ts int64, viewpoint int64) []byte {
	key := AppendUint64Desc([]byte{PrefViewpointInval}, uint64(ts))
	return AppendUint64(key, uint64(viewpoint))
}

func ViewpointInvalKeyParse(key []byte) (ts int64, viewpoint int64, ok bool) {
	if len(key) < 1 || key[0] != PrefViewpointInval {
		return 0, 0, false
	}
	ts, rest, ok := takeIDDesc(key[1:])
	if !ok {
		return 0, 0, false
	}
	viewpoint, rest, ok = takeID(rest)
	return ts, viewpoint, ok && len(rest) == 0
}

// ViewpointSummaryKey keys the persisted summary of one conversation.
func ViewpointSummaryKey(viewpoint int64) []byte {
	return AppendUint64([]byte{PrefViewpointSummary}, uint64(viewpoint))
}

func ViewpointSummaryKeyViewpoint(key []byte) (viewpoint int64, ok bool) {
	if len(key) < 1 || key[0] != PrefViewpointSummary {
		return 0, false
	}
	viewpoint, rest, ok := takeID(key[1:])
	return viewpoint, ok && len(rest) == 0
}

// Row index kinds for SummaryRowIndexKey.
const (
	RowIndexEpisode   = byte('E')
	RowIndexViewpoint = byte('V')
)

// SummaryRowIndexKey keys the per-table reverse map from an episode or
// viewpoint to its summary row. table is the summary's persistence tag.
func SummaryRowIndexKey(table byte, kind byte, id int64) []byte {
	return AppendUint64([]byte{PrefSummaryRowIndex, table, kind}, uint64(id))
}

func SummaryRowIndexKeyParse(key []byte) (table, kind byte, id int64, ok bool) {
	if len(key) < 3 || key[0] != PrefSummaryRowIndex {
		return 0, 0, 0, false
	}
	id, rest, ok := takeID(key[3:])
	return key[1], key[2], id, ok && len(rest) == 0
}

// PrefixRange returns the [lo, hi) bounds covering every key of a family.
func PrefixRange(pref ...byte) (lo, hi []byte) {
	lo = append([]byte{}, pref...)
	hi = append([]byte{}, pref...)
	hi[len(hi)-1]++
	return
}

// DayEventRange bounds all Event records of one day.
func DayEventRange(day int64) (lo, hi []byte) {
	lo = AppendUint64([]byte{PrefDayEvent}, uint64(day))
	hi = AppendUint64([]byte{PrefDayEvent}, uint64(day)+1)
	return
}

// TrapdoorEventRange bounds all trapdoor cross-index entries of one day.
func TrapdoorEventRange(day int64) (lo, hi []byte) {
	lo = AppendUint64([]byte{PrefTrapdoorEvent}, uint64(day))
	hi = AppendUint64([]byte{PrefTrapdoorEvent}, uint64(day)+1)
	return
}

// EpisodeEventRange bounds the reverse index entries of one episode.
func EpisodeEventRange(episode int64) (lo, hi []byte) {
	lo = AppendUint64([]byte{PrefEpisodeEvent}, uint64(episode))
	hi = AppendUint64([]byte{PrefEpisodeEvent}, uint64(episode)+1)
	return
}
