package daytable

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/viewfinderco/daytable/content"
	"github.com/viewfinderco/daytable/keys"
	"github.com/viewfinderco/daytable/utils"
)

// FormatVersion is bumped whenever the derived record layout changes in a
// way old records cannot satisfy; Initialize then discards and rebuilds
// everything.
const FormatVersion = uint64(3)

type Options struct {
	pebble.Options

	Logger utils.Logger
	Env    Env
	Source content.Source

	// TimeZone names the zone canonical day boundaries are computed in.
	TimeZone string
	// DayBoundaryOffset shifts the day boundary past midnight so late
	// nights group with the preceding day.
	DayBoundaryOffset time.Duration
	// BatchSize caps how many invalidation entries one refresh pass drains
	// per family.
	BatchSize int
	// IdleBackoff is the minimum gap between refresh cycles.
	IdleBackoff time.Duration

	Holidays       Holidays
	PhotoCacheSize int

	// Paranoid enables the per-pass consistency checks. Debug builds only;
	// violations panic.
	Paranoid bool

	PebbleWriteOptions *pebble.WriteOptions
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Env == nil {
		o.Env = &StubEnv{}
	}
	if o.TimeZone == "" {
		o.TimeZone = "Local"
	}
	if o.DayBoundaryOffset == 0 {
		o.DayBoundaryOffset = 4 * time.Hour
	}
	if o.BatchSize == 0 {
		o.BatchSize = 20
	}
	if o.IdleBackoff == 0 {
		o.IdleBackoff = 5 * time.Second
	}
	if o.Holidays == nil {
		o.Holidays = DefaultHolidays
	}
	if o.PhotoCacheSize == 0 {
		o.PhotoCacheSize = 512
	}
	if o.PebbleWriteOptions == nil {
		o.PebbleWriteOptions = pebble.Sync
	}
}

// DayTable owns the derived-view store: the day/event cache, conversation
// summaries, trapdoors and the four summary projections, kept current by a
// background refresh loop draining the invalidation log.
type DayTable struct {
	db     *pebble.DB
	log    utils.Logger
	env    Env
	source content.Source
	opts   Options
	loc    *time.Location

	holidays   map[int64]string
	photoCache *lru.Cache[int64, *content.Photo]
	callbacks  *xsync.MapOf[string, func(int64)]

	lock sync.Mutex
	cond *sync.Cond

	seq   uint64
	epoch int64
	snap  *Snapshot

	// Retired snapshots still held by readers; their store snapshots close
	// when the last holder releases, or at Close.
	retiredSnaps map[*Snapshot]struct{}

	refreshing    bool
	pausedAll     int
	pausedEvents  int
	nextWake      time.Time
	wakeScheduled bool
	closed        bool
}

// Open opens (or creates) the store at dirname. Refreshes start paused;
// call Initialize to verify the format and release them.
func Open(dirname string, opts Options) (*DayTable, error) {
	opts.SetDefaults()
	if opts.Source == nil {
		return nil, ErrNoSource
	}
	loc, err := time.LoadLocation(opts.TimeZone)
	if err != nil {
		return nil, err
	}
	db, err := pebble.Open(dirname, &opts.Options)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[int64, *content.Photo](opts.PhotoCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dt := &DayTable{
		db:           db,
		log:          opts.Logger,
		env:          opts.Env,
		source:       opts.Source,
		opts:         opts,
		loc:          loc,
		photoCache:   cache,
		callbacks:    xsync.NewMapOf[string, func(int64)](),
		retiredSnaps: map[*Snapshot]struct{}{},
		pausedAll:    1,
	}
	dt.cond = sync.NewCond(&dt.lock)
	dt.holidays = dt.canonicalHolidays(opts.Holidays)

	val, clo, err := db.Get(keys.KeyInvalSeq)
	if err == nil {
		if seq, ok := parseSeq(val); ok {
			dt.seq = seq
		}
		_ = clo.Close()
	} else if err != pebble.ErrNotFound {
		_ = db.Close()
		return nil, err
	}
	// Batches can commit out of allocation order, so the persisted counter
	// may trail an entry that survived. Resume above the highest stored
	// sequence so numbers are never reissued.
	for _, pref := range []byte{
		keys.PrefDayEpisodeInval, keys.PrefViewpointInval, keys.PrefUserInval,
	} {
		lo, hi := keys.PrefixRange(pref)
		it := db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		for valid := it.First(); valid; valid = it.Next() {
			if seq, ok := parseSeq(it.Value()); ok && seq > dt.seq {
				dt.seq = seq
			}
		}
		if err = it.Close(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return dt, nil
}

// Initialize validates the stored format version and timezone, resetting
// all derived state when either mismatches (or forceReset is set), then
// publishes the first snapshot and releases refreshes. Returns whether a
// reset happened.
func (dt *DayTable) Initialize(forceReset bool) (bool, error) {
	reset := forceReset
	if !reset {
		if ver, ok := dt.readUint(keys.KeyFormatVersion); !ok || ver != FormatVersion {
			reset = true
		}
	}
	if !reset {
		if tz, ok := dt.readString(keys.KeyTimeZone); !ok || tz != dt.opts.TimeZone {
			reset = true
		}
	}
	if reset {
		if err := dt.resetDerivedState(); err != nil {
			return false, err
		}
	}
	if err := dt.publishSnapshot(); err != nil {
		return false, err
	}
	dt.ResumeAllRefreshes()
	return reset, nil
}

// resetDerivedState wipes every derived record and re-enqueues an
// invalidation for each observed day and each known viewpoint, so the
// refresh loop rebuilds the world from source content.
func (dt *DayTable) resetDerivedState() error {
	dt.log.Info("resetting derived state", "format", FormatVersion, "tz", dt.opts.TimeZone)
	b := dt.db.NewBatch()
	for _, pref := range []byte{
		keys.PrefDay, keys.PrefDayEvent, keys.PrefDayEpisodeInval,
		keys.PrefEpisodeEvent, keys.PrefTrapdoor, keys.PrefTrapdoorEvent,
		keys.PrefUserInval, keys.PrefViewpointInval,
		keys.PrefViewpointSummary, keys.PrefSummaryRowIndex,
	} {
		lo, hi := keys.PrefixRange(pref)
		if err := deleteRange(b, lo, hi); err != nil {
			return err
		}
	}
	for _, key := range [][]byte{
		keys.KeyEventSummary, keys.KeyFullEventSummary,
		keys.KeyConvoSummary, keys.KeyUnviewedSummary,
	} {
		if err := b.Delete(key, nil); err != nil {
			return err
		}
	}
	if err := b.Set(keys.KeyFormatVersion, seqValue(FormatVersion), nil); err != nil {
		return err
	}
	if err := b.Set(keys.KeyTimeZone, []byte(dt.opts.TimeZone), nil); err != nil {
		return err
	}

	days := map[int64]struct{}{}
	for ep := range dt.source.EpisodesInRange(dt.db, 0, math.MaxInt64) {
		days[dt.CanonicalDayTimestamp(ep.Timestamp)] = struct{}{}
	}
	for day := range days {
		dt.writeInval(b, keys.DayEpisodeInvalKey(day, 0), "reset")
	}
	for vp := range dt.source.Viewpoints(dt.db) {
		ts, _ := dt.source.LatestActivityTimestamp(dt.db, vp.ID)
		dt.writeInval(b, keys.ViewpointInvalKey(ts, vp.ID), "reset")
	}
	return dt.db.Apply(b, dt.opts.PebbleWriteOptions)
}

func (dt *DayTable) readUint(key []byte) (uint64, bool) {
	val, clo, err := dt.db.Get(key)
	if err != nil {
		return 0, false
	}
	v, ok := parseSeq(val)
	_ = clo.Close()
	return v, ok
}

func (dt *DayTable) readString(key []byte) (string, bool) {
	val, clo, err := dt.db.Get(key)
	if err != nil {
		return "", false
	}
	s := string(val)
	_ = clo.Close()
	return s, true
}

// photoTimestamp returns a lookup closure for photo capture times, backed
// by the shared LRU so trapdoor sampling does not hammer the photo table.
func (dt *DayTable) photoTimestamp(r pebble.Reader) func(int64) int64 {
	return func(id int64) int64 {
		if p, ok := dt.photoCache.Get(id); ok {
			return p.Timestamp
		}
		p, ok := dt.source.Photo(r, id)
		if !ok {
			return 0
		}
		dt.photoCache.Add(id, p)
		return p.Timestamp
	}
}

// PauseAllRefreshes blocks new refresh cycles and waits out the running
// one. Pairs with ResumeAllRefreshes; calls nest.
func (dt *DayTable) PauseAllRefreshes() {
	dt.lock.Lock()
	dt.pausedAll++
	for dt.refreshing {
		dt.cond.Wait()
	}
	dt.lock.Unlock()
}

func (dt *DayTable) ResumeAllRefreshes() {
	dt.lock.Lock()
	if dt.pausedAll > 0 {
		dt.pausedAll--
	}
	run := dt.pausedAll == 0 && !dt.closed
	dt.lock.Unlock()
	if run {
		dt.MaybeRefresh()
	}
}

// PauseEventRefreshes skips the day/event rebuild stage of refresh passes
// while held, keeping conversation refreshes flowing. Used while the UI
// scrubs through the event tables.
func (dt *DayTable) PauseEventRefreshes() {
	dt.lock.Lock()
	dt.pausedEvents++
	dt.lock.Unlock()
}

func (dt *DayTable) ResumeEventRefreshes() {
	dt.lock.Lock()
	if dt.pausedEvents > 0 {
		dt.pausedEvents--
	}
	dt.lock.Unlock()
	dt.MaybeRefresh()
}

// DB exposes the underlying store for content-table access and tests.
func (dt *DayTable) DB() *pebble.DB { return dt.db }

// Close waits out any running refresh, releases the published snapshot and
// any retired snapshots still held, and closes the store.
func (dt *DayTable) Close() error {
	dt.lock.Lock()
	if dt.closed {
		dt.lock.Unlock()
		return ErrClosed
	}
	dt.closed = true
	dt.pausedAll++
	for dt.refreshing {
		dt.cond.Wait()
	}
	var readers []*pebble.Snapshot
	if dt.snap != nil && !dt.snap.dead {
		dt.snap.dead = true
		readers = append(readers, dt.snap.reader)
	}
	dt.snap = nil
	for s := range dt.retiredSnaps {
		if !s.dead {
			s.dead = true
			readers = append(readers, s.reader)
		}
		delete(dt.retiredSnaps, s)
	}
	dt.lock.Unlock()

	for _, r := range readers {
		_ = r.Close()
	}
	return dt.db.Close()
}
