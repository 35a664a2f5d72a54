package daytable

import (
	"github.com/cockroachdb/pebble"
	"github.com/viewfinderco/daytable/keys"
)

// Snapshot is an immutable, internally consistent view of every derived
// table at one epoch. Readers never observe a half-applied refresh pass:
// they hold a Snapshot and iterate it freely, then swap to the next epoch
// when notified. A held snapshot stays readable across epoch advances
// until every holder has called Release.
type Snapshot struct {
	dt     *DayTable
	reader *pebble.Snapshot
	epoch  int64

	// Guarded by dt.lock.
	refs    int
	retired bool
	dead    bool

	events     *Summary
	fullEvents *Summary
	convos     *Summary
	unviewed   *Summary
}

// Release drops the caller's hold acquired via GetSnapshot. Once a newer
// epoch has published and the last holder releases, the underlying store
// snapshot is closed.
func (s *Snapshot) Release() {
	dt := s.dt
	dt.lock.Lock()
	if s.refs > 0 {
		s.refs--
	}
	done := s.retired && s.refs == 0 && !s.dead
	if done {
		s.dead = true
		delete(dt.retiredSnaps, s)
	}
	dt.lock.Unlock()
	if done {
		_ = s.reader.Close()
	}
}

func (s *Snapshot) Epoch() int64 { return s.epoch }

// Events lists library events only.
func (s *Snapshot) Events() *Summary { return s.events }

// FullEvents lists every event, shared and library alike.
func (s *Snapshot) FullEvents() *Summary { return s.fullEvents }

func (s *Snapshot) Conversations() *Summary { return s.convos }

func (s *Snapshot) UnviewedConversations() *Summary { return s.unviewed }

// LoadDay fetches the cached day record covering ts, if one exists.
func (s *Snapshot) LoadDay(ts int64) (*Day, bool) {
	day := s.dt.CanonicalDayTimestamp(ts)
	var d Day
	ok, err := loadRecord(s.reader, keys.DayKey(day), &d)
	if err != nil {
		s.dt.log.Warn("unreadable day record", "day", day, "err", err)
		return nil, false
	}
	return &d, ok
}

// LoadEvent fetches one segmented event by its day and position.
func (s *Snapshot) LoadEvent(day int64, index int) (*Event, bool) {
	var e Event
	ok, err := loadRecord(s.reader, keys.DayEventKey(day, index), &e)
	if err != nil {
		s.dt.log.Warn("unreadable event record", "day", day, "index", index, "err", err)
		return nil, false
	}
	return &e, ok
}

// LoadTrapdoor fetches the inbox trapdoor for a conversation.
func (s *Snapshot) LoadTrapdoor(viewpointID int64) (*Trapdoor, bool) {
	var td Trapdoor
	ok, err := loadRecord(s.reader, keys.TrapdoorKey(viewpointID), &td)
	if err != nil {
		s.dt.log.Warn("unreadable trapdoor record", "viewpoint", viewpointID, "err", err)
		return nil, false
	}
	return &td, ok
}

// LoadViewpointSummary fetches the full conversation summary.
func (s *Snapshot) LoadViewpointSummary(viewpointID int64) (*ViewpointSummary, bool) {
	var vs ViewpointSummary
	ok, err := loadRecord(s.reader, keys.ViewpointSummaryKey(viewpointID), &vs)
	if err != nil {
		s.dt.log.Warn("unreadable viewpoint summary", "viewpoint", viewpointID, "err", err)
		return nil, false
	}
	return &vs, ok
}

// LoadPhotoTrapdoor narrows a conversation's trapdoor to a single photo,
// for transitions that zoom from one photo into the conversation.
func (s *Snapshot) LoadPhotoTrapdoor(viewpointID, photoID int64) (*Trapdoor, bool) {
	td, ok := s.LoadTrapdoor(viewpointID)
	if !ok {
		return nil, false
	}
	found := false
	for _, id := range td.PhotoIDs {
		if id == photoID {
			found = true
			break
		}
	}
	if !found {
		if _, ok = s.dt.source.Photo(s.reader, photoID); !ok {
			return nil, false
		}
	}
	one := *td
	one.PhotoIDs = []int64{photoID}
	one.CoverPhotoID = photoID
	one.SubSampled = td.PhotoCount > 1
	return &one, true
}

// EpisodeEvents lists the (day, index) pairs of every event this episode
// contributes to, via the reverse index.
func (s *Snapshot) EpisodeEvents(episodeID int64) [][2]int64 {
	lo, hi := keys.EpisodeEventRange(episodeID)
	it := s.reader.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	defer it.Close()

	var out [][2]int64
	for valid := it.First(); valid; valid = it.Next() {
		_, day, index, ok := keys.EpisodeEventKeyParse(it.Key())
		if !ok {
			s.dt.log.Warn("malformed episode event index entry", "key", it.Key())
			continue
		}
		out = append(out, [2]int64{day, int64(index)})
	}
	return out
}

func (s *Snapshot) findIndexedRow(table *Summary, kind byte, id int64) (SummaryRow, bool) {
	var loc rowLocator
	ok, err := loadRecord(s.reader, keys.SummaryRowIndexKey(byte(table.Kind), kind, id), &loc)
	if err != nil {
		s.dt.log.Warn("unreadable row index entry", "table", string(rune(table.Kind)), "id", id, "err", err)
		return SummaryRow{}, false
	}
	if !ok {
		return SummaryRow{}, false
	}
	for i := range table.Rows {
		r := &table.Rows[i]
		if r.DayTimestamp == loc.Day && r.Identifier == loc.Identifier {
			return *r, true
		}
	}
	return SummaryRow{}, false
}

// FindEpisodeRow locates the full-event summary row holding an episode.
func (s *Snapshot) FindEpisodeRow(episodeID int64) (SummaryRow, bool) {
	return s.findIndexedRow(s.fullEvents, keys.RowIndexEpisode, episodeID)
}

// FindConversationRow locates a conversation's summary row.
func (s *Snapshot) FindConversationRow(viewpointID int64) (SummaryRow, bool) {
	return s.findIndexedRow(s.convos, keys.RowIndexViewpoint, viewpointID)
}

// GetSnapshot returns the currently published snapshot, or nil before the
// first epoch. The caller owns one reference and must Release it when done
// reading; the snapshot stays valid across epoch advances until then.
func (dt *DayTable) GetSnapshot() *Snapshot {
	dt.lock.Lock()
	defer dt.lock.Unlock()
	if dt.snap != nil {
		dt.snap.refs++
	}
	return dt.snap
}

// AddEpochCallback registers cb to run after every snapshot publication,
// with the new epoch. Callbacks run on the refresh goroutine and must not
// block.
func (dt *DayTable) AddEpochCallback(id string, cb func(epoch int64)) {
	dt.callbacks.Store(id, cb)
}

func (dt *DayTable) RemoveEpochCallback(id string) {
	dt.callbacks.Delete(id)
}

// publishSnapshot captures the store, loads the four summary projections
// and atomically swaps the published snapshot, bumping the epoch. The
// previous snapshot is retired: its reader closes immediately when nothing
// holds it, otherwise when the last holder releases.
func (dt *DayTable) publishSnapshot() error {
	reader := dt.db.NewSnapshot()
	next := &Snapshot{dt: dt, reader: reader}

	var err error
	if next.events, err = loadSummary(reader, SummaryEvents); err == nil {
		if next.fullEvents, err = loadSummary(reader, SummaryFullEvents); err == nil {
			if next.convos, err = loadSummary(reader, SummaryConversations); err == nil {
				next.unviewed, err = loadSummary(reader, SummaryUnviewed)
			}
		}
	}
	if err != nil {
		_ = reader.Close()
		return err
	}

	dt.lock.Lock()
	dt.epoch++
	next.epoch = dt.epoch
	old := dt.snap
	dt.snap = next
	var closeOld bool
	if old != nil {
		old.retired = true
		if old.refs == 0 {
			old.dead = true
			closeOld = true
		} else {
			dt.retiredSnaps[old] = struct{}{}
		}
	}
	dt.lock.Unlock()

	if closeOld {
		_ = old.reader.Close()
	}
	epochGauge.Set(float64(next.epoch))
	dt.callbacks.Range(func(id string, cb func(int64)) bool {
		cb(next.epoch)
		return true
	})
	return nil
}
