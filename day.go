package daytable

import (
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/viewfinderco/daytable/content"
	"github.com/viewfinderco/daytable/keys"
)

const daySeconds = int64(24 * 60 * 60)

// CachedEpisode is a denormalized, read-only projection of an Episode
// embedded in a Day. It is recreated wholesale whenever the source episode
// changes, never mutated in place.
type CachedEpisode struct {
	ID          int64 `msgpack:"id"`
	ParentID    int64 `msgpack:"pid,omitempty"`
	UserID      int64 `msgpack:"uid"`
	ViewpointID int64 `msgpack:"vid,omitempty"`

	Timestamp              int64 `msgpack:"ts"`
	EarliestPhotoTimestamp int64 `msgpack:"ets"`
	LatestPhotoTimestamp   int64 `msgpack:"lts"`

	PhotoIDs  []int64            `msgpack:"ph"`
	Location  *content.Location  `msgpack:"geo,omitempty"`
	Placemark *content.Placemark `msgpack:"pm,omitempty"`

	InLibrary bool `msgpack:"lib"`
	Pending   bool `msgpack:"pend,omitempty"`
}

// Day holds the cached episode projections observed on one canonical
// 24-hour window. It is only ever created or rebuilt by a rebuild pass.
type Day struct {
	Timestamp int64           `msgpack:"ts"`
	Episodes  []CachedEpisode `msgpack:"eps"`
}

func cacheEpisode(ep *content.Episode) CachedEpisode {
	ets, lts := ep.EarliestPhotoTimestamp, ep.LatestPhotoTimestamp
	if ets == 0 {
		ets = ep.Timestamp
	}
	if lts < ets {
		lts = ets
	}
	return CachedEpisode{
		ID:                     ep.ID,
		ParentID:               ep.ParentID,
		UserID:                 ep.UserID,
		ViewpointID:            ep.ViewpointID,
		Timestamp:              ep.Timestamp,
		EarliestPhotoTimestamp: ets,
		LatestPhotoTimestamp:   lts,
		PhotoIDs:               append([]int64(nil), ep.PhotoIDs...),
		Location:               ep.Location,
		Placemark:              ep.Placemark,
		InLibrary:              ep.InLibrary,
		Pending:                ep.Pending,
	}
}

// CanonicalDayTimestamp snaps ts to the practical day boundary at or before
// it. Days roll over a few hours past midnight, not at midnight, so late
// nights stay with the preceding day.
func (dt *DayTable) CanonicalDayTimestamp(ts int64) int64 {
	off := dt.opts.DayBoundaryOffset
	t := time.Unix(ts, 0).In(dt.loc).Add(-off)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, dt.loc)
	return midnight.Add(off).Unix()
}

// nextDayTimestamp returns the canonical timestamp of the following day.
// Days are 24 hours except across DST transitions, so the boundary comes
// from the local calendar rather than adding a fixed day.
func (dt *DayTable) nextDayTimestamp(day int64) int64 {
	return time.Unix(day, 0).In(dt.loc).AddDate(0, 0, 1).Unix()
}

// rebuildDay recomputes one Day from scratch against the snapshot: scans all
// episodes in the day's window, projects them, segments, and persists.
func (dt *DayTable) rebuildDay(snap pebble.Reader, b *pebble.Batch, day int64, ev, full *Summary) error {
	d := Day{Timestamp: day}
	for ep := range dt.source.EpisodesInRange(snap, day, dt.nextDayTimestamp(day)) {
		if dt.CanonicalDayTimestamp(ep.Timestamp) != day {
			continue
		}
		d.Episodes = append(d.Episodes, cacheEpisode(ep))
	}
	return dt.persistDay(snap, b, &d, ev, full)
}

// updateDayEpisodes is the incremental variant: only the named episodes'
// projections are replaced in the existing Day record, then the whole day is
// re-segmented. Segmentation is cheap relative to episode loading.
func (dt *DayTable) updateDayEpisodes(snap pebble.Reader, b *pebble.Batch, day int64, episodeIDs []int64, ev, full *Summary) error {
	var d Day
	had, err := loadRecord(snap, keys.DayKey(day), &d)
	if err != nil {
		dt.log.Warn("dropping unreadable day record", "day", day, "err", err)
		had = false
	}
	if !had {
		return dt.rebuildDay(snap, b, day, ev, full)
	}
	d.Timestamp = day
	for _, id := range episodeIDs {
		ep, ok := dt.source.Episode(snap, id)
		at := -1
		for i := range d.Episodes {
			if d.Episodes[i].ID == id {
				at = i
				break
			}
		}
		switch {
		case !ok && at >= 0: // vanished, exclude silently
			d.Episodes = append(d.Episodes[:at], d.Episodes[at+1:]...)
		case ok && dt.CanonicalDayTimestamp(ep.Timestamp) != day:
			if at >= 0 { // moved to another day
				d.Episodes = append(d.Episodes[:at], d.Episodes[at+1:]...)
			}
		case ok && at >= 0:
			d.Episodes[at] = cacheEpisode(ep)
		case ok:
			d.Episodes = append(d.Episodes, cacheEpisode(ep))
		}
	}
	return dt.persistDay(snap, b, &d, ev, full)
}

// persistDay segments the day and writes the day record, event records, the
// reverse/cross indexes and the two event summary projections.
func (dt *DayTable) persistDay(snap pebble.Reader, b *pebble.Batch, d *Day, ev, full *Summary) error {
	events := dt.segmentDay(snap, d)

	if err := dt.clearDayIndexes(snap, b, d.Timestamp); err != nil {
		return err
	}
	var evRows, fullRows []SummaryRow
	defer func() {
		ev.AddDayRows(d.Timestamp, evRows)
		full.AddDayRows(d.Timestamp, fullRows)
	}()

	if len(d.Episodes) == 0 {
		// Nothing observed on this day anymore.
		return b.Delete(keys.DayKey(d.Timestamp), nil)
	}
	if _, err := putRecordIfChanged(snap, b, keys.DayKey(d.Timestamp), d); err != nil {
		return err
	}

	for _, e := range events {
		if _, err := putRecordIfChanged(snap, b, keys.DayEventKey(e.DayTimestamp, e.Index), e); err != nil {
			return err
		}
		for _, epi := range e.Episodes {
			if err := b.Set(keys.EpisodeEventKey(epi.ID, e.DayTimestamp, e.Index), nil, nil); err != nil {
				return err
			}
			if err := putRecord(b, keys.SummaryRowIndexKey(byte(SummaryFullEvents), keys.RowIndexEpisode, epi.ID),
				&rowLocator{Day: e.DayTimestamp, Identifier: int64(e.Index)}); err != nil {
				return err
			}
		}
		for i := range e.Trapdoors {
			td := &e.Trapdoors[i]
			if err := b.Set(keys.TrapdoorEventKey(e.DayTimestamp, e.Index, td.ViewpointID), nil, nil); err != nil {
				return err
			}
		}

		row := e.summaryRow()
		fullRows = append(fullRows, row)
		if e.InLibrary {
			evRows = append(evRows, row)
		}
	}
	return nil
}

// clearDayIndexes removes every derived record keyed under the day so a
// rebuild never leaves stale events or index entries behind.
func (dt *DayTable) clearDayIndexes(snap pebble.Reader, b *pebble.Batch, day int64) error {
	// Old events point at the reverse-index entries to drop.
	lo, hi := keys.DayEventRange(day)
	it := snap.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	for valid := it.First(); valid; valid = it.Next() {
		var e Event
		if uerr := decodeEvent(it.Value(), &e); uerr != nil {
			dt.log.Warn("skipping undecodable event record", "err", uerr)
			continue
		}
		for _, epi := range e.Episodes {
			_ = b.Delete(keys.EpisodeEventKey(epi.ID, e.DayTimestamp, e.Index), nil)
			_ = b.Delete(keys.SummaryRowIndexKey(byte(SummaryFullEvents), keys.RowIndexEpisode, epi.ID), nil)
		}
	}
	if err := it.Close(); err != nil {
		return err
	}
	if err := deleteRange(b, lo, hi); err != nil {
		return err
	}
	tlo, thi := keys.TrapdoorEventRange(day)
	return deleteRange(b, tlo, thi)
}
