package daytable

import (
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/umahmood/haversine"
	"github.com/viewfinderco/daytable/content"
)

// Segmentation thresholds. An anchor within nearHomeKm of a frequently
// visited location uses the tight pair, otherwise the loose one.
const (
	nearHomeKm = 50.0

	homeDistanceKm  = 2.5
	homeTimeSeconds = int64(4 * 60 * 60)

	awayDistanceKm  = 10.0
	awayTimeSeconds = int64(6 * 60 * 60)

	// extendedRatio widens grown events: a second matching pass picks up
	// episodes adjacent to every episode just added.
	extendedRatio = 0.25
)

func locDistanceKm(a, b *content.Location) float64 {
	// haversine.Distance returns (miles, kilometers).
	_, km := haversine.Distance(
		haversine.Coord{Lat: a.Latitude, Lon: a.Longitude},
		haversine.Coord{Lat: b.Latitude, Lon: b.Longitude})
	return km
}

// segEvent is the in-memory working form of an event during segmentation.
// It never escapes the rebuild call stack except as the Event it produces.
type segEvent struct {
	anchor   *CachedEpisode
	episodes []*CachedEpisode
	photos   map[int64]struct{}
	nearHome bool
	homeDist float64
}

func (se *segEvent) add(ep *CachedEpisode) {
	se.episodes = append(se.episodes, ep)
	for _, ph := range ep.PhotoIDs {
		se.photos[ph] = struct{}{}
	}
}

func (se *segEvent) sharesPhoto(ep *CachedEpisode) bool {
	for _, ph := range ep.PhotoIDs {
		if _, ok := se.photos[ph]; ok {
			return true
		}
	}
	return false
}

func timeGap(a, b *CachedEpisode) int64 {
	if a.EarliestPhotoTimestamp > b.LatestPhotoTimestamp {
		return a.EarliestPhotoTimestamp - b.LatestPhotoTimestamp
	}
	if b.EarliestPhotoTimestamp > a.LatestPhotoTimestamp {
		return b.EarliestPhotoTimestamp - a.LatestPhotoTimestamp
	}
	return 0
}

// canAddEpisode decides geo-temporal proximity of a candidate to an event
// member. Shared photos always join; otherwise the candidate must fall
// within the time window and, when both sides have locations, within the
// distance threshold. Absent location data, time proximity suffices.
func (se *segEvent) canAddEpisode(member, cand *CachedEpisode, ratio float64) bool {
	for _, ph := range cand.PhotoIDs {
		for _, mph := range member.PhotoIDs {
			if ph == mph {
				return true
			}
		}
	}
	maxDist, maxTime := awayDistanceKm, awayTimeSeconds
	if se.nearHome {
		maxDist, maxTime = homeDistanceKm, homeTimeSeconds
	}
	if timeGap(member, cand) > int64(float64(maxTime)*ratio) {
		return false
	}
	if member.Location != nil && cand.Location != nil {
		if locDistanceKm(member.Location, cand.Location) > maxDist*ratio {
			return false
		}
	}
	return true
}

// sortLibraryEpisodes orders candidate anchors. The tie-break order is
// load-bearing for determinism: earliest photo timestamp, originals before
// reshares, library membership, descending photo count, id.
func sortLibraryEpisodes(eps []*CachedEpisode) {
	sort.Slice(eps, func(i, j int) bool {
		a, b := eps[i], eps[j]
		if a.EarliestPhotoTimestamp != b.EarliestPhotoTimestamp {
			return a.EarliestPhotoTimestamp < b.EarliestPhotoTimestamp
		}
		if (a.ParentID == 0) != (b.ParentID == 0) {
			return a.ParentID == 0
		}
		if a.InLibrary != b.InLibrary {
			return a.InLibrary
		}
		if len(a.PhotoIDs) != len(b.PhotoIDs) {
			return len(a.PhotoIDs) > len(b.PhotoIDs)
		}
		return a.ID < b.ID
	})
}

// segmentDay clusters a day's cached episodes into Events and canonicalizes
// them into their persisted form, ordered by latest activity descending.
func (dt *DayTable) segmentDay(snap pebble.Reader, d *Day) []*Event {
	var library, shared []*CachedEpisode
	for i := range d.Episodes {
		ep := &d.Episodes[i]
		if ep.InLibrary {
			library = append(library, ep)
		} else {
			shared = append(shared, ep)
		}
	}
	sortLibraryEpisodes(library)

	frequent := dt.source.FrequentLocations(snap)

	var events []*segEvent
	remaining := library
	for len(remaining) > 0 {
		anchor := remaining[0]
		remaining = remaining[1:]
		se := &segEvent{anchor: anchor, photos: map[int64]struct{}{}}
		se.nearHome, se.homeDist = nearFrequentLocation(anchor.Location, frequent)
		se.add(anchor)

		// Base pass against the anchor.
		var grown []*CachedEpisode
		remaining = filterInPlace(remaining, func(cand *CachedEpisode) bool {
			if se.canAddEpisode(anchor, cand, 1.0) {
				se.add(cand)
				grown = append(grown, cand)
				return false
			}
			return true
		})
		// Extended pass: every episode just added matches adjacent
		// episodes at a fraction of the base thresholds.
		for len(grown) > 0 {
			member := grown[0]
			grown = grown[1:]
			remaining = filterInPlace(remaining, func(cand *CachedEpisode) bool {
				if se.canAddEpisode(member, cand, extendedRatio) {
					se.add(cand)
					grown = append(grown, cand)
					return false
				}
				return true
			})
		}
		events = append(events, se)
	}

	// Shared-only episodes attach to every event already holding one of
	// their photos; viewpoint-linked attachments grow event trapdoors.
	viewpoints := map[int64]*content.Viewpoint{}
	shareActs := map[int64]map[int64]*content.Activity{}
	builders := map[*segEvent]map[int64]*trapdoorBuilder{}
	for _, ep := range shared {
		for _, se := range events {
			if !se.sharesPhoto(ep) {
				continue
			}
			se.episodes = append(se.episodes, ep)
			if ep.ViewpointID == 0 {
				continue
			}
			vp, ok := viewpoints[ep.ViewpointID]
			if !ok {
				vp, ok = dt.source.Viewpoint(snap, ep.ViewpointID)
				if !ok || vp.Removed || vp.Type == content.ViewpointDefault {
					viewpoints[ep.ViewpointID] = nil
					continue
				}
				viewpoints[ep.ViewpointID] = vp
				shareActs[vp.ID] = dt.shareActivities(snap, vp.ID)
			}
			if vp == nil {
				continue
			}
			bs := builders[se]
			if bs == nil {
				bs = map[int64]*trapdoorBuilder{}
				builders[se] = bs
			}
			tb := bs[vp.ID]
			if tb == nil {
				tb = newTrapdoorBuilder(TrapdoorEvent, vp, dt.source.CurrentUser())
				bs[vp.ID] = tb
			}
			tb.AddSharedEpisode(shareActs[vp.ID][ep.ID], ep, ep.PhotoIDs)
		}
	}

	var out []*Event
	for _, se := range events {
		e := dt.canonicalizeEvent(snap, d.Timestamp, se, builders[se], viewpoints)
		if e != nil {
			out = append(out, e)
		}
	}
	// Summary rows within a day surface most recent activity first.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LatestTimestamp > out[j].LatestTimestamp
	})
	for i, e := range out {
		e.Index = i
		for j := range e.Trapdoors {
			e.Trapdoors[j].EventIndex = i
		}
	}
	return out
}

// shareActivities maps each shared episode of a conversation to the share
// that introduced it, so trapdoor contributors carry real update sequences
// for the viewed-watermark comparison.
func (dt *DayTable) shareActivities(snap pebble.Reader, vpid int64) map[int64]*content.Activity {
	acts := map[int64]*content.Activity{}
	for act := range dt.source.ActivitiesByViewpoint(snap, vpid) {
		if act.Kind != content.ActivitySharePhotos {
			continue
		}
		for _, es := range act.Episodes {
			if prev, ok := acts[es.EpisodeID]; !ok || act.UpdateSeq > prev.UpdateSeq {
				acts[es.EpisodeID] = act
			}
		}
	}
	return acts
}

func filterInPlace(eps []*CachedEpisode, keep func(*CachedEpisode) bool) []*CachedEpisode {
	out := eps[:0]
	for _, ep := range eps {
		if keep(ep) {
			out = append(out, ep)
		}
	}
	return out
}

func nearFrequentLocation(loc *content.Location, frequent []content.Location) (bool, float64) {
	if loc == nil || len(frequent) == 0 {
		return false, 0
	}
	best := -1.0
	for i := range frequent {
		d := locDistanceKm(loc, &frequent[i])
		if best < 0 || d < best {
			best = d
		}
	}
	return best < nearHomeKm, best
}

// canonicalizeEvent folds a working segment into its persisted Event:
// photos deduped (first occurrence wins), placemark from the episode nearest
// the centroid, contributors ranked by contributed photo count, trapdoors
// canonicalized and a display title picked among anchored conversations.
func (dt *DayTable) canonicalizeEvent(snap pebble.Reader, day int64, se *segEvent, builders map[int64]*trapdoorBuilder, viewpoints map[int64]*content.Viewpoint) *Event {
	e := &Event{DayTimestamp: day}

	seen := map[int64]struct{}{}
	byUser := map[int64]int{}
	for _, ep := range se.episodes {
		var kept []int64
		for _, ph := range ep.PhotoIDs {
			if _, dup := seen[ph]; dup {
				continue
			}
			seen[ph] = struct{}{}
			kept = append(kept, ph)
		}
		if len(kept) == 0 {
			continue
		}
		e.Episodes = append(e.Episodes, EventEpisode{ID: ep.ID, PhotoIDs: kept})
		e.PhotoCount += len(kept)
		byUser[ep.UserID] += len(kept)
		if ep.InLibrary {
			e.InLibrary = true
		}
		if e.EarliestTimestamp == 0 || ep.EarliestPhotoTimestamp < e.EarliestTimestamp {
			e.EarliestTimestamp = ep.EarliestPhotoTimestamp
		}
		if ep.LatestPhotoTimestamp > e.LatestTimestamp {
			e.LatestTimestamp = ep.LatestPhotoTimestamp
		}
	}
	if e.PhotoCount == 0 {
		// Empty events are dropped before persistence.
		return nil
	}
	e.Distance = se.homeDist

	e.Location, e.Placemark = centroidPlacemark(se.episodes)

	me := dt.source.CurrentUser()
	for uid, count := range byUser {
		e.Contributors = append(e.Contributors, Contributor{UserID: uid, State: ContribViewed, PhotoCount: count})
	}
	sort.Slice(e.Contributors, func(i, j int) bool {
		a, b := e.Contributors[i], e.Contributors[j]
		if a.PhotoCount != b.PhotoCount {
			return a.PhotoCount > b.PhotoCount
		}
		return a.UserID < b.UserID
	})
	if len(e.Contributors) == 1 && e.Contributors[0].UserID == me {
		e.Contributors = nil
	}

	for vpid, tb := range builders {
		td := tb.Canonicalize(viewpoints[vpid], dt.photoTimestamp(snap))
		td.DayTimestamp = day
		e.Trapdoors = append(e.Trapdoors, *td)
	}
	sort.Slice(e.Trapdoors, func(i, j int) bool {
		return e.Trapdoors[i].ViewpointID < e.Trapdoors[j].ViewpointID
	})

	dt.pickEventTitle(e, viewpoints)
	return e
}

// pickEventTitle scores trapdoors whose conversation anchors on one of the
// event's episodes and adopts the winner's title and placemark.
func (dt *DayTable) pickEventTitle(e *Event, viewpoints map[int64]*content.Viewpoint) {
	maxContrib, maxPhotos := 0, 0
	var candidates []*Trapdoor
	for i := range e.Trapdoors {
		td := &e.Trapdoors[i]
		vp := viewpoints[td.ViewpointID]
		if vp == nil || !e.containsEpisode(vp.AnchorEpisodeID) {
			continue
		}
		candidates = append(candidates, td)
		if n := len(td.Contributors); n > maxContrib {
			maxContrib = n
		}
		if td.PhotoCount > maxPhotos {
			maxPhotos = td.PhotoCount
		}
	}
	best := -1.0
	for _, td := range candidates {
		score := 0.0
		if maxContrib > 0 {
			score += 0.55 * float64(len(td.Contributors)) / float64(maxContrib)
		}
		if maxPhotos > 0 {
			score += 0.45 * float64(td.PhotoCount) / float64(maxPhotos)
		}
		if score > best {
			best = score
			e.Title = td.Title
		}
	}
}

func (e *Event) containsEpisode(id int64) bool {
	if id == 0 {
		return false
	}
	for _, epi := range e.Episodes {
		if epi.ID == id {
			return true
		}
	}
	return false
}

// centroidPlacemark picks the location of the episode nearest the centroid
// of all episodes carrying a valid placemark.
func centroidPlacemark(eps []*CachedEpisode) (*content.Location, *content.Placemark) {
	var lat, lon float64
	n := 0
	for _, ep := range eps {
		if ep.Location != nil && ep.Placemark.Valid() {
			lat += ep.Location.Latitude
			lon += ep.Location.Longitude
			n++
		}
	}
	if n == 0 {
		return nil, nil
	}
	centroid := content.Location{Latitude: lat / float64(n), Longitude: lon / float64(n)}
	var bestEp *CachedEpisode
	best := -1.0
	for _, ep := range eps {
		if ep.Location == nil || !ep.Placemark.Valid() {
			continue
		}
		d := locDistanceKm(ep.Location, &centroid)
		if best < 0 || d < best {
			best = d
			bestEp = ep
		}
	}
	return bestEp.Location, bestEp.Placemark
}
