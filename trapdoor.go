package daytable

import (
	"sort"

	"github.com/viewfinderco/daytable/content"
)

type TrapdoorType byte

const (
	// TrapdoorInbox summarizes a viewpoint's whole history; one per
	// viewpoint, keyed by viewpoint id.
	TrapdoorInbox TrapdoorType = 'I'
	// TrapdoorEvent summarizes a single event's contribution to a
	// viewpoint; one per (event, viewpoint) pair, embedded in the event.
	TrapdoorEvent TrapdoorType = 'E'
)

// photoSampleCap bounds the representative photos sampled per trapdoor.
const photoSampleCap = 6

// Trapdoor is a summarized link from an event or a whole conversation into
// a viewpoint, with sampled photos and ranked contributors.
type Trapdoor struct {
	ViewpointID int64        `msgpack:"vid"`
	Type        TrapdoorType `msgpack:"type"`

	DayTimestamp int64 `msgpack:"day,omitempty"`
	EventIndex   int   `msgpack:"idx,omitempty"`

	Title        string  `msgpack:"title,omitempty"`
	CoverPhotoID int64   `msgpack:"cover,omitempty"`
	PhotoIDs     []int64 `msgpack:"ph,omitempty"`
	SubSampled   bool    `msgpack:"sub,omitempty"`

	EarliestTimestamp int64 `msgpack:"ets,omitempty"`
	LatestTimestamp   int64 `msgpack:"lts,omitempty"`

	PendingUpload bool `msgpack:"pend,omitempty"`
	Unviewed      bool `msgpack:"unv,omitempty"`

	PhotoCount      int `msgpack:"phc,omitempty"`
	CommentCount    int `msgpack:"cmc,omitempty"`
	NewPhotoCount   int `msgpack:"nph,omitempty"`
	NewCommentCount int `msgpack:"ncm,omitempty"`

	Contributors []Contributor `msgpack:"contrib,omitempty"`
}

// selfWeight breaks sequence ties in the current user's favor, so an
// inviter sorts ahead of invitees invited by the same action.
const selfWeight = 0.1

type trapdoorShare struct {
	episodeID  int64
	earliestTS int64
	photoIDs   []int64
}

// contribMark carries the two per-contributor quantities a trapdoor needs:
// a display ordering key and the real update sequence the viewed watermark
// is compared against. They differ when a share is observed through the
// episode alone, where only photo recency is known.
type contribMark struct {
	order float64
	seq   int64
}

// trapdoorBuilder accumulates one trapdoor's shared episodes before
// canonicalization. It is owned by the rebuild call stack.
type trapdoorBuilder struct {
	td          Trapdoor
	shares      []trapdoorShare
	contribs    map[int64]contribMark
	currentUser int64
}

func newTrapdoorBuilder(typ TrapdoorType, vp *content.Viewpoint, currentUser int64) *trapdoorBuilder {
	return &trapdoorBuilder{
		td: Trapdoor{
			ViewpointID: vp.ID,
			Type:        typ,
			Title:       vp.Title,
		},
		contribs:    map[int64]contribMark{},
		currentUser: currentUser,
	}
}

func (tb *trapdoorBuilder) noteContributor(userID int64, order float64, seq int64) {
	if userID == tb.currentUser {
		order += selfWeight
	}
	m := tb.contribs[userID]
	if order > m.order {
		m.order = order
	}
	if seq > m.seq {
		m.seq = seq
	}
	tb.contribs[userID] = m
}

// AddSharedEpisode folds one shared episode into the trapdoor: timestamp
// range, pending-upload flag and contributor sequence numbers for the
// sharer plus all named sharees. act may be nil when the share is observed
// through the episode alone.
func (tb *trapdoorBuilder) AddSharedEpisode(act *content.Activity, ep *CachedEpisode, photoIDs []int64) {
	td := &tb.td
	if td.EarliestTimestamp == 0 || ep.EarliestPhotoTimestamp < td.EarliestTimestamp {
		td.EarliestTimestamp = ep.EarliestPhotoTimestamp
	}
	if ep.LatestPhotoTimestamp > td.LatestTimestamp {
		td.LatestTimestamp = ep.LatestPhotoTimestamp
	}
	if ep.Pending {
		td.PendingUpload = true
	}
	td.PhotoCount += len(photoIDs)

	tb.shares = append(tb.shares, trapdoorShare{
		episodeID:  ep.ID,
		earliestTS: ep.EarliestPhotoTimestamp,
		photoIDs:   photoIDs,
	})

	if act != nil {
		tb.noteContributor(act.UserID, float64(act.UpdateSeq), act.UpdateSeq)
		for _, sharee := range act.FollowerIDs {
			tb.noteContributor(sharee, float64(act.UpdateSeq), act.UpdateSeq)
		}
	} else {
		// No activity to sequence against: order by photo recency and leave
		// the sequence at zero so a viewed conversation stays viewed.
		tb.noteContributor(ep.UserID, float64(ep.LatestPhotoTimestamp), 0)
	}
}

// Canonicalize produces the persisted trapdoor: sampled photos, cover,
// ranked contributors with follower fill-in and viewed-watermark tagging.
func (tb *trapdoorBuilder) Canonicalize(vp *content.Viewpoint, photoTime func(int64) int64) *Trapdoor {
	td := &tb.td

	td.PhotoIDs, td.SubSampled = samplePhotos(tb.shares, photoTime)

	if vp != nil && vp.CoverPhotoID != 0 {
		td.CoverPhotoID = vp.CoverPhotoID
	} else if len(td.PhotoIDs) > 0 {
		td.CoverPhotoID = td.PhotoIDs[0]
	}

	viewedSeq := int64(0)
	if vp != nil {
		viewedSeq = vp.ViewedSeq
	}
	for uid, m := range tb.contribs {
		state := ContribViewed
		if m.seq > viewedSeq {
			state = ContribUnviewed
		}
		td.Contributors = append(td.Contributors, Contributor{UserID: uid, State: state, Order: m.order})
	}
	if vp != nil {
		for _, follower := range vp.FollowerIDs {
			if _, ok := tb.contribs[follower]; !ok {
				td.Contributors = append(td.Contributors, Contributor{UserID: follower, State: ContribNoContent})
			}
		}
		if vp.UpdateSeq > vp.ViewedSeq {
			td.Unviewed = true
		}
	}
	sort.SliceStable(td.Contributors, func(i, j int) bool {
		a, b := td.Contributors[i], td.Contributors[j]
		if a.Order != b.Order {
			return a.Order > b.Order
		}
		return a.UserID < b.UserID
	})
	if len(td.Contributors) == 1 && td.Contributors[0].UserID == tb.currentUser {
		td.Contributors = nil
	}
	return td
}

// samplePhotos picks up to photoSampleCap representative photos round-robin
// across contributing episodes ordered by earliest photo timestamp, dedupes
// by photo id, and returns them sorted by photo timestamp ascending.
func samplePhotos(shares []trapdoorShare, photoTime func(int64) int64) (ids []int64, subSampled bool) {
	ordered := append([]trapdoorShare(nil), shares...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].earliestTS != ordered[j].earliestTS {
			return ordered[i].earliestTS < ordered[j].earliestTS
		}
		return ordered[i].episodeID < ordered[j].episodeID
	})

	seen := map[int64]struct{}{}
	total := 0
	for round := 0; ; round++ {
		advanced := false
		for _, sh := range ordered {
			if round >= len(sh.photoIDs) {
				continue
			}
			advanced = true
			ph := sh.photoIDs[round]
			if _, dup := seen[ph]; dup {
				continue
			}
			seen[ph] = struct{}{}
			total++
			if len(ids) < photoSampleCap {
				ids = append(ids, ph)
			} else {
				subSampled = true
			}
		}
		if !advanced {
			break
		}
	}

	sort.SliceStable(ids, func(i, j int) bool {
		ti, tj := photoTime(ids[i]), photoTime(ids[j])
		if ti != tj {
			return ti < tj
		}
		return ids[i] < ids[j]
	})
	return ids, subSampled
}

// trapdoorFromSummary derives the whole-history trapdoor of a conversation
// directly from its persisted summary, iterating rows most recent first.
func trapdoorFromSummary(vs *ViewpointSummary, vp *content.Viewpoint, photoTime func(int64) int64) *Trapdoor {
	td := &Trapdoor{
		ViewpointID:       vp.ID,
		Type:              TrapdoorInbox,
		Title:             vs.Title,
		CoverPhotoID:      vs.CoverPhotoID,
		EarliestTimestamp: vs.EarliestTimestamp,
		LatestTimestamp:   vs.LatestTimestamp,
		PhotoCount:        vs.PhotoCount,
		CommentCount:      vs.CommentCount,
		NewPhotoCount:     vs.NewPhotoCount,
		NewCommentCount:   vs.NewCommentCount,
		Contributors:      append([]Contributor(nil), vs.Contributors...),
	}

	var shares []trapdoorShare
	for i := len(vs.Rows) - 1; i >= 0; i-- {
		row := &vs.Rows[i]
		if row.Unviewed {
			td.Unviewed = true
		}
		if row.Pending {
			td.PendingUpload = true
		}
		if row.Kind == RowPhotos && len(row.PhotoIDs) > 0 {
			shares = append(shares, trapdoorShare{
				episodeID:  row.EpisodeID,
				earliestTS: row.Timestamp,
				photoIDs:   row.PhotoIDs,
			})
		}
	}
	td.PhotoIDs, td.SubSampled = samplePhotos(shares, photoTime)
	if td.CoverPhotoID == 0 && len(td.PhotoIDs) > 0 {
		td.CoverPhotoID = td.PhotoIDs[0]
	}
	if vp.UpdateSeq > vp.ViewedSeq {
		td.Unviewed = true
	}
	return td
}
