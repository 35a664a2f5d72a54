package daytable

import (
	"github.com/viewfinderco/daytable/content"
	"github.com/vmihailenco/msgpack/v5"
)

type ContributorState byte

const (
	ContribViewed    ContributorState = 'V'
	ContribUnviewed  ContributorState = 'U'
	ContribNoContent ContributorState = 'N'
)

// Contributor is one ranked participant of an event or conversation.
type Contributor struct {
	UserID   int64            `msgpack:"uid,omitempty"`
	Identity string           `msgpack:"ident,omitempty"`
	State    ContributorState `msgpack:"st"`
	// PhotoCount ranks event contributors; order ranks trapdoor
	// contributors (max update sequence, self-weighted).
	PhotoCount int     `msgpack:"ph,omitempty"`
	Order      float64 `msgpack:"ord,omitempty"`
}

// EventEpisode is an episode's contribution to a persisted event, photos
// already deduplicated across the event.
type EventEpisode struct {
	ID       int64   `msgpack:"id"`
	PhotoIDs []int64 `msgpack:"ph"`
}

// Event is the canonicalized, persisted form of one geo-temporal cluster of
// episodes within a day, keyed by (day timestamp, index-within-day).
type Event struct {
	DayTimestamp int64 `msgpack:"day"`
	Index        int   `msgpack:"idx"`

	Title    string  `msgpack:"title,omitempty"`
	Distance float64 `msgpack:"dist,omitempty"` // km from nearest frequent location

	Location  *content.Location  `msgpack:"geo,omitempty"`
	Placemark *content.Placemark `msgpack:"pm,omitempty"`

	EarliestTimestamp int64 `msgpack:"ets"`
	LatestTimestamp   int64 `msgpack:"lts"`

	Episodes   []EventEpisode `msgpack:"eps"`
	PhotoCount int            `msgpack:"ph"`

	Contributors []Contributor `msgpack:"contrib,omitempty"`
	Trapdoors    []Trapdoor    `msgpack:"traps,omitempty"`

	// InLibrary marks events containing at least one library episode;
	// only those appear in the Event summary (FullEvent carries all).
	InLibrary bool `msgpack:"lib"`
}

func decodeEvent(val []byte, out *Event) error {
	return msgpack.Unmarshal(val, out)
}

func (e *Event) summaryRow() SummaryRow {
	return SummaryRow{
		DayTimestamp:     e.DayTimestamp,
		Identifier:       int64(e.Index),
		PhotoCount:       e.PhotoCount,
		ContributorCount: len(e.Contributors),
		ShareCount:       len(e.Trapdoors),
		Distance:         e.Distance,
	}
}
