// Package content declares the record types owned by the content tables and
// the Source interface through which the day table reads them. The day table
// never writes these records; the content tables call back into the day
// table's Invalidate entry points whenever they commit a mutation.
package content

import (
	"iter"

	"github.com/cockroachdb/pebble"
)

type Location struct {
	Latitude  float64 `msgpack:"lat"`
	Longitude float64 `msgpack:"lon"`
	Accuracy  float64 `msgpack:"acc,omitempty"`
}

type Placemark struct {
	Sublocality string `msgpack:"subloc,omitempty"`
	Locality    string `msgpack:"loc,omitempty"`
	State       string `msgpack:"state,omitempty"`
	Country     string `msgpack:"country,omitempty"`
}

func (p *Placemark) Valid() bool {
	return p != nil && (p.Locality != "" || p.Sublocality != "" || p.State != "" || p.Country != "")
}

// Episode is a source-of-truth grouping of photos taken together.
type Episode struct {
	ID          int64
	ParentID    int64 // non-zero for a reshare of another episode
	UserID      int64
	ViewpointID int64

	Timestamp              int64 // seconds
	EarliestPhotoTimestamp int64
	LatestPhotoTimestamp   int64
	PublishTimestamp       int64

	PhotoIDs  []int64 // display order
	Location  *Location
	Placemark *Placemark

	// InLibrary means the episode's photos are physically present on this
	// device, as opposed to shared-only content.
	InLibrary bool
	// Pending means the episode still has uploads queued.
	Pending bool
}

type ActivityKind int

const (
	ActivitySharePhotos ActivityKind = iota + 1 // photo share into a conversation
	ActivityPostComment
	ActivityAddFollowers
	ActivityRemoveFollowers
	ActivityUpdateViewpoint // title/label change
	ActivityCreateViewpoint
)

// EpisodeShare names the photos an activity contributed from one episode.
type EpisodeShare struct {
	EpisodeID int64
	PhotoIDs  []int64
}

// Activity is a single action within a viewpoint.
type Activity struct {
	ID          int64
	ViewpointID int64
	UserID      int64
	Timestamp   int64
	UpdateSeq   int64 // per-viewpoint monotonic

	Kind ActivityKind

	Episodes    []EpisodeShare // ActivitySharePhotos
	CommentID   int64          // ActivityPostComment
	FollowerIDs []int64        // Add/RemoveFollowers
	Title       string         // ActivityUpdateViewpoint
}

type Comment struct {
	ID             int64
	ViewpointID    int64
	UserID         int64
	Timestamp      int64
	Message        string
	ReplyToPhotoID int64 // non-zero if the comment targets a photo
}

type ViewpointType int

const (
	// ViewpointDefault is the user's private library viewpoint; it never
	// produces conversation summaries or trapdoors.
	ViewpointDefault ViewpointType = iota
	ViewpointEvent
	ViewpointThread
)

type Viewpoint struct {
	ID    int64
	Type  ViewpointType
	Title string

	CoverPhotoID    int64
	CoverEpisodeID  int64
	AnchorEpisodeID int64 // designated episode anchoring title selection

	FollowerIDs []int64

	UpdateSeq int64
	ViewedSeq int64 // watermark: activities at or below have been seen

	Removed bool
}

func (v *Viewpoint) Followed(userID int64) bool {
	for _, id := range v.FollowerIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type Photo struct {
	ID          int64
	EpisodeID   int64
	UserID      int64
	Timestamp   int64
	AspectRatio float32
	Location    *Location
}

type User struct {
	ID       int64
	Name     string
	Identity string // fallback handle for users without an account
}

// Source reads the content tables against a point-in-time reader. Loads
// return ok=false for missing records; a record that vanished between
// invalidation and rebuild is simply excluded from the rebuilt aggregate.
type Source interface {
	CurrentUser() int64

	Episode(r pebble.Reader, id int64) (*Episode, bool)
	Activity(r pebble.Reader, id int64) (*Activity, bool)
	Viewpoint(r pebble.Reader, id int64) (*Viewpoint, bool)
	Photo(r pebble.Reader, id int64) (*Photo, bool)
	Comment(r pebble.Reader, id int64) (*Comment, bool)
	User(r pebble.Reader, id int64) (*User, bool)

	// EpisodesInRange yields episodes with lo <= Timestamp < hi, ascending.
	EpisodesInRange(r pebble.Reader, lo, hi int64) iter.Seq[*Episode]
	// ActivitiesByViewpoint yields a viewpoint's visible activities in
	// ascending timestamp order.
	ActivitiesByViewpoint(r pebble.Reader, viewpoint int64) iter.Seq[*Activity]
	// Viewpoints yields every known viewpoint.
	Viewpoints(r pebble.Reader) iter.Seq[*Viewpoint]

	// LatestActivityTimestamp resolves a viewpoint to its most recent
	// activity timestamp, for invalidation ordering.
	LatestActivityTimestamp(r pebble.Reader, viewpoint int64) (int64, bool)

	// FrequentLocations lists the user's frequently visited locations,
	// used by the segmenter's near-home test.
	FrequentLocations(r pebble.Reader) []Location
}
