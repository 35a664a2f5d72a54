package daytable

import (
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/viewfinderco/daytable/content"
)

type RowKind byte

const (
	RowHeader  RowKind = 'H'
	RowPhotos  RowKind = 'P'
	RowComment RowKind = 'C'
	RowUpdate  RowKind = 'U'
)

// threadWindowSeconds is the proximity window for comment threading:
// comments closer than this to their predecessor combine or continue the
// thread instead of starting a new one.
const threadWindowSeconds = int64(10 * 60)

// ActivityRow is one line of a conversation timeline.
type ActivityRow struct {
	Kind RowKind `msgpack:"kind"`

	ActivityID int64 `msgpack:"aid,omitempty"`
	UserID     int64 `msgpack:"uid,omitempty"`
	Timestamp  int64 `msgpack:"ts,omitempty"`
	UpdateSeq  int64 `msgpack:"seq,omitempty"`

	Thread ThreadType `msgpack:"thread,omitempty"`
	Run    RunType    `msgpack:"run,omitempty"`

	EpisodeID int64   `msgpack:"eid,omitempty"`
	PhotoIDs  []int64 `msgpack:"ph,omitempty"`

	CommentID      int64  `msgpack:"cid,omitempty"`
	Message        string `msgpack:"msg,omitempty"`
	ReplyToPhotoID int64  `msgpack:"rph,omitempty"`

	Title       string  `msgpack:"title,omitempty"`
	FollowerIDs []int64 `msgpack:"fol,omitempty"`

	Height   float32 `msgpack:"h,omitempty"`
	Unviewed bool    `msgpack:"unv,omitempty"`
	Pending  bool    `msgpack:"pend,omitempty"`
}

// ViewpointSummary is the ordered timeline of one conversation plus its
// aggregate counts, persisted per viewpoint and rebuilt or incrementally
// merged by the refresh loop.
type ViewpointSummary struct {
	ViewpointID int64 `msgpack:"vid"`

	Title        string `msgpack:"title,omitempty"`
	CoverPhotoID int64  `msgpack:"cover,omitempty"`

	Rows []ActivityRow `msgpack:"rows"`

	EarliestTimestamp int64 `msgpack:"ets,omitempty"`
	LatestTimestamp   int64 `msgpack:"lts,omitempty"`

	PhotoCount      int `msgpack:"ph"`
	CommentCount    int `msgpack:"cm"`
	NewPhotoCount   int `msgpack:"nph"`
	NewCommentCount int `msgpack:"ncm"`

	// ScrollToRow is the first row holding not-yet-viewed content.
	ScrollToRow int `msgpack:"scroll"`

	Contributors []Contributor `msgpack:"contrib,omitempty"`

	// ActivitySeq is the high-water update sequence folded in so far;
	// incremental merges only consider activities above it.
	ActivitySeq int64 `msgpack:"aseq"`

	TotalHeight float32 `msgpack:"th"`
}

func (vs *ViewpointSummary) RowCount() int { return len(vs.Rows) }

// rebuildViewpointSummary builds the timeline from scratch: a header row,
// then one or more rows per visible activity in ascending order.
func (dt *DayTable) rebuildViewpointSummary(snap pebble.Reader, vp *content.Viewpoint) *ViewpointSummary {
	vs := &ViewpointSummary{
		ViewpointID:  vp.ID,
		Title:        vp.Title,
		CoverPhotoID: vp.CoverPhotoID,
	}
	vs.Rows = append(vs.Rows, ActivityRow{Kind: RowHeader})
	for act := range dt.source.ActivitiesByViewpoint(snap, vp.ID) {
		dt.emitActivity(snap, vs, vp, act)
	}
	classifyRuns(vs.Rows)
	dt.normalizeViewpointSummary(snap, vs, vp)
	return vs
}

// emitActivity appends the row(s) for one activity. Threading for comments
// is classified against the previously emitted row.
func (dt *DayTable) emitActivity(snap pebble.Reader, vs *ViewpointSummary, vp *content.Viewpoint, act *content.Activity) {
	if act.UpdateSeq > vs.ActivitySeq {
		vs.ActivitySeq = act.UpdateSeq
	}
	row := ActivityRow{
		ActivityID: act.ID,
		UserID:     act.UserID,
		Timestamp:  act.Timestamp,
		UpdateSeq:  act.UpdateSeq,
		Unviewed:   act.UpdateSeq > vp.ViewedSeq,
	}
	switch act.Kind {
	case content.ActivitySharePhotos:
		row.Kind = RowPhotos
		for _, share := range act.Episodes {
			if row.EpisodeID == 0 {
				row.EpisodeID = share.EpisodeID
			}
			row.PhotoIDs = append(row.PhotoIDs, share.PhotoIDs...)
			if ep, ok := dt.source.Episode(snap, share.EpisodeID); ok && ep.Pending {
				row.Pending = true
			}
		}
		if len(row.PhotoIDs) == 0 {
			return // photo-batch row is optional
		}
	case content.ActivityPostComment:
		row.Kind = RowComment
		row.CommentID = act.CommentID
		if c, ok := dt.source.Comment(snap, act.CommentID); ok {
			row.Message = c.Message
			row.ReplyToPhotoID = c.ReplyToPhotoID
		}
		row.Thread = classifyThread(vs.Rows, &row)
	case content.ActivityAddFollowers, content.ActivityRemoveFollowers,
		content.ActivityUpdateViewpoint, content.ActivityCreateViewpoint:
		row.Kind = RowUpdate
		row.Title = act.Title
		row.FollowerIDs = append([]int64(nil), act.FollowerIDs...)
		if act.Kind == content.ActivityUpdateViewpoint && act.Title != "" {
			vs.Title = act.Title
		}
	default:
		return
	}
	vs.Rows = append(vs.Rows, row)
}

// classifyThread relates a comment row to the preceding row: a photo reply
// stands alone; within the proximity window the same commenter combines and
// a different commenter continues; otherwise a new top-level thread.
func classifyThread(prior []ActivityRow, row *ActivityRow) ThreadType {
	if row.ReplyToPhotoID != 0 {
		return ThreadPhotoReply
	}
	if len(prior) > 0 {
		prev := &prior[len(prior)-1]
		if prev.Kind == RowComment && row.Timestamp-prev.Timestamp <= threadWindowSeconds {
			if prev.UserID == row.UserID {
				return ThreadCombine
			}
			return ThreadContinue
		}
	}
	return ThreadTopLevel
}

// classifyRuns tags consecutive update rows as solo/start/combine/end.
func classifyRuns(rows []ActivityRow) {
	i := 0
	for i < len(rows) {
		if rows[i].Kind != RowUpdate {
			i++
			continue
		}
		j := i
		for j < len(rows) && rows[j].Kind == RowUpdate {
			j++
		}
		if j-i == 1 {
			rows[i].Run = RunSolo
		} else {
			rows[i].Run = RunStart
			for k := i + 1; k < j-1; k++ {
				rows[k].Run = RunCombine
			}
			rows[j-1].Run = RunEnd
		}
		i = j
	}
}

// updateActivities merges new or changed activities into an existing
// timeline. Rows are regenerated in order, but an untouched row keeps its
// identity (and cached height) when its classification is unchanged, which
// bounds visible churn to the neighborhood of each change.
func (dt *DayTable) updateActivities(snap pebble.Reader, vs *ViewpointSummary, vp *content.Viewpoint, acts []*content.Activity) {
	replaced := map[int64]*content.Activity{}
	for _, act := range acts {
		replaced[act.ID] = act
	}

	type mergeItem struct {
		ts  int64
		id  int64
		row *ActivityRow      // kept row, nil for fresh activities
		act *content.Activity // fresh or replacing activity
	}
	var items []mergeItem
	for i := range vs.Rows {
		row := &vs.Rows[i]
		if row.Kind == RowHeader {
			continue
		}
		if act, ok := replaced[row.ActivityID]; ok {
			items = append(items, mergeItem{ts: act.Timestamp, id: act.ID, act: act})
			delete(replaced, row.ActivityID)
			continue
		}
		items = append(items, mergeItem{ts: row.Timestamp, id: row.ActivityID, row: row})
	}
	for _, act := range replaced {
		items = append(items, mergeItem{ts: act.Timestamp, id: act.ID, act: act})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ts != items[j].ts {
			return items[i].ts < items[j].ts
		}
		return items[i].id < items[j].id
	})

	merged := &ViewpointSummary{
		ViewpointID:  vs.ViewpointID,
		Title:        vs.Title,
		CoverPhotoID: vs.CoverPhotoID,
		ActivitySeq:  vs.ActivitySeq,
	}
	merged.Rows = append(merged.Rows, ActivityRow{Kind: RowHeader})
	for _, it := range items {
		if it.act != nil {
			dt.emitActivity(snap, merged, vp, it.act)
			continue
		}
		row := *it.row
		if row.Kind == RowComment {
			thread := classifyThread(merged.Rows, &row)
			if thread != row.Thread {
				row.Thread = thread
				row.Height = 0 // re-measure
			}
		}
		row.Unviewed = row.UpdateSeq > vp.ViewedSeq
		merged.Rows = append(merged.Rows, row)
	}
	old := append([]ActivityRow(nil), vs.Rows...)
	*vs = *merged
	classifyRuns(vs.Rows)
	// A run tag change invalidates a kept row's cached height.
	for i := range vs.Rows {
		row := &vs.Rows[i]
		if row.Kind != RowUpdate {
			continue
		}
		for j := range old {
			if old[j].ActivityID == row.ActivityID && old[j].Run != row.Run {
				row.Height = 0
			}
		}
	}
	dt.normalizeViewpointSummary(snap, vs, vp)
}

// normalizeViewpointSummary recomputes the aggregates in a single pass:
// timestamp range, viewed/unviewed counts, the scroll target, and the
// recency-ranked contributor list filtered against current followers.
func (dt *DayTable) normalizeViewpointSummary(snap pebble.Reader, vs *ViewpointSummary, vp *content.Viewpoint) {
	vs.EarliestTimestamp = 0
	vs.LatestTimestamp = 0
	vs.PhotoCount, vs.CommentCount = 0, 0
	vs.NewPhotoCount, vs.NewCommentCount = 0, 0
	vs.ScrollToRow = 0

	type contribAccum struct {
		lastTS   int64
		unviewed bool
	}
	contribs := map[int64]*contribAccum{}

	for i := range vs.Rows {
		row := &vs.Rows[i]
		if row.Kind == RowHeader {
			continue
		}
		row.Unviewed = row.UpdateSeq > vp.ViewedSeq
		if vs.EarliestTimestamp == 0 || row.Timestamp < vs.EarliestTimestamp {
			vs.EarliestTimestamp = row.Timestamp
		}
		if row.Timestamp > vs.LatestTimestamp {
			vs.LatestTimestamp = row.Timestamp
		}
		switch row.Kind {
		case RowPhotos:
			vs.PhotoCount += len(row.PhotoIDs)
			if row.Unviewed {
				vs.NewPhotoCount += len(row.PhotoIDs)
			}
		case RowComment:
			vs.CommentCount++
			if row.Unviewed {
				vs.NewCommentCount++
			}
		}
		if row.Unviewed && vs.ScrollToRow == 0 {
			vs.ScrollToRow = i
		}
		ca := contribs[row.UserID]
		if ca == nil {
			ca = &contribAccum{}
			contribs[row.UserID] = ca
		}
		if row.Timestamp > ca.lastTS {
			ca.lastTS = row.Timestamp
		}
		if row.Unviewed {
			ca.unviewed = true
		}
	}

	vs.Contributors = vs.Contributors[:0]
	for uid, ca := range contribs {
		c := Contributor{UserID: uid, Order: float64(ca.lastTS), State: ContribViewed}
		if ca.unviewed {
			c.State = ContribUnviewed
		}
		if !vp.Followed(uid) {
			// Non-members surface by identity string only.
			u, ok := dt.source.User(snap, uid)
			if !ok || u.Identity == "" {
				continue
			}
			c = Contributor{Identity: u.Identity, Order: c.Order, State: c.State}
		}
		vs.Contributors = append(vs.Contributors, c)
	}
	sort.SliceStable(vs.Contributors, func(i, j int) bool {
		a, b := vs.Contributors[i], vs.Contributors[j]
		if a.Order != b.Order {
			return a.Order > b.Order
		}
		return a.UserID < b.UserID
	})
}

// applyHeights fills missing row heights and the total. Measurement is a
// restricted capability: off the authorized context this is a no-op and
// previously cached heights stay as they are.
func (vs *ViewpointSummary) applyHeights(env Env) {
	if env == nil || !env.CanMeasure() {
		return
	}
	total := float32(0)
	for i := range vs.Rows {
		row := &vs.Rows[i]
		if row.Height == 0 {
			switch row.Kind {
			case RowHeader:
				row.Height = env.ConversationHeaderHeight()
			case RowPhotos:
				row.Height = env.PhotoBatchRowHeight(len(row.PhotoIDs))
			case RowComment:
				row.Height = env.ConversationActivityRowHeight(row.Thread)
			case RowUpdate:
				row.Height = env.ConversationUpdateRowHeight(row.Run)
			}
		}
		total += row.Height
	}
	vs.TotalHeight = total
}
