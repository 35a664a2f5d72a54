package daytable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viewfinderco/daytable/content"
)

func idTime(id int64) int64 { return id }

func TestSamplePhotosRoundRobin(t *testing.T) {
	shares := []trapdoorShare{
		{episodeID: 1, earliestTS: 100, photoIDs: []int64{1, 2, 3}},
		{episodeID: 2, earliestTS: 200, photoIDs: []int64{4, 5}},
		{episodeID: 3, earliestTS: 300, photoIDs: []int64{6, 7, 8, 9}},
	}
	ids, sub := samplePhotos(shares, idTime)
	// Round-robin takes 1,4,6 then 2,5,7; the rest overflow the cap.
	assert.Equal(t, []int64{1, 2, 4, 5, 6, 7}, ids)
	assert.True(t, sub)
}

func TestSamplePhotosDedupAndNoSubsample(t *testing.T) {
	shares := []trapdoorShare{
		{episodeID: 1, earliestTS: 100, photoIDs: []int64{1, 2}},
		{episodeID: 2, earliestTS: 200, photoIDs: []int64{2, 3}},
	}
	ids, sub := samplePhotos(shares, idTime)
	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.False(t, sub)
}

func TestSamplePhotosOrderedByCaptureTime(t *testing.T) {
	shares := []trapdoorShare{
		{episodeID: 1, earliestTS: 100, photoIDs: []int64{9, 1, 5}},
	}
	ids, sub := samplePhotos(shares, idTime)
	assert.Equal(t, []int64{1, 5, 9}, ids)
	assert.False(t, sub)
}

func TestTrapdoorContributorStates(t *testing.T) {
	vp := &content.Viewpoint{
		ID: 5, Type: content.ViewpointThread,
		FollowerIDs: []int64{1, 2, 3},
		UpdateSeq:   7, ViewedSeq: 5,
	}
	tb := newTrapdoorBuilder(TrapdoorInbox, vp, 1)
	tb.AddSharedEpisode(&content.Activity{UserID: 1, UpdateSeq: 4}, &CachedEpisode{ID: 10, EarliestPhotoTimestamp: 100, LatestPhotoTimestamp: 160}, []int64{101})
	tb.AddSharedEpisode(&content.Activity{UserID: 2, UpdateSeq: 7}, &CachedEpisode{ID: 11, EarliestPhotoTimestamp: 200, LatestPhotoTimestamp: 260}, []int64{102})

	td := tb.Canonicalize(vp, idTime)
	require.Len(t, td.Contributors, 3)
	// Ranked by max sequence descending; the current user's self weight
	// breaks ties but 4.1 still trails 7.
	assert.Equal(t, int64(2), td.Contributors[0].UserID)
	assert.Equal(t, ContribUnviewed, td.Contributors[0].State)
	assert.Equal(t, int64(1), td.Contributors[1].UserID)
	assert.Equal(t, ContribViewed, td.Contributors[1].State)
	// Follower 3 contributed nothing.
	assert.Equal(t, int64(3), td.Contributors[2].UserID)
	assert.Equal(t, ContribNoContent, td.Contributors[2].State)

	assert.True(t, td.Unviewed, "update sequence above the viewed watermark")
	assert.Equal(t, 2, td.PhotoCount)
	assert.Equal(t, int64(100), td.EarliestTimestamp)
	assert.Equal(t, int64(260), td.LatestTimestamp)
}

func TestTrapdoorSelfWeightBreaksTie(t *testing.T) {
	vp := &content.Viewpoint{ID: 5, Type: content.ViewpointThread, FollowerIDs: []int64{1, 2}}
	tb := newTrapdoorBuilder(TrapdoorInbox, vp, 1)
	// Same action invites both; the inviter sorts first.
	tb.AddSharedEpisode(&content.Activity{UserID: 1, UpdateSeq: 3, FollowerIDs: []int64{2}},
		&CachedEpisode{ID: 10, EarliestPhotoTimestamp: 100, LatestPhotoTimestamp: 160}, []int64{101})

	td := tb.Canonicalize(vp, idTime)
	require.Len(t, td.Contributors, 2)
	assert.Equal(t, int64(1), td.Contributors[0].UserID)
	assert.Equal(t, int64(2), td.Contributors[1].UserID)
}

func TestTrapdoorDropsSoloSelf(t *testing.T) {
	vp := &content.Viewpoint{ID: 5, Type: content.ViewpointThread, FollowerIDs: []int64{1}}
	tb := newTrapdoorBuilder(TrapdoorInbox, vp, 1)
	tb.AddSharedEpisode(&content.Activity{UserID: 1, UpdateSeq: 3}, &CachedEpisode{ID: 10, EarliestPhotoTimestamp: 100, LatestPhotoTimestamp: 160}, []int64{101})

	td := tb.Canonicalize(vp, idTime)
	assert.Empty(t, td.Contributors, "a conversation with only the current user shows no contributor chips")
}

func TestTrapdoorEpisodeOnlyShareStaysViewed(t *testing.T) {
	// A share observed through the episode alone has no update sequence;
	// photo recency orders the contributor but never trips the watermark.
	vp := &content.Viewpoint{
		ID: 5, Type: content.ViewpointThread,
		FollowerIDs: []int64{1, 2},
		UpdateSeq:   4, ViewedSeq: 4,
	}
	tb := newTrapdoorBuilder(TrapdoorEvent, vp, 1)
	tb.AddSharedEpisode(nil, &CachedEpisode{ID: 10, UserID: 2, EarliestPhotoTimestamp: 1700000000, LatestPhotoTimestamp: 1700000060}, []int64{101})

	td := tb.Canonicalize(vp, idTime)
	require.Len(t, td.Contributors, 2)
	assert.Equal(t, int64(2), td.Contributors[0].UserID)
	assert.Equal(t, ContribViewed, td.Contributors[0].State)
	assert.False(t, td.Unviewed)
}

func TestTrapdoorCover(t *testing.T) {
	vp := &content.Viewpoint{ID: 5, Type: content.ViewpointThread, CoverPhotoID: 103}
	tb := newTrapdoorBuilder(TrapdoorInbox, vp, 1)
	tb.AddSharedEpisode(nil, &CachedEpisode{ID: 10, UserID: 2, EarliestPhotoTimestamp: 100, LatestPhotoTimestamp: 160}, []int64{101, 102})
	td := tb.Canonicalize(vp, idTime)
	assert.Equal(t, int64(103), td.CoverPhotoID, "explicit cover wins")

	vp2 := &content.Viewpoint{ID: 6, Type: content.ViewpointThread}
	tb2 := newTrapdoorBuilder(TrapdoorInbox, vp2, 1)
	tb2.AddSharedEpisode(nil, &CachedEpisode{ID: 10, UserID: 2, EarliestPhotoTimestamp: 100, LatestPhotoTimestamp: 160}, []int64{102, 101})
	td2 := tb2.Canonicalize(vp2, idTime)
	assert.Equal(t, int64(101), td2.CoverPhotoID, "first sampled photo is the fallback cover")
}

func TestTrapdoorFromSummary(t *testing.T) {
	vp := &content.Viewpoint{ID: 5, Type: content.ViewpointThread, UpdateSeq: 4, ViewedSeq: 4}
	vs := &ViewpointSummary{
		ViewpointID: 5,
		Title:       "picnic",
		Rows: []ActivityRow{
			{Kind: RowHeader},
			{Kind: RowPhotos, EpisodeID: 10, Timestamp: 100, PhotoIDs: []int64{3, 1}},
			{Kind: RowComment, Timestamp: 150, Unviewed: true},
			{Kind: RowPhotos, EpisodeID: 11, Timestamp: 200, PhotoIDs: []int64{2}, Pending: true},
		},
		EarliestTimestamp: 100,
		LatestTimestamp:   200,
		PhotoCount:        3,
		CommentCount:      1,
		NewCommentCount:   1,
	}
	td := trapdoorFromSummary(vs, vp, idTime)
	assert.Equal(t, TrapdoorInbox, td.Type)
	assert.Equal(t, "picnic", td.Title)
	assert.Equal(t, []int64{1, 2, 3}, td.PhotoIDs)
	assert.Equal(t, int64(1), td.CoverPhotoID)
	assert.True(t, td.Unviewed, "an unviewed row marks the whole trapdoor")
	assert.True(t, td.PendingUpload)
	assert.Equal(t, 3, td.PhotoCount)
	assert.Equal(t, 1, td.CommentCount)
}
