package daytable

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/viewfinderco/daytable/content"
	"github.com/viewfinderco/daytable/keys"
	"github.com/viewfinderco/daytable/utils"
)

// MaybeRefresh wakes the background refresh loop. It is a no-op while a
// refresh is running or refreshes are paused; during the idle backoff the
// wake-up is deferred, not dropped, so bursts coalesce into one cycle.
func (dt *DayTable) MaybeRefresh() {
	dt.lock.Lock()
	if dt.refreshing || dt.pausedAll > 0 {
		dt.lock.Unlock()
		return
	}
	now := time.Now()
	if now.Before(dt.nextWake) {
		if !dt.wakeScheduled {
			dt.wakeScheduled = true
			delay := dt.nextWake.Sub(now)
			time.AfterFunc(delay, func() {
				dt.lock.Lock()
				dt.wakeScheduled = false
				dt.lock.Unlock()
				dt.MaybeRefresh()
			})
		}
		dt.lock.Unlock()
		return
	}
	dt.refreshing = true
	dt.lock.Unlock()
	go dt.refreshLoop()
}

func (dt *DayTable) pauseRequested() bool {
	dt.lock.Lock()
	defer dt.lock.Unlock()
	return dt.pausedAll > 0
}

func (dt *DayTable) eventsPaused() bool {
	dt.lock.Lock()
	defer dt.lock.Unlock()
	return dt.pausedEvents > 0
}

// refreshLoop drains the invalidation log in batches, publishing a fresh
// snapshot after every pass. It exits once two consecutive passes find no
// work and no new invalidations arrived meanwhile, then backs off.
func (dt *DayTable) refreshLoop() {
	// The cycle id rides along in the context so every log line of the
	// cycle carries it.
	ctx := utils.WithDefaultArgs(context.Background(), "cycle", uuid.NewString()[:8])
	start := time.Now()
	refreshCycles.Inc()
	dt.log.DebugCtx(ctx, "refresh cycle start")

	idle := 0
	passes := 0
	for {
		seqStart := dt.currentSeq()
		work := dt.refreshPass(ctx)
		passes++
		if err := dt.publishSnapshot(); err != nil {
			dt.log.ErrorCtx(ctx, "snapshot publish failed", "err", err)
		}
		if work == 0 {
			idle++
		} else {
			idle = 0
		}
		if idle >= 2 && dt.currentSeq() == seqStart {
			break
		}
		if dt.pauseRequested() {
			break
		}
	}

	refreshDuration.Observe(time.Since(start).Seconds())
	dt.lock.Lock()
	dt.refreshing = false
	dt.nextWake = time.Now().Add(dt.opts.IdleBackoff)
	dt.cond.Broadcast()
	dt.lock.Unlock()
	dt.log.DebugCtx(ctx, "refresh cycle done", "passes", passes,
		"elapsed", time.Since(start))
}

// refreshPass drains one batch of each invalidation family. Recomputation
// errors never abort the pass: a day or viewpoint that fails to rebuild is
// logged, its entry consumed, and it heals on the next invalidation.
func (dt *DayTable) refreshPass(ctx context.Context) int {
	snap := dt.db.NewSnapshot()
	defer snap.Close()

	work := 0
	if !dt.eventsPaused() {
		work += dt.refreshDays(ctx, snap)
	}
	work += dt.refreshViewpoints(ctx, snap)
	work += dt.refreshUsers(ctx, snap)

	if dt.opts.Paranoid {
		dt.sanityCheck()
	}
	return work
}

func (dt *DayTable) refreshDays(ctx context.Context, snap pebble.Reader) int {
	entries := dt.drainInvalidations(snap, keys.PrefDayEpisodeInval, dt.opts.BatchSize)
	if len(entries) == 0 {
		return 0
	}

	days := map[int64][]int64{}
	for _, e := range entries {
		day, ep, ok := keys.DayEpisodeInvalKeyParse(e.key)
		if !ok {
			dt.log.ErrorCtx(ctx, "skipping malformed day invalidation", "key", e.key)
			continue
		}
		days[day] = append(days[day], ep)
	}
	ordered := make([]int64, 0, len(days))
	for day := range days {
		ordered = append(ordered, day)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] > ordered[j] })

	ev, err := loadSummary(dt.db, SummaryEvents)
	if err != nil {
		dt.log.ErrorCtx(ctx, "resetting unreadable event summary", "err", err)
		ev = &Summary{Kind: SummaryEvents}
	}
	full, err := loadSummary(dt.db, SummaryFullEvents)
	if err != nil {
		dt.log.ErrorCtx(ctx, "resetting unreadable full event summary", "err", err)
		full = &Summary{Kind: SummaryFullEvents}
	}

	b := dt.db.NewBatch()
	for _, day := range ordered {
		eps := days[day]
		wholeDay := false
		for _, ep := range eps {
			if ep == 0 {
				wholeDay = true
				break
			}
		}
		if wholeDay {
			err = dt.rebuildDay(snap, b, day, ev, full)
		} else {
			err = dt.updateDayEpisodes(snap, b, day, eps, ev, full)
		}
		if err != nil {
			dt.log.ErrorCtx(ctx, "day rebuild failed", "day", day, "err", err)
		}
	}
	ev.Normalize(dt.env, dt.holidays)
	full.Normalize(dt.env, dt.holidays)
	if err = ev.save(b); err == nil {
		err = full.save(b)
	}
	if err == nil {
		err = dt.db.Apply(b, dt.opts.PebbleWriteOptions)
	}
	if err != nil {
		dt.log.ErrorCtx(ctx, "day batch commit failed", "err", err)
		return len(entries)
	}
	if err = dt.deleteDrained(entries); err != nil {
		dt.log.ErrorCtx(ctx, "invalidation cleanup failed", "err", err)
	}
	return len(entries)
}

func (dt *DayTable) refreshViewpoints(ctx context.Context, snap pebble.Reader) int {
	entries := dt.drainInvalidations(snap, keys.PrefViewpointInval, dt.opts.BatchSize)
	if len(entries) == 0 {
		return 0
	}

	convo, err := loadSummary(dt.db, SummaryConversations)
	if err != nil {
		dt.log.ErrorCtx(ctx, "resetting unreadable conversation summary", "err", err)
		convo = &Summary{Kind: SummaryConversations}
	}
	unviewed, err := loadSummary(dt.db, SummaryUnviewed)
	if err != nil {
		dt.log.ErrorCtx(ctx, "resetting unreadable unviewed summary", "err", err)
		unviewed = &Summary{Kind: SummaryUnviewed}
	}

	b := dt.db.NewBatch()
	seen := map[int64]struct{}{}
	for _, e := range entries {
		_, vpid, ok := keys.ViewpointInvalKeyParse(e.key)
		if !ok {
			dt.log.ErrorCtx(ctx, "skipping malformed viewpoint invalidation", "key", e.key)
			continue
		}
		if _, dup := seen[vpid]; dup {
			continue
		}
		seen[vpid] = struct{}{}
		if err := dt.rebuildViewpoint(snap, b, vpid, convo, unviewed); err != nil {
			dt.log.ErrorCtx(ctx, "viewpoint rebuild failed", "viewpoint", vpid, "err", err)
		}
	}
	convo.Normalize(dt.env, dt.holidays)
	unviewed.Normalize(dt.env, dt.holidays)
	if err = convo.save(b); err == nil {
		err = unviewed.save(b)
	}
	if err == nil {
		err = dt.db.Apply(b, dt.opts.PebbleWriteOptions)
	}
	if err != nil {
		dt.log.ErrorCtx(ctx, "viewpoint batch commit failed", "err", err)
		return len(entries)
	}
	if err = dt.deleteDrained(entries); err != nil {
		dt.log.ErrorCtx(ctx, "invalidation cleanup failed", "err", err)
	}
	return len(entries)
}

// refreshUsers drains user-scope invalidations. Bookkeeping only for now.
func (dt *DayTable) refreshUsers(ctx context.Context, snap pebble.Reader) int {
	entries := dt.drainInvalidations(snap, keys.PrefUserInval, dt.opts.BatchSize)
	if err := dt.deleteDrained(entries); err != nil {
		dt.log.ErrorCtx(ctx, "user invalidation cleanup failed", "err", err)
	}
	return len(entries)
}

// rebuildViewpoint refreshes one conversation: its viewpoint summary, its
// inbox trapdoor, and its rows in the two conversation projections.
// Default, removed and missing viewpoints drop all derived state.
func (dt *DayTable) rebuildViewpoint(snap pebble.Reader, b *pebble.Batch, vpid int64, convo, unviewed *Summary) error {
	vp, ok := dt.source.Viewpoint(snap, vpid)
	if !ok || vp.Removed || vp.Type == content.ViewpointDefault {
		_ = b.Delete(keys.TrapdoorKey(vpid), nil)
		_ = b.Delete(keys.ViewpointSummaryKey(vpid), nil)
		_ = b.Delete(keys.SummaryRowIndexKey(byte(SummaryConversations), keys.RowIndexViewpoint, vpid), nil)
		_ = b.Delete(keys.SummaryRowIndexKey(byte(SummaryUnviewed), keys.RowIndexViewpoint, vpid), nil)
		convo.RemoveRow(vpid)
		unviewed.RemoveRow(vpid)
		return nil
	}

	var vs ViewpointSummary
	had, err := loadRecord(snap, keys.ViewpointSummaryKey(vpid), &vs)
	if err != nil {
		dt.log.Warn("dropping unreadable viewpoint summary", "viewpoint", vpid, "err", err)
		had = false
	}
	var vsp *ViewpointSummary
	if had {
		var fresh []*content.Activity
		for act := range dt.source.ActivitiesByViewpoint(snap, vpid) {
			if act.UpdateSeq > vs.ActivitySeq {
				fresh = append(fresh, act)
			}
		}
		dt.updateActivities(snap, &vs, vp, fresh)
		vsp = &vs
	} else {
		vsp = dt.rebuildViewpointSummary(snap, vp)
	}
	vsp.applyHeights(dt.env)
	if _, err = putRecordIfChanged(snap, b, keys.ViewpointSummaryKey(vpid), vsp); err != nil {
		return err
	}

	td := trapdoorFromSummary(vsp, vp, dt.photoTimestamp(snap))
	if _, err = putRecordIfChanged(snap, b, keys.TrapdoorKey(vpid), td); err != nil {
		return err
	}

	day := dt.CanonicalDayTimestamp(vsp.LatestTimestamp)
	row := SummaryRow{
		DayTimestamp:     day,
		Identifier:       vpid,
		PhotoCount:       td.PhotoCount,
		CommentCount:     td.CommentCount,
		ContributorCount: len(td.Contributors),
		Unviewed:         td.Unviewed,
	}
	convo.AddRow(row)
	loc := &rowLocator{Day: day, Identifier: vpid}
	if err = putRecord(b, keys.SummaryRowIndexKey(byte(SummaryConversations), keys.RowIndexViewpoint, vpid), loc); err != nil {
		return err
	}
	if td.Unviewed {
		unviewed.AddRow(row)
		return putRecord(b, keys.SummaryRowIndexKey(byte(SummaryUnviewed), keys.RowIndexViewpoint, vpid), loc)
	}
	unviewed.RemoveRow(vpid)
	return b.Delete(keys.SummaryRowIndexKey(byte(SummaryUnviewed), keys.RowIndexViewpoint, vpid), nil)
}

// sanityCheck is the debug-only consistency pass. Violations are fatal
// here and unchecked in production.
func (dt *DayTable) sanityCheck() {
	for _, kind := range []SummaryKind{SummaryConversations, SummaryUnviewed} {
		s, err := loadSummary(dt.db, kind)
		if err != nil {
			continue
		}
		seen := map[int64]struct{}{}
		for i := range s.Rows {
			id := s.Rows[i].Identifier
			if _, dup := seen[id]; dup {
				panic("daytable: duplicate viewpoint in summary")
			}
			seen[id] = struct{}{}
		}
	}
	for _, kind := range []SummaryKind{SummaryEvents, SummaryFullEvents, SummaryConversations, SummaryUnviewed} {
		s, err := loadSummary(dt.db, kind)
		if err != nil {
			continue
		}
		for i := 1; i < len(s.Rows); i++ {
			a, b := &s.Rows[i-1], &s.Rows[i]
			if !rowLess(a, b) {
				panic("daytable: summary rows out of order")
			}
		}
	}
}
