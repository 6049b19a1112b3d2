package worker

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"evermem/internal/memerr"
	"evermem/internal/memtypes"
	"evermem/internal/store"
	"evermem/internal/syncsvc"
)

// queueKey routes private conversations alongside groups.
func queueKey(msg memtypes.PendingMessage) string {
	if msg.GroupID != "" {
		return msg.GroupID
	}
	return "user:" + msg.SenderID
}

// process runs the full ingest pipeline for one message: log it, accumulate
// it, attempt segmentation, and when an episode is promoted, derive and
// index its records. Re-ingesting a known message_id is a no-op.
func (d *Dispatcher) process(ctx context.Context, t Task) error {
	msg := t.Msg
	msg.SyncStatus = memtypes.SyncRecorded
	msg.RequestID = t.RequestID

	created, err := d.deps.Store.RequestLog.Append(ctx, msg)
	if err != nil {
		return err
	}
	if !created {
		log.Debug().Str("message_id", msg.MessageID).Msg("memorize_duplicate_ignored")
		return nil
	}

	key := queueKey(msg)
	if err := d.deps.Queue.Append(ctx, key, msg); err != nil {
		return err
	}
	_, err = d.segmentOnce(ctx, key, msg.GroupID)
	return err
}

// segmentOnce reconstructs the window and runs one segmentation attempt,
// returning the promoted cell if any. The request log is the system of
// record: when the queue has expired (cold start, crash recovery) the window
// is rebuilt from pending log rows.
func (d *Dispatcher) segmentOnce(ctx context.Context, key, groupID string) (*memtypes.MemCell, error) {
	window, err := d.deps.Queue.Range(ctx, key, time.Time{}, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	if len(window) == 0 {
		window, err = d.deps.Store.RequestLog.FindPending(ctx, pendingQueryFor(key, groupID))
		if err != nil {
			return nil, err
		}
		for _, m := range window {
			if err := d.deps.Queue.Append(ctx, key, m); err != nil {
				return nil, err
			}
		}
	}
	if len(window) == 0 {
		return nil, nil
	}

	lastCell := d.lastMemCell(ctx, groupID)
	cell, err := d.deps.Segment.Segment(ctx, key, groupID, window, lastCell, time.Now().UTC())
	if err != nil || cell == nil {
		return nil, err
	}
	if err := d.afterPromotion(ctx, *cell); err != nil {
		return nil, err
	}
	if err := d.updateWatermarks(ctx, key, groupID, *cell); err != nil {
		return nil, err
	}
	return cell, nil
}

func pendingQueryFor(key, groupID string) store.FindPendingQuery {
	q := store.FindPendingQuery{GroupID: groupID}
	if groupID == "" {
		q.UserID = strings.TrimPrefix(key, "user:")
	}
	return q
}

// afterPromotion derives and indexes the records of a fresh episode. The
// derived phase either fully succeeds or is rolled back record by record;
// the episode itself stays, its promotion was committed by the segmentation
// engine.
func (d *Dispatcher) afterPromotion(ctx context.Context, cell memtypes.MemCell) error {
	var createdEvents, createdSemantics []string
	rollback := func() {
		bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, id := range createdEvents {
			if err := d.deps.Store.Events.Delete(bg, id); err != nil {
				log.Warn().Err(err).Str("log_id", id).Msg("rollback_event_delete_failed")
			}
			d.deps.Sync.Remove(bg, id)
		}
		for _, id := range createdSemantics {
			if err := d.deps.Store.Semantics.Delete(bg, id); err != nil {
				log.Warn().Err(err).Str("memory_id", id).Msg("rollback_semantic_delete_failed")
			}
			d.deps.Sync.Remove(bg, id)
		}
	}

	events, err := d.deps.Extract.AtomicEvents(ctx, cell)
	if err != nil {
		return err
	}
	semantics, err := d.deps.Extract.SemanticMemories(ctx, cell)
	if err != nil {
		return err
	}
	deltas, err := d.deps.Extract.ProfileDeltas(ctx, cell)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := d.deps.Store.Events.Insert(ctx, ev); err != nil {
			rollback()
			return err
		}
		createdEvents = append(createdEvents, ev.LogID)
	}
	for _, m := range semantics {
		if err := d.deps.Store.Semantics.Insert(ctx, m); err != nil {
			rollback()
			return err
		}
		createdSemantics = append(createdSemantics, m.MemoryID)
	}
	if ctx.Err() != nil {
		rollback()
		return memerr.Transient("worker.after_promotion", ctx.Err())
	}

	clusterID, clusterState, err := d.clusterAssign(ctx, cell)
	if err != nil {
		rollback()
		return err
	}

	// Index the episode and its derived records. Partial index failure is
	// reported, not fatal: the reconciler or an explicit resync repairs it.
	results := []syncsvc.Result{d.deps.Sync.SyncMemCell(ctx, cell)}
	for _, ev := range events {
		results = append(results, d.deps.Sync.SyncEvent(ctx, ev))
	}
	for _, m := range semantics {
		results = append(results, d.deps.Sync.SyncSemantic(ctx, m))
	}
	for _, r := range results {
		if !r.Ok() {
			log.Warn().Str("id", r.ID).Bool("lexical", r.Lexical).Bool("vector", r.Vector).
				Msg("derived_record_index_incomplete")
		}
	}

	if d.deps.Cluster.TriggersProfileRefresh(clusterState, clusterID) {
		scene := d.sceneFor(ctx, cell.GroupID)
		for _, userID := range cell.Participants {
			userDeltas := deltasFor(deltas, userID)
			if err := d.deps.Profile.Rebuild(ctx, userID, cell.GroupID, scene, userDeltas); err != nil {
				log.Error().Err(err).Str("user_id", userID).Str("group_id", cell.GroupID).
					Msg("profile_refresh_failed")
			}
		}
	}
	return nil
}

func (d *Dispatcher) clusterAssign(ctx context.Context, cell memtypes.MemCell) (string, *memtypes.ClusterState, error) {
	state, err := d.deps.Store.Clusters.Get(ctx, cell.GroupID)
	if err != nil {
		return "", nil, err
	}
	clusterID := d.deps.Cluster.Assign(state, cell.EventID, cell.Embedding, cell.Timestamp)
	if err := d.deps.Store.Clusters.Save(ctx, state); err != nil {
		return "", nil, err
	}
	return clusterID, state, nil
}

func (d *Dispatcher) sceneFor(ctx context.Context, groupID string) memtypes.Scene {
	if groupID == "" {
		return memtypes.SceneAssistant
	}
	meta, err := d.deps.Store.Metas.Get(ctx, groupID)
	if err != nil {
		return memtypes.SceneAssistant
	}
	if meta.Scene == "" {
		return memtypes.SceneAssistant
	}
	return meta.Scene
}

func (d *Dispatcher) lastMemCell(ctx context.Context, groupID string) *memtypes.MemCell {
	if groupID == "" {
		return nil
	}
	cells, err := d.deps.Store.MemCells.ListByGroup(ctx, groupID, nil, nil, 0)
	if err != nil || len(cells) == 0 {
		return nil
	}
	last := cells[len(cells)-1]
	return &last
}

func (d *Dispatcher) updateWatermarks(ctx context.Context, key, groupID string, cell memtypes.MemCell) error {
	st, err := d.deps.Store.Statuses.Get(ctx, groupID)
	if err != nil {
		return err
	}
	remaining, err := d.deps.Queue.Range(ctx, key, time.Time{}, time.Time{}, 1)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		st.OldMsgStartTime = remaining[0].CreatedAt
		st.NewMsgStartTime = remaining[0].CreatedAt
	} else {
		st.OldMsgStartTime = cell.Timestamp
		st.NewMsgStartTime = cell.Timestamp
	}
	st.LastMemCellTime = cell.Timestamp
	st.UpdatedAt = time.Now().UTC()
	return d.deps.Store.Statuses.Upsert(ctx, st)
}

// Replay re-drives segmentation over already-recorded pending messages for a
// group until no further episode is promoted. It is idempotent: consumed
// messages never re-enter a window.
func (d *Dispatcher) Replay(ctx context.Context, groupID string) (int, error) {
	if groupID == "" {
		return 0, memerr.InvalidInput("worker.replay", "group_id is required")
	}
	promoted := 0
	for {
		cell, err := d.segmentOnce(ctx, groupID, groupID)
		if err != nil {
			return promoted, err
		}
		if cell == nil {
			return promoted, nil
		}
		promoted++
	}
}

func deltasFor(deltas []memtypes.ProfileDelta, userID string) []memtypes.ProfileDelta {
	var out []memtypes.ProfileDelta
	for _, d := range deltas {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out
}
