package ledger

import (
	"sort"
	"time"

	"github.com/nordiq/reportflow/pkg/schema"
)

// CreateSnapshot allocates the next monotonic version, stores the snapshot
// under stageID and appends a "create" history entry. Re-calling with the
// same stageID overwrites the snapshot with a higher version; versions are
// per report, never per stage.
func CreateSnapshot(l *schema.Ledger, stageID, content, source string) schema.Snapshot {
	normalize(l)

	version := 1
	if l.Latest != nil {
		version = l.Latest.Version + 1
	}

	snap := schema.Snapshot{
		Content:   content,
		Version:   version,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
	l.Snapshots[stageID] = snap
	l.History = append(l.History, schema.HistoryEntry{
		StageID:   stageID,
		Version:   version,
		Timestamp: snap.Timestamp,
		Action:    schema.HistoryActionCreate,
	})
	return snap
}

// AdvanceLatest repoints the latest pointer. Called after CreateSnapshot for
// generation and editor stages; review stages never advance.
func AdvanceLatest(l *schema.Ledger, stageID string, version int) {
	l.Latest = &schema.LatestRef{Pointer: stageID, Version: version}
}

// Promote repoints latest to an existing snapshot recorded in history and
// appends a "promote" history entry. Non-destructive: snapshots and later
// history rows are untouched.
func Promote(l *schema.Ledger, stageID, reason string) (*schema.LatestRef, error) {
	normalize(l)

	recorded := false
	for _, h := range l.History {
		if h.StageID == stageID {
			recorded = true
			break
		}
	}
	snap, ok := l.Snapshots[stageID]
	if !recorded || !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no recorded version for stage %q", stageID).WithStage(stageID)
	}

	l.Latest = &schema.LatestRef{Pointer: stageID, Version: snap.Version}
	l.History = append(l.History, schema.HistoryEntry{
		StageID:   stageID,
		Version:   snap.Version,
		Timestamp: time.Now().UTC(),
		Action:    schema.HistoryActionPromote,
		Reason:    reason,
	})
	return l.Latest, nil
}

// CascadeDelete removes stageID and every stage at or after it in stageOrder
// from the snapshots and the stage output map, drops their history rows, and
// recomputes latest. Earlier stages are never touched.
//
// Latest recompute is dual-strategy: history rows sorted newest-first are the
// primary source, but history can drift from snapshots after partial failures,
// so a backward scan over stageOrder is kept as fallback.
// Returns the stage ids actually removed from snapshots or outputs.
func CascadeDelete(l *schema.Ledger, outputs map[string]string, stageID string, stageOrder []string) ([]string, error) {
	normalize(l)

	idx := -1
	for i, s := range stageOrder {
		if s == stageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"stage %q is not in the stage order", stageID).WithStage(stageID)
	}

	span := make(map[string]struct{}, len(stageOrder)-idx)
	for _, s := range stageOrder[idx:] {
		span[s] = struct{}{}
	}

	var removed []string
	for s := range span {
		_, hadSnap := l.Snapshots[s]
		_, hadOut := outputs[s]
		if hadSnap || hadOut {
			removed = append(removed, s)
		}
		delete(l.Snapshots, s)
		delete(outputs, s)
	}
	sort.Strings(removed)

	filtered := l.History[:0]
	for _, h := range l.History {
		if _, gone := span[h.StageID]; !gone {
			filtered = append(filtered, h)
		}
	}
	l.History = filtered

	l.Latest = recomputeLatest(l, stageOrder, idx)
	return removed, nil
}

// recomputeLatest finds the most recent still-valid state after a cascade.
func recomputeLatest(l *schema.Ledger, stageOrder []string, deletedIdx int) *schema.LatestRef {
	// Primary: newest history row whose stage still has a snapshot.
	byTime := make([]schema.HistoryEntry, len(l.History))
	copy(byTime, l.History)
	sort.SliceStable(byTime, func(i, j int) bool {
		return byTime[i].Timestamp.After(byTime[j].Timestamp)
	})
	for _, h := range byTime {
		if snap, ok := l.Snapshots[h.StageID]; ok {
			return &schema.LatestRef{Pointer: h.StageID, Version: snap.Version}
		}
	}

	// Fallback: walk the stage order backward from the deleted index.
	for i := deletedIdx - 1; i >= 0; i-- {
		if snap, ok := l.Snapshots[stageOrder[i]]; ok {
			return &schema.LatestRef{Pointer: stageOrder[i], Version: snap.Version}
		}
	}
	return nil
}

// ResolveLatestContent returns the content of the snapshot latest points to.
// The second return is false when there is no current concept.
func ResolveLatestContent(l *schema.Ledger) (string, bool) {
	if l == nil || l.Latest == nil {
		return "", false
	}
	snap, ok := l.Snapshots[l.Latest.Pointer]
	if !ok {
		return "", false
	}
	return snap.Content, true
}

// normalize initializes nil maps so persisted ledgers from older rows are safe
// to mutate. Snapshots are always structured records; a bare string is never
// accepted in place of one.
func normalize(l *schema.Ledger) {
	if l.Snapshots == nil {
		l.Snapshots = make(map[string]schema.Snapshot)
	}
}
