package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/nordiq/reportflow/internal/metrics"
	"github.com/nordiq/reportflow/pkg/schema"
)

// DefaultDedupTimeout bounds how long an in-flight entry can block
// duplicates before it is presumed hung and evicted.
const DefaultDedupTimeout = 6 * time.Minute

// inflight is one pending execution shared by all collapsed callers.
type inflight struct {
	done   chan struct{}
	result *ExecuteResult
	err    error
}

// Deduplicator collapses concurrent executions of the same (report, stage)
// key into a single in-flight call. Duplicates wait on the original and
// receive the identical result. Entries clear when the call settles, or
// after the timeout if it never does, so a hung call cannot lock a stage
// out permanently.
type Deduplicator struct {
	mu      sync.Mutex
	entries map[string]*inflight
	timeout time.Duration
}

// NewDeduplicator creates a Deduplicator. A non-positive timeout uses
// DefaultDedupTimeout.
func NewDeduplicator(timeout time.Duration) *Deduplicator {
	if timeout <= 0 {
		timeout = DefaultDedupTimeout
	}
	return &Deduplicator{
		entries: make(map[string]*inflight),
		timeout: timeout,
	}
}

func dedupKey(reportID, stageID string) string {
	return reportID + "/" + stageID
}

// RunExclusive executes fn at most once per key concurrently. The second
// and later callers with the same live key do not invoke fn; they block
// until the first call settles and share its result.
func (d *Deduplicator) RunExclusive(ctx context.Context, reportID, stageID string, fn func(ctx context.Context) (*ExecuteResult, error)) (*ExecuteResult, error) {
	key := dedupKey(reportID, stageID)

	d.mu.Lock()
	if entry, ok := d.entries[key]; ok {
		d.mu.Unlock()
		metrics.DedupCollapsed(stageID)
		// Joiners bound their wait by the same timeout that evicts a hung
		// entry, so a stuck original strands no callers.
		wait := time.NewTimer(d.timeout)
		defer wait.Stop()
		select {
		case <-entry.done:
			return entry.result, entry.err
		case <-wait.C:
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"in-flight execution did not settle within %s", d.timeout).
				WithReport(reportID).WithStage(stageID)
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "wait for in-flight execution cancelled").
				WithReport(reportID).WithStage(stageID).WithCause(ctx.Err())
		}
	}

	entry := &inflight{done: make(chan struct{})}
	d.entries[key] = entry
	d.mu.Unlock()

	// Eviction guard for a call that never settles.
	timer := time.AfterFunc(d.timeout, func() {
		d.remove(key, entry)
	})

	entry.result, entry.err = fn(ctx)
	close(entry.done)
	timer.Stop()
	d.remove(key, entry)

	return entry.result, entry.err
}

// InFlight reports whether an execution is currently live for the key.
func (d *Deduplicator) InFlight(reportID, stageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[dedupKey(reportID, stageID)]
	return ok
}

// remove clears the entry only if it is still the same one, so a timed-out
// slot replaced by a newer execution is not clobbered.
func (d *Deduplicator) remove(key string, entry *inflight) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.entries[key]; ok && current == entry {
		delete(d.entries, key)
	}
}
