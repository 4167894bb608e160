package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nordiq/reportflow/internal/ai"
	"github.com/nordiq/reportflow/internal/progress"
	"github.com/nordiq/reportflow/internal/store"
	"github.com/nordiq/reportflow/internal/streaming"
	"github.com/nordiq/reportflow/pkg/schema"
)

// --- Mock implementations ---

// mockStore is a minimal in-memory Store for testing.
type mockStore struct {
	mu      sync.Mutex
	reports map[string]*store.Report
	events  []*store.Event
	jobs    map[string]*store.ScheduledJob
	secrets map[string][]byte
}

func newMockStore() *mockStore {
	return &mockStore{
		reports: make(map[string]*store.Report),
		jobs:    make(map[string]*store.ScheduledJob),
		secrets: make(map[string][]byte),
	}
}

func (m *mockStore) CreateReport(_ context.Context, r *store.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = cloneReport(r)
	return nil
}

func (m *mockStore) GetReport(_ context.Context, id string) (*store.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "report %q not found", id)
	}
	return cloneReport(r), nil
}

func (m *mockStore) UpdateReport(_ context.Context, id string, update store.ReportUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "report %q not found", id)
	}
	if update.Title != nil {
		r.Title = *update.Title
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.CurrentStage != nil {
		r.CurrentStage = *update.CurrentStage
	}
	if update.StageOutputs != nil {
		r.StageOutputs = cloneOutputs(update.StageOutputs)
	}
	if update.Ledger != nil {
		r.Ledger = cloneLedger(update.Ledger)
	}
	return nil
}

func (m *mockStore) ListReports(_ context.Context, _ store.ReportFilter) ([]*store.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Report
	for _, r := range m.reports {
		out = append(out, cloneReport(r))
	}
	return out, nil
}

func (m *mockStore) DeleteReport(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reports, id)
	return nil
}

func (m *mockStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, _ string, _ int64) ([]*store.Event, error) {
	return nil, nil
}

func (m *mockStore) GetEventsByType(_ context.Context, _ string, _ store.EventFilter) ([]*store.Event, error) {
	return nil, nil
}

func (m *mockStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *mockStore) GetScheduledJob(_ context.Context, id string) (*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	return j, nil
}

func (m *mockStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockStore) ListScheduledJobs(_ context.Context, _ store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledJob
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *mockStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *mockStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = value
	return nil
}

func (m *mockStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *mockStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, key)
	return nil
}

func (m *mockStore) ListSecrets(_ context.Context) ([]string, error) { return nil, nil }

func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Vacuum(_ context.Context) error  { return nil }
func (m *mockStore) Close() error                    { return nil }

func cloneReport(r *store.Report) *store.Report {
	cp := *r
	cp.StageOutputs = cloneOutputs(r.StageOutputs)
	cp.Ledger = cloneLedger(r.Ledger)
	return &cp
}

func cloneOutputs(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneLedger(l *schema.Ledger) *schema.Ledger {
	if l == nil {
		return schema.NewLedger()
	}
	b, _ := json.Marshal(l)
	cp := schema.NewLedger()
	_ = json.Unmarshal(b, cp)
	if cp.Snapshots == nil {
		cp.Snapshots = make(map[string]schema.Snapshot)
	}
	return cp
}

// --- Test fixtures ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store  *mockStore
	hub    *streaming.MemoryHub
	bus    *progress.Bus
	runner *Runner
}

// newFixture wires a runner over the mock store with a scripted generator.
func newFixture(t *testing.T, respond func(ctx context.Context, req ai.GenerateRequest) (string, error)) *fixture {
	t.Helper()
	ms := newMockStore()
	hub := streaming.NewMemoryHub(nil)
	bus := progress.NewBus(hub, testLogger(), progress.WithTokenStreaming(4, 0))

	runner, err := NewRunner(ms, ai.NewDummyGenerator(respond), bus, hub, testLogger())
	require.NoError(t, err)

	return &fixture{store: ms, hub: hub, bus: bus, runner: runner}
}

func seedReport(t *testing.T, f *fixture, id string) *schema.Report {
	t.Helper()
	report, err := f.runner.CreateReport(context.Background(), id, "", "test report")
	require.NoError(t, err)
	return report
}
