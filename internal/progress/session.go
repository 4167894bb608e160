package progress

import (
	"time"

	"github.com/google/uuid"

	"github.com/nordiq/reportflow/pkg/schema"
)

// SubstepSpec declares one substep at session creation.
type SubstepSpec struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Substep tracks one sub-unit of progress within a stage execution.
type Substep struct {
	ID         string               `json:"id"`
	Label      string               `json:"label"`
	Status     schema.SubstepStatus `json:"status"`
	Percentage float64              `json:"percentage"`
	StartTime  *time.Time           `json:"start_time,omitempty"`
	EndTime    *time.Time           `json:"end_time,omitempty"`
	Message    string               `json:"message,omitempty"`
}

// Session is the ephemeral substep ledger for one (report, stage) execution.
// It is created at stage start, driven by exactly one writer (the stage
// runner), and garbage-collected after the retention window or explicit close.
type Session struct {
	ID                string               `json:"id"`
	ReportID          string               `json:"report_id"`
	StageID           string               `json:"stage_id"`
	Status            schema.SessionStatus `json:"status"`
	Substeps          []*Substep           `json:"substeps"`
	OverallPercentage float64              `json:"overall_percentage"`
	CreatedAt         time.Time            `json:"created_at"`
	ClosedAt          *time.Time           `json:"closed_at,omitempty"`
}

func newSession(reportID, stageID string, specs []SubstepSpec) *Session {
	subs := make([]*Substep, len(specs))
	for i, sp := range specs {
		subs[i] = &Substep{ID: sp.ID, Label: sp.Label, Status: schema.SubstepStatusPending}
	}
	return &Session{
		ID:        uuid.NewString(),
		ReportID:  reportID,
		StageID:   stageID,
		Status:    schema.SessionStatusActive,
		Substeps:  subs,
		CreatedAt: time.Now().UTC(),
	}
}

// substep finds a substep by id, or nil.
func (s *Session) substep(id string) *Substep {
	for _, sub := range s.Substeps {
		if sub.ID == id {
			return sub
		}
	}
	return nil
}

// recompute updates the overall percentage: completed / total * 100.
func (s *Session) recompute() {
	if len(s.Substeps) == 0 {
		s.OverallPercentage = 0
		return
	}
	completed := 0
	for _, sub := range s.Substeps {
		if sub.Status == schema.SubstepStatusCompleted {
			completed++
		}
	}
	s.OverallPercentage = float64(completed) / float64(len(s.Substeps)) * 100
}

// terminal reports whether the session has reached a final status.
func (s *Session) terminal() bool {
	return s.Status != schema.SessionStatusActive
}

// snapshot returns a deep copy safe to hand to readers.
func (s *Session) snapshot() *Session {
	cp := *s
	cp.Substeps = make([]*Substep, len(s.Substeps))
	for i, sub := range s.Substeps {
		subCopy := *sub
		cp.Substeps[i] = &subCopy
	}
	return &cp
}
