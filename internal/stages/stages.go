package stages

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nordiq/reportflow/pkg/schema"
)

// Role classifies what a stage does to the report.
type Role string

const (
	// RoleGeneration produces a new concept snapshot directly.
	RoleGeneration Role = "generation"
	// RoleReview produces structured feedback only and never touches the concept.
	RoleReview Role = "review"
	// RoleEditor merges accepted feedback into a new concept snapshot.
	RoleEditor Role = "editor"
)

// Catalogue stage identifiers, in pipeline order.
const (
	StageCheck      = "check"
	StageComplexity = "complexity"
	StageGenerate   = "generate"
	StageReviewA    = "review_a"
	StageReviewB    = "review_b"
	StageReviewC    = "review_c"
	StageReviewD    = "review_d"
	StageReviewE    = "review_e"
	StageReviewF    = "review_f"
	StageEditor     = "editor"
)

// Order is the fixed total order of catalogue stages. Cascade deletion and
// default express sequencing rely on this order.
var Order = []string{
	StageCheck,
	StageComplexity,
	StageGenerate,
	StageReviewA,
	StageReviewB,
	StageReviewC,
	StageReviewD,
	StageReviewE,
	StageReviewF,
	StageEditor,
}

var roles = map[string]Role{
	StageCheck:      RoleGeneration,
	StageComplexity: RoleGeneration,
	StageGenerate:   RoleGeneration,
	StageReviewA:    RoleReview,
	StageReviewB:    RoleReview,
	StageReviewC:    RoleReview,
	StageReviewD:    RoleReview,
	StageReviewE:    RoleReview,
	StageReviewF:    RoleReview,
	StageEditor:     RoleEditor,
}

var (
	manualEditRe = regexp.MustCompile(`^manual_edit_\d+$`)
	adjustmentRe = regexp.MustCompile(`^adjustment_\d+$`)
)

// RoleOf returns the role of a stage id. Synthetic ids (manual_edit_N,
// adjustment_N) are editor-role: they consume the latest concept and
// produce a new snapshot.
func RoleOf(stageID string) (Role, error) {
	if r, ok := roles[stageID]; ok {
		return r, nil
	}
	if manualEditRe.MatchString(stageID) || adjustmentRe.MatchString(stageID) {
		return RoleEditor, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown stage %q", stageID).WithStage(stageID)
}

// IsKnown reports whether stageID names a catalogue or synthetic stage.
func IsKnown(stageID string) bool {
	_, err := RoleOf(stageID)
	return err == nil
}

// IndexOf returns the position of a catalogue stage in Order, or -1.
func IndexOf(stageID string) int {
	for i, s := range Order {
		if s == stageID {
			return i
		}
	}
	return -1
}

// CascadeSpan returns the stages at or after stageID in order. Deletion
// cascades forward only: earlier stages are never touched.
func CascadeSpan(stageID string, order []string) ([]string, error) {
	for i, s := range order {
		if s == stageID {
			span := make([]string, len(order)-i)
			copy(span, order[i:])
			return span, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "stage %q is not in the stage order", stageID).WithStage(stageID)
}

// EffectiveOrder returns Order extended with every synthetic stage id present
// in the report, appended after editor. Synthetic snapshots layer on top of
// the catalogue, so a cascade starting at any catalogue stage sweeps them all,
// and deleting one synthetic stage sweeps the ones created after it.
func EffectiveOrder(snapshots map[string]schema.Snapshot, outputs map[string]string) []string {
	seen := make(map[string]struct{})
	var synth []string
	collect := func(id string) {
		if !IsSynthetic(id) {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		synth = append(synth, id)
	}
	for id := range snapshots {
		collect(id)
	}
	for id := range outputs {
		collect(id)
	}

	// Creation order: snapshot versions are per-report monotonic, so they
	// give the true layering. Ids without a snapshot sort by suffix.
	sort.Slice(synth, func(i, j int) bool {
		si, iok := snapshots[synth[i]]
		sj, jok := snapshots[synth[j]]
		switch {
		case iok && jok:
			return si.Version < sj.Version
		case iok != jok:
			return iok
		}
		if a, b := syntheticNum(synth[i]), syntheticNum(synth[j]); a != b {
			return a < b
		}
		return synth[i] < synth[j]
	})

	order := make([]string, 0, len(Order)+len(synth))
	order = append(order, Order...)
	return append(order, synth...)
}

func syntheticNum(stageID string) int {
	idx := strings.LastIndexByte(stageID, '_')
	n, err := strconv.Atoi(stageID[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// ReviewStages returns the review-role catalogue stages in order.
func ReviewStages() []string {
	var out []string
	for _, s := range Order {
		if roles[s] == RoleReview {
			out = append(out, s)
		}
	}
	return out
}

// ManualEditID returns the synthetic stage id for the n-th user edit.
func ManualEditID(n int) string {
	return fmt.Sprintf("manual_edit_%d", n)
}

// AdjustmentID returns the synthetic stage id for the n-th adjustment merge.
func AdjustmentID(n int) string {
	return fmt.Sprintf("adjustment_%d", n)
}

// NextSyntheticID allocates the next free synthetic id with the given prefix
// ("manual_edit" or "adjustment") by scanning existing snapshot keys.
func NextSyntheticID(prefix string, existing map[string]schema.Snapshot) string {
	n := 1
	for {
		id := fmt.Sprintf("%s_%d", prefix, n)
		if _, ok := existing[id]; !ok {
			return id
		}
		n++
	}
}

// IsSynthetic reports whether the id is a manual edit or adjustment stage.
func IsSynthetic(stageID string) bool {
	return strings.HasPrefix(stageID, "manual_edit_") || strings.HasPrefix(stageID, "adjustment_")
}
