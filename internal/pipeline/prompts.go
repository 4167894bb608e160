package pipeline

import (
	"fmt"
	"strings"

	"github.com/nordiq/reportflow/internal/stages"
	"github.com/nordiq/reportflow/pkg/schema"
)

const (
	generationSystem = "You are a professional report writer. Produce complete, well-structured report content in plain prose."

	reviewSystem = `You are a critical report reviewer. Respond with a JSON object:
{"summary": "...", "changes": [{"section": "...", "description": "...", "original": "...", "suggested": "...", "severity": "low|medium|high"}]}
Propose concrete edits only; do not rewrite the document.`

	editorSystem = "You are a report editor. Apply the accepted changes to the draft and return the full revised document. Do not add commentary."
)

// buildGenerationPrompt assembles the prompt for a generation-role stage
// from the report metadata and all prior stage outputs.
func buildGenerationPrompt(report *schema.Report, stageID, customInput string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage: %s\n", stageID)
	if report.Title != "" {
		fmt.Fprintf(&b, "Report title: %s\n", report.Title)
	}

	for _, prior := range stages.Order {
		if prior == stageID {
			break
		}
		if out, ok := report.StageOutputs[prior]; ok && out != "" {
			fmt.Fprintf(&b, "\n--- Output of %s ---\n%s\n", prior, out)
		}
	}

	if customInput != "" {
		fmt.Fprintf(&b, "\nAdditional instructions:\n%s\n", customInput)
	}
	b.WriteString("\nWrite the report draft now.")
	return b.String()
}

// buildReviewPrompt asks for structured feedback on the current draft.
func buildReviewPrompt(stageID, currentContent string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review pass: %s\n\n", stageID)
	b.WriteString("Current draft:\n")
	b.WriteString(currentContent)
	b.WriteString("\n\nReturn your feedback as the specified JSON object.")
	return b.String()
}

// buildEditorPrompt assembles the merge prompt from the current draft and
// the accepted changes.
func buildEditorPrompt(currentContent string, changes []schema.FeedbackChange) string {
	var b strings.Builder
	b.WriteString("Current draft:\n")
	b.WriteString(currentContent)
	b.WriteString("\n\nAccepted changes:\n")
	for i, c := range changes {
		fmt.Fprintf(&b, "%d. %s", i+1, c.Description)
		if c.Section != "" {
			fmt.Fprintf(&b, " (section: %s)", c.Section)
		}
		if c.Suggested != "" {
			fmt.Fprintf(&b, "\n   suggested: %s", c.Suggested)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nReturn the full revised document.")
	return b.String()
}
