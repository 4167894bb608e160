package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReportflowServer(t *testing.T) {
	s := NewReportflowServer(ReportflowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewReportflowServer(ReportflowServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"report.run_stage",
		"report.express",
		"report.promote",
		"report.delete_stage",
		"report.status",
		"report.query",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run_stage", "report.run_stage", "Execute a single pipeline stage for a report"},
		{"express", "report.express", "Run an ordered stage sequence end-to-end, halting on the first error"},
		{"promote", "report.promote", "Point the active draft back at an earlier snapshot without deleting anything"},
		{"delete_stage", "report.delete_stage", "Delete a stage's snapshot and cascade through everything derived from it"},
		{"status", "report.status", "Get a report's status, ledger state, and stage outputs"},
		{"query", "report.query", "Query reports, journal events, or scheduled jobs"},
	}

	s := NewReportflowServer(ReportflowServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
