package main

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/nordiq/reportflow/internal/pipeline"
	"github.com/nordiq/reportflow/internal/stages"
	"github.com/nordiq/reportflow/internal/streaming"
	"github.com/nordiq/reportflow/pkg/schema"
)

func newExpressCmd() *cobra.Command {
	var (
		stageList         []string
		includeGeneration bool
		autoAccept        bool
	)

	cmd := &cobra.Command{
		Use:   "express <report-id>",
		Short: "Run a report through the full stage sequence in-process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpress(cmd, args[0], pipeline.ExpressOptions{
				Stages:            stageList,
				IncludeGeneration: includeGeneration,
				AutoAccept:        autoAccept,
			})
		},
	}

	cmd.Flags().StringSliceVar(&stageList, "stages", nil, "stage sequence to run (default: all review stages)")
	cmd.Flags().BoolVar(&includeGeneration, "include-generation", false, "run the generate stage first")
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "merge review findings without confirmation")

	return cmd
}

func runExpress(cmd *cobra.Command, reportID string, opts pipeline.ExpressOptions) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sequence := opts.Stages
	if len(sequence) == 0 {
		sequence = stages.ReviewStages()
		if opts.IncludeGeneration {
			sequence = append([]string{stages.StageGenerate}, sequence...)
		}
	}

	events, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{
		ReportID: reportID,
		EventTypes: []string{
			schema.EventStageComplete,
			schema.EventStageError,
		},
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	bar := progressbar.Default(int64(len(sequence)), "Running stages")
	done := make(chan *pipeline.ExpressResult, 1)
	go func() {
		done <- a.orch.Run(ctx, reportID, opts)
	}()

	var result *pipeline.ExpressResult
	for result == nil {
		select {
		case <-events:
			_ = bar.Add(1)
		case result = <-done:
		}
	}
	_ = bar.Finish()

	fmt.Println()
	for _, s := range result.Stages {
		switch s.Status {
		case "error":
			fmt.Printf("  %-14s error: %s\n", s.StageID, s.Error)
		case "skipped":
			fmt.Printf("  %-14s skipped\n", s.StageID)
		default:
			fmt.Printf("  %-14s %d change(s)\n", s.StageID, s.ChangeCount)
		}
	}
	fmt.Printf("\n%d total change(s) in %s", result.TotalChanges, result.Duration.Round(time.Millisecond))
	if result.FinalVersion > 0 {
		fmt.Printf(", draft at v%d", result.FinalVersion)
	}
	fmt.Println()

	if result.Err != nil {
		return fmt.Errorf("express run halted: %w", result.Err)
	}
	return nil
}
