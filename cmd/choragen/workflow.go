package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jlneal/choragen/internal/types"
	"github.com/jlneal/choragen/internal/workflow"
)

var (
	flagTemplate string
	flagRequest  string
	flagBy       string
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Create, advance, and inspect workflows",
}

var workflowStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a workflow from a template",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown()

		w, err := rt.Workflows.Create(cmd.Context(), flagTemplate, flagRequest, nil)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "workflow %s started from template %q (stage %q active)\n",
			w.ID, w.Template, w.Stages[0].Name)
		return printJSON(workflowSummary(w))
	},
}

var workflowAdvanceCmd = &cobra.Command{
	Use:   "advance WORKFLOW_ID",
	Short: "Advance a workflow past its active stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseID(args[0])
		if err != nil {
			return err
		}

		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown()

		w, err := rt.Workflows.Advance(cmd.Context(), id)
		if err != nil {
			return err
		}

		if w.Status == workflow.WorkflowCompleted {
			fmt.Fprintf(os.Stderr, "workflow %s completed\n", w.ID)
		} else {
			fmt.Fprintf(os.Stderr, "workflow %s advanced to stage %q\n",
				w.ID, w.Stages[w.CurrentStage].Name)
		}
		return printJSON(workflowSummary(w))
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status [WORKFLOW_ID]",
	Short: "Show one workflow, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown()

		if len(args) == 1 {
			id, err := types.ParseID(args[0])
			if err != nil {
				return err
			}
			w, err := rt.Workflows.Get(id)
			if err != nil {
				return err
			}
			return printJSON(workflowSummary(w))
		}

		workflows, err := rt.Workflows.List()
		if err != nil {
			return err
		}
		summaries := make([]map[string]any, 0, len(workflows))
		for _, w := range workflows {
			summaries = append(summaries, workflowSummary(w))
		}
		return printJSON(summaries)
	},
}

var workflowApproveCmd = &cobra.Command{
	Use:   "approve WORKFLOW_ID STAGE_INDEX",
	Short: "Satisfy a stage's gate (the only way past a human_approval gate)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseID(args[0])
		if err != nil {
			return err
		}
		var stageIndex int
		if _, err := fmt.Sscanf(args[1], "%d", &stageIndex); err != nil {
			return fmt.Errorf("invalid stage index %q", args[1])
		}

		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown()

		if err := rt.Workflows.SatisfyGate(id, stageIndex, flagBy); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "gate for stage %d of workflow %s satisfied by %q\n",
			stageIndex, id, flagBy)
		return nil
	},
}

func init() {
	workflowStartCmd.Flags().StringVar(&flagTemplate, "template", "standard", "workflow template name")
	workflowStartCmd.Flags().StringVar(&flagRequest, "request", "", "request identifier")
	_ = workflowStartCmd.MarkFlagRequired("request")

	workflowApproveCmd.Flags().StringVar(&flagBy, "by", "operator", "who satisfies the gate")

	workflowCmd.AddCommand(workflowStartCmd)
	workflowCmd.AddCommand(workflowAdvanceCmd)
	workflowCmd.AddCommand(workflowStatusCmd)
	workflowCmd.AddCommand(workflowApproveCmd)
}

// workflowSummary is the machine-readable shape written to stdout.
func workflowSummary(w *workflow.Workflow) map[string]any {
	stages := make([]map[string]any, 0, len(w.Stages))
	for _, s := range w.Stages {
		stages = append(stages, map[string]any{
			"name":           s.Name,
			"type":           string(s.Type),
			"status":         string(s.Status),
			"gate":           string(s.Gate.Type),
			"gate_satisfied": s.Gate.Satisfied,
		})
	}
	summary := map[string]any{
		"id":            w.ID.String(),
		"template":      w.Template,
		"request_id":    w.RequestID,
		"status":        string(w.Status),
		"current_stage": w.CurrentStage,
		"stages":        stages,
	}
	if w.DiscardReason != "" {
		summary["discard_reason"] = w.DiscardReason
	}
	return summary
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
