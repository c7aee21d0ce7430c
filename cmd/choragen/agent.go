package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jlneal/choragen/internal/llm"
	"github.com/jlneal/choragen/internal/session"
	"github.com/jlneal/choragen/internal/types"
)

var (
	flagRole            string
	flagMaxTokens       int
	flagMaxCost         float64
	flagRequireApproval bool
	flagChain           string
	flagModel           string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run and resume agent sessions",
}

var agentStartCmd = &cobra.Command{
	Use:   "start PROMPT",
	Short: "Start an agent session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown()

		cfg := session.Config{
			Role:     flagRole,
			Provider: rt.Config.Provider.Default,
			Model:    flagModel,
			Prompt:   strings.Join(args, " "),
			Budget: llm.Budget{
				MaxCost:   flagMaxCost,
				MaxTokens: flagMaxTokens,
			},
			RequireApproval: flagRequireApproval,
		}
		if flagChain != "" {
			chainID, err := types.ParseID(flagChain)
			if err != nil {
				return err
			}
			cfg.ChainID = chainID
		}

		sess, err := rt.Runner.Run(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		return reportSession(sess)
	},
}

var agentResumeCmd = &cobra.Command{
	Use:   "resume SESSION_ID",
	Short: "Resume a paused or recoverable failed session",
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

		sess, err := rt.Runner.Resume(cmd.Context(), id)
		if err != nil {
			return err
		}
		return reportSession(sess)
	},
}

func init() {
	agentStartCmd.Flags().StringVar(&flagRole, "role", "developer", "governance role for the session")
	agentStartCmd.Flags().StringVar(&flagModel, "model", "", "model identifier (defaults to the role's model)")
	agentStartCmd.Flags().IntVar(&flagMaxTokens, "max-tokens", 0, "token ceiling (0 = unlimited)")
	agentStartCmd.Flags().Float64Var(&flagMaxCost, "max-cost", 0, "cost ceiling in USD (0 = unlimited)")
	agentStartCmd.Flags().BoolVar(&flagRequireApproval, "require-approval", false, "pause at sensitive tool calls for approval")
	agentStartCmd.Flags().StringVar(&flagChain, "chain", "", "chain ID for lock-scope checks")

	agentCmd.AddCommand(agentStartCmd)
	agentCmd.AddCommand(agentResumeCmd)
}

// reportSession prints progress to stderr and the JSON summary to stdout.
// A session that ran but failed still exits non-zero.
func reportSession(sess *session.AgentSession) error {
	fmt.Fprintf(os.Stderr, "session %s finished with status %s (%d turns, $%.4f)\n",
		sess.ID, sess.Status, sess.TurnIndex, sess.Usage.TotalCost)

	summary := map[string]any{
		"id":     sess.ID.String(),
		"status": string(sess.Status),
		"turns":  sess.TurnIndex,
		"usage": map[string]any{
			"input_tokens":  sess.Usage.InputTokens,
			"output_tokens": sess.Usage.OutputTokens,
			"total_cost":    sess.Usage.TotalCost,
		},
		"final_text": sess.FinalText(),
	}
	if sess.Error != nil {
		summary["error"] = map[string]any{
			"code":        string(sess.Error.Code),
			"message":     sess.Error.Message,
			"recoverable": sess.Error.Recoverable,
		}
	}
	if err := printJSON(summary); err != nil {
		return err
	}

	if sess.Status == session.StatusFailed {
		return fmt.Errorf("session failed: %s", sess.Error.Message)
	}
	return nil
}
