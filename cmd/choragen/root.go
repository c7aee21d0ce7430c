package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jlneal/choragen/internal/config"
	"github.com/jlneal/choragen/internal/runtime"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "choragen",
	Short: "Choragen - governed LLM agent orchestration",
	Long: `Choragen coordinates autonomous LLM-driven agents through staged
workflows, with every tool call validated against role and governance
boundaries and every chain's file scope locked against conflicts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "choragen.yaml", "path to the configuration file")
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(agentCmd)
}

// Execute runs the root command with signal handling. SIGINT and SIGTERM
// cancel the command context; sessions observe cancellation between turns
// and pause cleanly.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

// buildRuntime loads configuration and constructs the runtime for one
// command invocation.
func buildRuntime() (*runtime.Runtime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	return runtime.New(cfg, runtime.Options{
		Executor: newBuiltinExecutor(),
		Broker:   newConsoleBroker(),
	})
}
