package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jguan/hookflow/pkg/pipeline"
	"github.com/jguan/hookflow/pkg/process"
	"github.com/jguan/hookflow/pkg/service"
)

func NewRunCommand(root *RootCommand) *cobra.Command {
	var flag string

	cmd := &cobra.Command{
		Use:   "run <pipeline> [flags]",
		Short: "Run a pipeline by name",
		Long: `Run one pipeline from the project file.

The run detaches from the terminal unless --attach is given; follow it with
"hookflow logs --name <pipeline>". With --flag the pipeline only runs if it
declares that trigger.`,
		Example: `  # Run in the background
  hookflow run test

  # Run in the foreground and stream step results
  hookflow run test --attach

  # Run only if "deploy" is triggered by pre-push
  hookflow run deploy --flag pre-push`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), root, cmd, args[0], flag)
		},
	}

	cmd.Flags().StringVar(&flag, "flag", "", "Only run if the pipeline declares this trigger")
	addDetachFlags(cmd.Flags())

	return cmd
}

func runPipeline(ctx context.Context, root *RootCommand, cmd *cobra.Command, name, flag string) error {
	if err := root.Config().RequireProject(); err != nil {
		return err
	}

	inv, session, err := root.invocation(cmd)
	if err != nil {
		return err
	}

	req := service.Request{
		Invocation: inv,
		Flag:       parseFlagArg(flag),
		Mode:       pipeline.ModeManual,
		SessionID:  session,
	}
	h, err := root.Launcher().Launch(ctx, name, req)
	if err != nil {
		return err
	}
	printDetached(root, h, session, "pipeline "+name)
	return nil
}

// parseFlagArg returns nil for an empty flag.
func parseFlagArg(s string) *pipeline.Flag {
	if s == "" {
		return nil
	}
	f := pipeline.ParseFlag(s)
	return &f
}

func printDetached(root *RootCommand, h *process.Handle, session int64, what string) {
	if h == nil {
		return
	}
	PrintSuccess(fmt.Sprintf("%s running in background (pid %d, session %d)", what, h.PID, session), root.OutputOptions())
}
