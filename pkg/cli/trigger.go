package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jguan/hookflow/pkg/pipeline"
	"github.com/jguan/hookflow/pkg/service"
)

func NewTriggerCommand(root *RootCommand) *cobra.Command {
	var flag string

	cmd := &cobra.Command{
		Use:   "trigger [flags]",
		Short: "Run every pipeline bound to a trigger",
		Long: `Run every pipeline that declares the given trigger, concurrently, in one
detached process. Git hooks call this:

  #!/bin/sh
  hookflow trigger --flag pre-commit

Nothing matching the trigger is not an error.`,
		Example: `  hookflow trigger --flag pre-push
  hookflow trigger --flag nightly --attach`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(cmd.Context(), root, cmd, flag)
		},
	}

	cmd.Flags().StringVar(&flag, "flag", "", "Trigger flag (git hook name, watch, or a custom name)")
	addDetachFlags(cmd.Flags())

	return cmd
}

func runTrigger(ctx context.Context, root *RootCommand, cmd *cobra.Command, flag string) error {
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
		Mode:       pipeline.ModeAuto,
		SessionID:  session,
	}
	h, err := root.Launcher().Trigger(ctx, req)
	if err != nil {
		return err
	}
	printDetached(root, h, session, "trigger "+flag)
	return nil
}
