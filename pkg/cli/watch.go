package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jguan/hookflow/pkg/config"
	"github.com/jguan/hookflow/pkg/infra/logger"
	"github.com/jguan/hookflow/pkg/pipeline"
	"github.com/jguan/hookflow/pkg/process"
	"github.com/jguan/hookflow/pkg/service"
	"github.com/jguan/hookflow/pkg/watcher"
)

func NewWatchCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Trigger watch pipelines on file changes",
		Long: `Watch the project tree and trigger every pipeline declaring the "watch"
trigger when files change.

Paths matched by .hookflow_ignore (or .gitignore) are skipped, as are .git,
.hookflow, node_modules and the configured work and log directories. Starting a watcher stops any previous one for the
same project. The watcher detaches unless --attach is given; set
watch.detach = false to run triggered pipelines in the foreground of the
watcher, one batch at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), root, cmd)
		},
	}

	cmd.Flags().Bool(attachFlag, false, "Run the watcher in the current process")
	cmd.AddCommand(newWatchKillCommand(root))

	return cmd
}

func newWatchKillCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Stop the running watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sig := watcherInvocation(root).Signature()
			n, err := process.KillHomologous(cmd.Context(), sig, process.WithKillLogger(logger.Default()))
			if err != nil {
				return err
			}
			PrintSuccess(fmt.Sprintf("stopped %d watcher(s)", n), root.OutputOptions())
			return nil
		},
	}
}

// watcherInvocation is the canonical command line of an attached watcher.
// Its signature identifies watchers of the same project.
func watcherInvocation(root *RootCommand) process.Invocation {
	args := append([]string{root.Executable(), "watch"}, configArgs()...)
	_, child := process.ShouldDetach(process.Invocation{Args: args})
	return child
}

func runWatch(ctx context.Context, root *RootCommand, cmd *cobra.Command) error {
	cfg := root.Config()
	if err := cfg.RequireProject(); err != nil {
		return err
	}

	inv := watcherInvocation(root)
	if !attached(cmd) {
		h, err := process.RunBackground(ctx, inv.Args)
		if err != nil {
			return err
		}
		PrintSuccess(fmt.Sprintf("watcher running in background (pid %d)", h.PID), root.OutputOptions())
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	log := logger.Default()
	w := watcher.New(cfg.Root, watchTrigger(root, root.Launcher(), cfg.Settings.Watch.Detach),
		watcher.WithDebounce(cfg.Settings.Watch.DebounceD),
		watcher.WithIgnoreFiles(cfg.Settings.Watch.Ignore...),
		watcher.WithExclude(ownedDirs(cfg)...),
		watcher.WithSignals(sigCh),
		watcher.WithHomologous(inv.Signature(), func(ctx context.Context, signature string) (int, error) {
			return process.KillHomologous(ctx, signature, process.WithKillLogger(log))
		}),
		watcher.WithLogger(log),
	)
	return w.Run(ctx)
}

// ownedDirs are the directories hookflow writes into. Changes there must not
// trigger a watch run, wherever the configuration puts them.
func ownedDirs(cfg *config.Config) []string {
	dirs := []string{cfg.Settings.General.WorkDir, cfg.Settings.Logs.Dir, filepath.Dir(cfg.DefaultLogFile())}
	if f := cfg.Settings.Logging.File; f != "" {
		dirs = append(dirs, filepath.Dir(f))
	}
	return dirs
}

// watchTrigger re-enters the trigger path with the watch flag. Each batch
// gets its own session. With detach off, the child runs in the foreground
// and blocks the watch loop until it exits.
func watchTrigger(root *RootCommand, launcher *service.Launcher, detach bool) watcher.TriggerFunc {
	return func(ctx context.Context) (*process.Handle, error) {
		session := NewSessionID()
		args := append([]string{root.Executable(), "trigger", "--flag", pipeline.WatchFlag.String()}, configArgs()...)
		args = append(args, "--"+sessionFlag, strconv.FormatInt(session, 10))

		if !detach {
			_, child := process.ShouldDetach(process.Invocation{Args: args})
			code, err := process.RunForeground(ctx, child.Args)
			if err == nil && code != 0 {
				logger.WithContext(logger.SetSession(ctx, session)).Warn("watch trigger failed", "exit_code", code)
			}
			return nil, err
		}

		flag := pipeline.WatchFlag
		return launcher.Trigger(logger.SetSession(ctx, session), service.Request{
			Invocation: process.Invocation{Args: args},
			Flag:       &flag,
			Mode:       pipeline.ModeAuto,
			SessionID:  session,
		})
	}
}
