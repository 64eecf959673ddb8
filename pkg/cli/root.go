package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jguan/hookflow/pkg/config"
	"github.com/jguan/hookflow/pkg/infra/logger"
	"github.com/jguan/hookflow/pkg/logstore"
	"github.com/jguan/hookflow/pkg/pipeline"
	"github.com/jguan/hookflow/pkg/process"
	"github.com/jguan/hookflow/pkg/service"
)

var (
	cliVersion   = "dev"
	cliBuildDate = "unknown"
	cliGitCommit = "unknown"
)

const (
	attachFlag  = "attach"
	sessionFlag = "session"
)

// RootCommand is the per-process context shared by every subcommand.
type RootCommand struct {
	cmd       *cobra.Command
	cfg       *config.Config
	store     *logstore.Store
	opts      *OutputOptions
	formatStr string
	logLevel  string

	// argv is the command line after the executable, used to re-spawn the
	// current action detached.
	argv []string
	exe  string
}

func NewRootCommand() *RootCommand {
	root := &RootCommand{
		opts: NewOutputOptions(),
		argv: os.Args[1:],
	}

	cmd := &cobra.Command{
		Use:   "hookflow",
		Short: "hookflow - git hook and file watch pipeline runner",
		Long: `hookflow runs the pipelines declared in hookflow.toml when a git hook
fires, when files change, or on demand.

Runs detach from the terminal and record every status transition, so
"hookflow logs" can tell what ran, what failed and what was interrupted.`,
		PersistentPreRunE:  root.persistentPreRunE,
		PersistentPostRunE: root.persistentPostRunE,
		SilenceUsage:       true,
		SilenceErrors:      true,
	}

	pflags := cmd.PersistentFlags()

	pflags.StringVarP(&root.formatStr, "output", "o", "table", "Output format (table, json, yaml)")
	pflags.BoolVarP(&root.opts.Quiet, "quiet", "q", false, "Suppress output")
	pflags.String("config", "", "Project file path (default: hookflow.toml searched upward)")
	pflags.StringVar(&root.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	_ = viper.BindPFlag("output", pflags.Lookup("output"))
	_ = viper.BindPFlag("quiet", pflags.Lookup("quiet"))
	_ = viper.BindPFlag("config", pflags.Lookup("config"))
	_ = viper.BindPFlag("log-level", pflags.Lookup("log-level"))

	root.cmd = cmd

	root.addSubCommands()

	return root
}

func (r *RootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	r.opts.Format = OutputFormat(r.formatStr)

	var err error
	r.cfg, err = config.Load(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if r.logLevel != "" {
		r.cfg.Settings.Logging.Level = r.logLevel
	}

	logCfg := logger.Config{
		Level:  r.cfg.Settings.Logging.Level,
		Format: r.cfg.Settings.Logging.Format,
		File:   r.cfg.Settings.Logging.File,
	}
	// Detached processes have no terminal: their stderr is the null device.
	if attached(cmd) && logCfg.File == "" {
		logCfg.File = r.cfg.DefaultLogFile()
	}
	logger.Reset()
	if err := logger.Init(logCfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	return nil
}

func (r *RootCommand) persistentPostRunE(cmd *cobra.Command, args []string) error {
	if r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.store = nil
	return err
}

func (r *RootCommand) addSubCommands() {
	r.cmd.AddCommand(NewVersionCommand(r))
	r.cmd.AddCommand(NewRunCommand(r))
	r.cmd.AddCommand(NewTriggerCommand(r))
	r.cmd.AddCommand(NewWatchCommand(r))
	r.cmd.AddCommand(NewLogsCommand(r))
	r.cmd.AddCommand(NewListCommand(r))
	r.cmd.AddCommand(NewTriggersCommand(r))
}

func (r *RootCommand) Command() *cobra.Command {
	return r.cmd
}

func (r *RootCommand) Config() *config.Config {
	return r.cfg
}

func (r *RootCommand) OutputOptions() *OutputOptions {
	return r.opts
}

func (r *RootCommand) SetOutputWriter(w io.Writer) {
	r.opts.Writer = w
}

// SetArgs sets both the arguments cobra parses and the ones a detached
// child is re-spawned with.
func (r *RootCommand) SetArgs(args []string) {
	r.argv = args
	r.cmd.SetArgs(args)
}

// LogStore opens the configured log store on first use. It is closed after
// the command runs.
func (r *RootCommand) LogStore() *logstore.Store {
	if r.store == nil {
		r.store = logstore.Open(logstore.Options{
			Backend: r.cfg.Settings.Logs.Backend,
			Dir:     r.cfg.Settings.Logs.Dir,
			Prober:  process.Prober{},
			Logger:  logger.Default(),
		})
	}
	return r.store
}

// Executable is the path children are spawned from.
func (r *RootCommand) Executable() string {
	if r.exe == "" {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		r.exe = exe
	}
	return r.exe
}

// Launcher wires the configured pipelines to a runner recording into the
// log store.
func (r *RootCommand) Launcher() *service.Launcher {
	log := logger.Default()
	executor := pipeline.NewShellExecutor(
		pipeline.WithShell(r.cfg.Settings.Exec.Shell),
		pipeline.WithDir(r.cfg.Root),
		pipeline.WithExecutorLogger(log),
	)
	runner := pipeline.NewRunner(r.LogStore(), executor,
		pipeline.WithOutput(r.progressWriter()),
		pipeline.WithLogger(log),
		pipeline.WithContextLogger(logger.WithContext),
	)
	return service.NewLauncher(r.cfg.PipelineDefs(), runner, service.WithLogger(log))
}

// progressWriter is shared by pipelines running concurrently.
func (r *RootCommand) progressWriter() io.Writer {
	if r.opts.Quiet {
		return nil
	}
	return &lockedWriter{w: r.opts.Writer}
}

// invocation rebuilds the current command line for re-spawning. A session
// id is allocated when none was passed so the parent and its detached child
// share it.
func (r *RootCommand) invocation(cmd *cobra.Command) (process.Invocation, int64, error) {
	session, err := cmd.Flags().GetInt64(sessionFlag)
	if err != nil {
		return process.Invocation{}, 0, err
	}

	args := append([]string{r.Executable()}, r.argv...)
	if session == 0 {
		session = NewSessionID()
		args = append(args, "--"+sessionFlag, strconv.FormatInt(session, 10))
	}
	return process.Invocation{Args: args, Attached: attached(cmd)}, session, nil
}

// NewSessionID returns a random non-zero session id.
func NewSessionID() int64 {
	for {
		if id := int64(uuid.New().ID()); id != 0 {
			return id
		}
	}
}

func attached(cmd *cobra.Command) bool {
	f := cmd.Flags().Lookup(attachFlag)
	return f != nil && f.Value.String() == "true"
}

// addDetachFlags registers the flags every detachable command carries.
func addDetachFlags(fs *pflag.FlagSet) {
	fs.Bool(attachFlag, false, "Run in the current process instead of detaching")
	fs.Int64(sessionFlag, 0, "Session id shared by the runs of one invocation")
	_ = fs.MarkHidden(sessionFlag)
}

// configArgs repeats an explicit --config for spawned children.
func configArgs() []string {
	if p := viper.GetString("config"); p != "" {
		return []string{"--config", p}
	}
	return nil
}

func (r *RootCommand) Execute() error {
	return r.cmd.Execute()
}

func (r *RootCommand) ExecuteContext(ctx context.Context) error {
	return r.cmd.ExecuteContext(ctx)
}

func Execute() {
	root := NewRootCommand()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	if err != nil {
		PrintError(err, root.opts)
	}
	logger.Reset()
	if err != nil {
		os.Exit(1)
	}
}

func SetVersion(version, buildDate, gitCommit string) {
	cliVersion = version
	cliBuildDate = buildDate
	cliGitCommit = gitCommit
}

func GetVersion() string {
	return cliVersion
}

func GetBuildDate() string {
	return cliBuildDate
}

func GetGitCommit() string {
	return cliGitCommit
}
