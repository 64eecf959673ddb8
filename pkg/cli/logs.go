package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jguan/hookflow/pkg/fault"
	"github.com/jguan/hookflow/pkg/pipeline"
)

// logRow is the table view of a record. Structured output prints the
// records themselves.
type logRow struct {
	Date    string
	Name    string
	Session string
	PID     string
	Step    string
	Command string
	Status  cell
}

func (logRow) headers() []string {
	return []string{"date", "name", "session", "pid", "step", "command", "status"}
}

func (r logRow) cells() []cell {
	return []cell{plain(r.Date), plain(r.Name), plain(r.Session), plain(r.PID), plain(r.Step), plain(r.Command), r.Status}
}

func NewLogsCommand(root *RootCommand) *cobra.Command {
	var (
		name    string
		session int64
	)

	cmd := &cobra.Command{
		Use:   "logs [flags]",
		Short: "Show pipeline run records",
		Long: `Show recorded pipeline runs.

Without flags, the latest record of every pipeline is shown. --name shows the
full history of one pipeline and --session every record of one invocation.
Runs whose process died before finishing are shown as aborted.`,
		Example: `  hookflow logs
  hookflow logs --name test
  hookflow logs --session 3141592 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd.Context(), root, name, session)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Show the history of one pipeline")
	cmd.Flags().Int64Var(&session, "session", 0, "Show the records of one session")
	cmd.MarkFlagsMutuallyExclusive("name", "session")

	return cmd
}

func runLogs(ctx context.Context, root *RootCommand, name string, session int64) error {
	store := root.LogStore()
	opts := root.OutputOptions()

	var (
		records []pipeline.Record
		err     error
	)
	switch {
	case name != "":
		records, err = store.GetManyByName(ctx, name)
	case session != 0:
		records, err = store.GetManyBySession(ctx, session)
	default:
		records, err = store.List(ctx)
	}
	if err != nil && !fault.IsNotFound(err) {
		return err
	}
	if len(records) == 0 {
		PrintSuccess("No logs found", opts)
		return nil
	}

	if opts.Structured() {
		return PrintOutput(records, opts)
	}
	rows := make([]logRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, newLogRow(rec))
	}
	return printRows(rows, opts)
}

func newLogRow(rec pipeline.Record) logRow {
	row := logRow{
		Date:   rec.Date.Local().Format(time.DateTime),
		Name:   rec.Name,
		Step:   rec.Step,
		Status: statusCell(rec.Status),
	}
	if rec.SessionID != 0 {
		row.Session = fmt.Sprint(rec.SessionID)
	}
	if rec.PID != 0 {
		row.PID = fmt.Sprint(rec.PID)
	}
	if rec.Command != nil {
		row.Command = truncate(rec.Command.Stdin, 40)
		row.Status = exitCodeCell(rec.Command.ExitCode)
	}
	return row
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
