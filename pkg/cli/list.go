package cli

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jguan/hookflow/pkg/pipeline"
)

type pipelineRow struct {
	Name     string `json:"name" yaml:"name"`
	Triggers string `json:"triggers" yaml:"triggers"`
	Steps    int    `json:"steps" yaml:"steps"`
	Status   string `json:"status" yaml:"status"`
}

func (pipelineRow) headers() []string {
	return []string{"name", "triggers", "steps", "status"}
}

func (r pipelineRow) cells() []cell {
	return []cell{plain(r.Name), plain(r.Triggers), plain(strconv.Itoa(r.Steps)), statusCell(pipeline.Status(r.Status))}
}

type triggerRow struct {
	Flag      string `json:"flag" yaml:"flag"`
	Kind      string `json:"kind" yaml:"kind"`
	Pipelines string `json:"pipelines" yaml:"pipelines"`
}

func (triggerRow) headers() []string {
	return []string{"flag", "kind", "pipelines"}
}

func (r triggerRow) cells() []cell {
	return []cell{plain(r.Flag), plain(r.Kind), plain(r.Pipelines)}
}

func NewListCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List pipelines and their last status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), root)
		},
	}
}

func NewTriggersCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "triggers",
		Short: "List every trigger declared by the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTriggers(root)
		},
	}
}

func runList(ctx context.Context, root *RootCommand) error {
	cfg := root.Config()
	if err := cfg.RequireProject(); err != nil {
		return err
	}
	store := root.LogStore()

	defs := cfg.PipelineDefs()
	rows := make([]pipelineRow, 0, len(defs))
	for i := range defs {
		p := &defs[i]
		rows = append(rows, pipelineRow{
			Name:     p.Name,
			Triggers: joinTriggers(p.Triggers),
			Steps:    len(p.Steps),
			Status:   string(store.Status(ctx, p.Name)),
		})
	}
	return printRows(rows, root.OutputOptions())
}

func runTriggers(root *RootCommand) error {
	cfg := root.Config()
	if err := cfg.RequireProject(); err != nil {
		return err
	}

	defs := cfg.PipelineDefs()
	triggers := pipeline.AllTriggers(defs)
	rows := make([]triggerRow, 0, len(triggers))
	for _, t := range triggers {
		var names []string
		for i := range defs {
			if defs[i].HasTrigger(t.Flag) {
				names = append(names, defs[i].Name)
			}
		}
		rows = append(rows, triggerRow{
			Flag:      t.Flag.String(),
			Kind:      string(t.Flag.Kind),
			Pipelines: strings.Join(names, ","),
		})
	}
	return printRows(rows, root.OutputOptions())
}

func joinTriggers(triggers []pipeline.Trigger) string {
	names := make([]string, 0, len(triggers))
	for _, t := range triggers {
		names = append(names, t.Flag.String())
	}
	return strings.Join(names, ",")
}
