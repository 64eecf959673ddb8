package pipeline

import "slices"

// Mode tells how an invocation was requested.
type Mode int

const (
	// ModeManual is an explicit run of a named pipeline.
	ModeManual Mode = iota
	// ModeAuto is a run requested by an event (git hook, watcher, trigger).
	ModeAuto
)

func (m Mode) String() string {
	if m == ModeAuto {
		return "auto"
	}
	return "manual"
}

// InvocationContext is the ambient condition a process was started under.
// It is built once at startup and read-only afterwards.
type InvocationContext struct {
	Flag *Flag
	Mode Mode
}

// Manual returns the context of an explicit run by name.
func Manual(flag *Flag) InvocationContext {
	return InvocationContext{Flag: flag, Mode: ModeManual}
}

// Auto returns the context of an event-driven run.
func Auto(flag *Flag) InvocationContext {
	return InvocationContext{Flag: flag, Mode: ModeAuto}
}

// IsTriggerable reports whether p may run under ctx. Without a flag only a
// manual invocation qualifies, so pipelines without triggers are never
// auto-triggered yet always runnable by name. With a flag, p must declare it.
func IsTriggerable(p *Pipeline, ctx InvocationContext) bool {
	if ctx.Flag == nil {
		return ctx.Mode == ModeManual
	}
	return p.HasTrigger(*ctx.Flag)
}

// Select returns the pipelines eligible under ctx, in declared order.
func Select(pipelines []Pipeline, ctx InvocationContext) []Pipeline {
	selected := make([]Pipeline, 0, len(pipelines))
	for i := range pipelines {
		if IsTriggerable(&pipelines[i], ctx) {
			selected = append(selected, pipelines[i])
		}
	}
	return selected
}

// AllTriggers aggregates the triggers of every pipeline, sorted and
// deduplicated.
func AllTriggers(pipelines []Pipeline) []Trigger {
	var triggers []Trigger
	for _, p := range pipelines {
		triggers = append(triggers, p.Triggers...)
	}
	slices.SortFunc(triggers, func(a, b Trigger) int {
		return a.Flag.Compare(b.Flag)
	})
	return slices.Compact(triggers)
}

// Find returns the pipeline called name.
func Find(pipelines []Pipeline, name string) (*Pipeline, error) {
	for i := range pipelines {
		if pipelines[i].Name == name {
			p := pipelines[i]
			return &p, nil
		}
	}
	return nil, ErrPipelineNotFound.WithDetails("name", name)
}
