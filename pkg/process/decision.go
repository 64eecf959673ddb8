// Package process decides whether an invocation runs in the foreground or
// re-spawns itself detached, and manages the processes it spawns.
package process

import (
	"slices"
	"strings"

	"github.com/jguan/hookflow/pkg/fault"
)

const domain = "process"

// AttachFlag marks a re-spawned invocation as already detached.
const AttachFlag = "--attach"

// Decision is the outcome of ShouldDetach.
type Decision int

const (
	// DecisionForeground executes the action in the current process.
	DecisionForeground Decision = iota
	// DecisionBackground re-spawns the action as a detached child and exits.
	DecisionBackground
)

func (d Decision) String() string {
	if d == DecisionBackground {
		return "spawn-background"
	}
	return "run-foreground"
}

// Invocation is the command line that reproduces one logical action, plus
// whether the current process is already the detached instance.
type Invocation struct {
	Args     []string
	Attached bool
}

// Signature is the space-joined command line used to recognise homologous
// processes.
func (inv Invocation) Signature() string {
	return strings.Join(inv.Args, " ")
}

// ShouldDetach is pure: an attached invocation runs in the foreground
// unchanged; any other yields the child invocation to spawn, which carries
// AttachFlag and Attached=true. The caller's own invocation is never mutated.
func ShouldDetach(inv Invocation) (Decision, Invocation) {
	if inv.Attached {
		return DecisionForeground, inv
	}
	child := Invocation{
		Args:     slices.Clone(inv.Args),
		Attached: true,
	}
	if !slices.Contains(child.Args, AttachFlag) {
		child.Args = append(child.Args, AttachFlag)
	}
	return DecisionBackground, child
}

var (
	ErrEmptyCommand = fault.NewDomain(domain, fault.ErrCodeInternal, "empty command line")
	ErrSpawn        = fault.NewDomain(domain, fault.ErrCodeIO, "failed to spawn process")
)
