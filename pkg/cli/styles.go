package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/jguan/hookflow/pkg/pipeline"
)

var (
	neverStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	succeededStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	abortedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// statusCell renders a status for terminal tables. Colors are dropped when
// the output is not a terminal. Anything unknown reads as never.
func statusCell(s pipeline.Status) cell {
	switch s {
	case pipeline.StatusStarted, pipeline.StatusRunning:
		return styled(string(s), pendingStyle)
	case pipeline.StatusSucceeded:
		return styled(string(s), succeededStyle)
	case pipeline.StatusFailed:
		return styled(string(s), failedStyle)
	case pipeline.StatusAborted:
		return styled(string(s), abortedStyle)
	default:
		return styled(string(pipeline.StatusNever), neverStyle)
	}
}

// exitCodeCell renders a command exit code like a status.
func exitCodeCell(code int) cell {
	text := fmt.Sprintf("exit %d", code)
	if code == 0 {
		return styled(text, succeededStyle)
	}
	return styled(text, failedStyle)
}
