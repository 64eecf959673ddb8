package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/jguan/hookflow/pkg/fault"
)

type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

type OutputOptions struct {
	Format    OutputFormat
	Quiet     bool
	Writer    io.Writer
	ErrWriter io.Writer
}

func NewOutputOptions() *OutputOptions {
	return &OutputOptions{
		Format:    OutputTable,
		Quiet:     false,
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
	}
}

// Structured reports whether records are printed as JSON or YAML rather
// than as a table.
func (o *OutputOptions) Structured() bool {
	return o.Format == OutputJSON || o.Format == OutputYAML
}

// FormatOutput encodes data for a structured format. Tables are rendered
// from rows by printRows.
func FormatOutput(data any, format OutputFormat) (string, error) {
	switch format {
	case OutputJSON:
		return formatJSON(data)
	case OutputYAML:
		return formatYAML(data)
	default:
		return "", fmt.Errorf("no %q rendering for %T", format, data)
	}
}

func formatJSON(data any) (string, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal JSON: %w", err)
	}
	return string(b) + "\n", nil
}

func formatYAML(data any) (string, error) {
	b, err := yaml.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal YAML: %w", err)
	}
	return string(b), nil
}

// PrintOutput writes data as JSON or YAML.
func PrintOutput(data any, opts *OutputOptions) error {
	if opts.Quiet {
		return nil
	}

	output, err := FormatOutput(data, opts.Format)
	if err != nil {
		return err
	}

	fmt.Fprint(opts.Writer, output)
	return nil
}

// cell is one table value. The style only colors the text; width is always
// measured on the text alone.
type cell struct {
	text  string
	style *lipgloss.Style
}

func plain(text string) cell {
	return cell{text: text}
}

func styled(text string, style lipgloss.Style) cell {
	return cell{text: text, style: &style}
}

// tableRow is a record that knows its table layout.
type tableRow interface {
	headers() []string
	cells() []cell
}

// printRows writes rows as a table, or as a list of records in a structured
// format.
func printRows[R tableRow](rows []R, opts *OutputOptions) error {
	if opts.Quiet {
		return nil
	}
	if opts.Structured() {
		return PrintOutput(rows, opts)
	}
	if len(rows) == 0 {
		fmt.Fprintln(opts.Writer, "No items")
		return nil
	}

	body := make([][]cell, len(rows))
	for i, r := range rows {
		body[i] = r.cells()
	}
	fmt.Fprint(opts.Writer, renderTable(rows[0].headers(), body))
	return nil
}

const columnGap = 2

// renderTable lays out a header, a separator and the body in aligned
// columns. Padding is added outside the styled text so escape sequences
// never count towards a column's width.
func renderTable(headers []string, body [][]cell) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range body {
		for i, c := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(c.text))
			}
		}
	}

	seps := make([]cell, len(headers))
	heads := make([]cell, len(headers))
	for i, h := range headers {
		heads[i] = plain(h)
		seps[i] = plain(strings.Repeat("-", widths[i]))
	}

	var sb strings.Builder
	writeLine(&sb, heads, widths)
	writeLine(&sb, seps, widths)
	for _, row := range body {
		writeLine(&sb, row, widths)
	}
	return sb.String()
}

func writeLine(sb *strings.Builder, row []cell, widths []int) {
	for i, w := range widths {
		var c cell
		if i < len(row) {
			c = row[i]
		}
		text := c.text
		if c.style != nil && text != "" {
			text = c.style.Render(text)
		}
		sb.WriteString(text)
		if i < len(widths)-1 {
			sb.WriteString(strings.Repeat(" ", w-lipgloss.Width(c.text)+columnGap))
		}
	}
	sb.WriteString("\n")
}

// PrintError reports err on the error writer. Coded errors carry their code
// in structured formats.
func PrintError(err error, opts *OutputOptions) {
	payload := map[string]any{
		"success": false,
		"error":   errorPayload(err),
	}
	switch opts.Format {
	case OutputJSON:
		b, _ := json.MarshalIndent(payload, "", "  ")
		fmt.Fprintln(opts.ErrWriter, string(b))
	case OutputYAML:
		b, _ := yaml.Marshal(payload)
		fmt.Fprint(opts.ErrWriter, string(b))
	default:
		fmt.Fprintln(opts.ErrWriter, errorStyle.Render("Error:"), err)
	}
}

func errorPayload(err error) map[string]string {
	out := map[string]string{"message": err.Error()}
	if code := fault.CodeOf(err); code != "" {
		out["code"] = string(code)
	}
	return out
}

func PrintSuccess(message string, opts *OutputOptions) {
	if opts.Quiet {
		return
	}

	payload := map[string]any{
		"success": true,
		"message": message,
	}
	switch opts.Format {
	case OutputJSON:
		b, _ := json.MarshalIndent(payload, "", "  ")
		fmt.Fprintln(opts.Writer, string(b))
	case OutputYAML:
		b, _ := yaml.Marshal(payload)
		fmt.Fprint(opts.Writer, string(b))
	default:
		fmt.Fprintln(opts.Writer, message)
	}
}

// lockedWriter serializes writes from pipelines running concurrently.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
