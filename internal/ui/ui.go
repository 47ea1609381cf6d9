// Package ui renders command output: styled status lines on a TTY, plain
// text when piped, and a JSON envelope in --json mode.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	cpmerrors "github.com/cpmkit/cpm/internal/errors"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle  = lipgloss.NewStyle().Faint(true)
)

// Printer writes command output.
type Printer struct {
	Out  io.Writer
	Err  io.Writer
	JSON bool

	color bool
}

// NewPrinter creates a printer for the process streams. Styling engages
// only when stdout is a terminal and JSON mode is off.
func NewPrinter(jsonMode bool) *Printer {
	return &Printer{
		Out:   os.Stdout,
		Err:   os.Stderr,
		JSON:  jsonMode,
		color: !jsonMode && isatty.IsTerminal(os.Stdout.Fd()),
	}
}

// Result emits the final command payload: pretty JSON in JSON mode,
// otherwise via the fallback lines.
func (p *Printer) Result(payload any, plainLines ...string) {
	if p.JSON {
		enc := json.NewEncoder(p.Out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(payload)
		return
	}
	for _, line := range plainLines {
		fmt.Fprintln(p.Out, line)
	}
}

// Statusf writes a progress line to stderr, dimmed on a TTY.
func (p *Printer) Statusf(format string, args ...any) {
	if p.JSON {
		return
	}
	line := fmt.Sprintf(format, args...)
	if p.color {
		line = dimStyle.Render(line)
	}
	fmt.Fprintln(p.Err, line)
}

// Successf writes a completion line.
func (p *Printer) Successf(format string, args ...any) {
	if p.JSON {
		return
	}
	line := fmt.Sprintf(format, args...)
	if p.color {
		line = okStyle.Render(line)
	}
	fmt.Fprintln(p.Out, line)
}

// Warnf writes a warning line to stderr.
func (p *Printer) Warnf(format string, args ...any) {
	if p.JSON {
		return
	}
	line := fmt.Sprintf(format, args...)
	if p.color {
		line = warnStyle.Render(line)
	}
	fmt.Fprintln(p.Err, line)
}

// Error writes the error surface: the single-line typed form, or the
// JSON envelope in JSON mode.
func (p *Printer) Error(err error) {
	if p.JSON {
		cpmerrors.FormatJSON(p.Out, err)
		return
	}
	if p.color {
		var buf strings.Builder
		cpmerrors.Format(&buf, err)
		fmt.Fprintln(p.Err, errStyle.Render(strings.TrimRight(buf.String(), "\n")))
		return
	}
	cpmerrors.Format(p.Err, err)
}
