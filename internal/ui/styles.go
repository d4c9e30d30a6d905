// Package ui renders styled terminal output for the CLI.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#0B7285", Dark: "#66D9E8"}
	colorPass   = lipgloss.AdaptiveColor{Light: "#2B8A3E", Dark: "#8CE99A"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#E67700", Dark: "#FFD43B"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#C92A2A", Dark: "#FF8787"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#868E96", Dark: "#868E96"}

	accentStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(colorPass).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true).Underline(true)
)

// Configure picks the color profile for w. Colors are dropped when w is not a
// terminal or NO_COLOR is set.
func Configure(w io.Writer) {
	profile := termenv.NewOutput(w).EnvColorProfile()
	if f, ok := w.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		profile = termenv.Ascii
	}
	lipgloss.SetColorProfile(profile)
}

// IsInteractive reports whether stdin and stdout are both terminals.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// Table writes rows under a header with columns padded to the widest cell.
func Table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if n := lipgloss.Width(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	line := func(cells []string, style func(string) string) {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			pad := strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			parts[i] = style(cell) + pad
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(header, func(s string) string { return headerStyle.Render(s) })
	for _, row := range rows {
		line(row, func(s string) string { return s })
	}
}

// Bar draws a proportional bar of at most width cells.
func Bar(value, max float64, width int) string {
	if max <= 0 || value <= 0 || width <= 0 {
		return ""
	}
	n := int(value / max * float64(width))
	if n < 1 {
		n = 1
	}
	if n > width {
		n = width
	}
	return accentStyle.Render(strings.Repeat("█", n))
}
