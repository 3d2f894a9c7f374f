package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Theme defines the colors used by CLI output and kiln top.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// StatusColor maps a job or record status to a theme color.
func (t Theme) StatusColor(status string) lipgloss.Color {
	switch status {
	case "running", "in_progress":
		return t.Primary
	case "completed", "merged", "resumed", "cleaned":
		return t.Success
	case "stopped", "skipped", "needs_clarification":
		return t.Warning
	case "error", "failed", "verification_error":
		return t.Error
	default:
		return t.Muted
	}
}

// styler colors output only when it goes to a terminal.
type styler struct {
	theme   Theme
	enabled bool
}

func newStyler(w io.Writer) styler {
	return styler{theme: DefaultTheme(), enabled: isTerminal(w) && os.Getenv("NO_COLOR") == ""}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (s styler) status(status string) string {
	if !s.enabled {
		return status
	}
	return lipgloss.NewStyle().Foreground(s.theme.StatusColor(status)).Render(status)
}

func (s styler) muted(text string) string {
	if !s.enabled {
		return text
	}
	return lipgloss.NewStyle().Foreground(s.theme.Muted).Render(text)
}

func (s styler) header(text string) string {
	if !s.enabled {
		return text
	}
	return lipgloss.NewStyle().Bold(true).Foreground(s.theme.Secondary).Render(text)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
