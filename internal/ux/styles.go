// Package ux provides terminal styling, tables and value formatting for the
// xmover CLI.
package ux

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

var (
	ColorPrimary = lipgloss.Color("#19C2D6")
	ColorAccent  = lipgloss.Color("#7B61FF")
	ColorSuccess = lipgloss.Color("#2ECC71")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorInfo    = lipgloss.Color("#5DADE2")
	ColorMuted   = lipgloss.Color("#7F8C8D")
)

// Styles are the shared text and box styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Info      lipgloss.Style
	Highlight lipgloss.Style
	Header    lipgloss.Style
	Cell      lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Info:      lipgloss.NewStyle().Foreground(ColorInfo),
	Highlight: lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Header:    lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary).Padding(0, 1),
	Cell:      lipgloss.NewStyle().Padding(0, 1),
}

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconInfo    Icon = "ℹ"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
	IconFire    Icon = "🔥"
)

// Render returns the icon in its status color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError, IconFire:
		return Styles.Error.Render(string(i))
	case IconInfo:
		return Styles.Info.Render(string(i))
	default:
		return string(i)
	}
}

// ConfigureColor disables color when noColor is set or f is not a terminal.
// It returns whether color stays enabled.
func ConfigureColor(noColor bool, f *os.File) bool {
	if noColor || os.Getenv("NO_COLOR") != "" || !IsTerminal(f) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return false
	}
	lipgloss.SetColorProfile(termenv.NewOutput(f).EnvColorProfile())
	return true
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
