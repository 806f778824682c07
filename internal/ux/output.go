package ux

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// NewTable returns a rounded table with styled headers.
func NewTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorMuted)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return Styles.Cell
		}).
		Headers(headers...)
}

// Panel renders body in a rounded box with a title line.
func Panel(title, body string, border lipgloss.Color) string {
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Padding(0, 1)
	return box.Render(Styles.Bold.Render(title) + "\n\n" + body)
}

// Printer writes styled lines to an output stream.
type Printer struct {
	w     io.Writer
	quiet bool
}

// NewPrinter writes to w. A quiet printer drops Info and Muted lines.
func NewPrinter(w io.Writer, quiet bool) *Printer {
	return &Printer{w: w, quiet: quiet}
}

// Writer returns the underlying stream.
func (p *Printer) Writer() io.Writer {
	return p.w
}

// Title prints a bold title followed by a blank line.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.w, Styles.Title.Render(text))
	fmt.Fprintln(p.w)
}

// Section prints a bold heading.
func (p *Printer) Section(text string) {
	fmt.Fprintln(p.w, Styles.Bold.Render(text))
}

// Println prints a plain line.
func (p *Printer) Println(a ...any) {
	fmt.Fprintln(p.w, a...)
}

// Printf prints formatted text.
func (p *Printer) Printf(format string, a ...any) {
	fmt.Fprintf(p.w, format, a...)
}

// Success prints a line with a check mark.
func (p *Printer) Success(format string, a ...any) {
	fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(fmt.Sprintf(format, a...)))
}

// Warning prints a line with a warning sign.
func (p *Printer) Warning(format string, a ...any) {
	fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(fmt.Sprintf(format, a...)))
}

// Error prints a line with a cross.
func (p *Printer) Error(format string, a ...any) {
	fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(fmt.Sprintf(format, a...)))
}

// Info prints a secondary line unless quiet.
func (p *Printer) Info(format string, a ...any) {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.w, fmt.Sprintf(format, a...))
}

// Muted prints dim text unless quiet.
func (p *Printer) Muted(format string, a ...any) {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.w, Styles.Muted.Render(fmt.Sprintf(format, a...)))
}

// Bullet prints an indented bullet line.
func (p *Printer) Bullet(format string, a ...any) {
	fmt.Fprintf(p.w, "  %s %s\n", IconBullet, fmt.Sprintf(format, a...))
}

// Render prints any lipgloss renderable followed by a newline.
func (p *Printer) Render(v fmt.Stringer) {
	fmt.Fprintln(p.w, v.String())
}

// Confirm asks a yes/no question; only "y" or "yes" confirm.
func Confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	answer, _ := lineReader(in).ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

// ConfirmWord asks the user to type word exactly.
func ConfirmWord(in io.Reader, out io.Writer, prompt, word string) bool {
	fmt.Fprintf(out, "%s (type %s to continue): ", prompt, word)
	answer, _ := lineReader(in).ReadString('\n')
	return strings.TrimSpace(answer) == word
}

// lineReader reuses a buffered reader so consecutive prompts on the same
// input do not lose buffered answers.
func lineReader(in io.Reader) *bufio.Reader {
	if br, ok := in.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(in)
}
