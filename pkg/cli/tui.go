// Package cli provides terminal UI components for CLI applications.
package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color scheme for terminal output.
type Theme struct {
	Primary lipgloss.Color // Main accent color
	User    lipgloss.Color // User utterance color
	Bot     lipgloss.Color // Assistant reply color
	Dim     lipgloss.Color // Dimmed/help text color
	Warn    lipgloss.Color // Warning color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	User:    lipgloss.Color("#58a6ff"),
	Bot:     lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Warn:    lipgloss.Color("#d29922"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title   lipgloss.Style
	Speaker lipgloss.Style
	User    lipgloss.Style
	Bot     lipgloss.Style
	Partial lipgloss.Style
	Status  lipgloss.Style
	Warn    lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Speaker: lipgloss.NewStyle().Bold(true).Foreground(t.Dim),
		User:    lipgloss.NewStyle().Bold(true).Foreground(t.User),
		Bot:     lipgloss.NewStyle().Bold(true).Foreground(t.Bot),
		Partial: lipgloss.NewStyle().Foreground(t.Dim).Italic(true),
		Status:  lipgloss.NewStyle().Foreground(t.Dim),
		Warn:    lipgloss.NewStyle().Foreground(t.Warn),
	}
}

// Transcript renders conversation lines for the terminal.
type Transcript struct {
	Styles Styles
}

// NewTranscript creates a transcript renderer with the default theme.
func NewTranscript() *Transcript {
	return &Transcript{Styles: NewStyles(DefaultTheme)}
}

// UserLine renders a recognized user utterance. The speaker name is
// omitted when empty.
func (t *Transcript) UserLine(speaker, text string) string {
	label := "你"
	if speaker != "" {
		label = speaker
	}
	return fmt.Sprintf("%s %s", t.Styles.User.Render(label+" ›"), text)
}

// BotLine renders an assistant reply.
func (t *Transcript) BotLine(name, text string) string {
	return fmt.Sprintf("%s %s", t.Styles.Bot.Render(name+" ›"), text)
}

// PartialLine renders an in-flight recognition result.
func (t *Transcript) PartialLine(text string) string {
	return t.Styles.Partial.Render("… " + text)
}

// StatusLine renders a dim status message.
func (t *Transcript) StatusLine(text string) string {
	return t.Styles.Status.Render("[" + text + "]")
}
