package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color scheme for terminal output.
type Theme struct {
	Primary lipgloss.Color // Main accent color
	Dim     lipgloss.Color // Dimmed/help text color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Title  lipgloss.Style
	Label  lipgloss.Style
	Border lipgloss.Style
	Help   lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Label:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Border: lipgloss.NewStyle().Foreground(t.Primary),
		Help:   lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// Panel renders a one-shot boxed summary. Long-running commands print
// one at startup to show their effective configuration.
type Panel struct {
	Styles Styles
	Title  string
	Status string
	Rows   [][2]string // label, value pairs
}

// Render renders the panel to a string at the given width.
func (p Panel) Render(width int) string {
	if width < 20 {
		width = 20
	}

	bc := p.Styles.Border
	maxContentWidth := width - 4

	var lines []string

	// Top border
	lines = append(lines, bc.Render("╭"+strings.Repeat("─", width-2)+"╮"))

	// Title line: │ title [status]    │
	title := p.Styles.Title.Render(p.Title)
	status := ""
	if p.Status != "" {
		status = p.Styles.Help.Render("[" + p.Status + "]")
	}
	padding := max(0, width-5-lipgloss.Width(title)-lipgloss.Width(status))
	lines = append(lines, bc.Render("│")+" "+title+" "+status+
		strings.Repeat(" ", padding)+" "+bc.Render("│"))

	// Separator
	lines = append(lines, bc.Render("├"+strings.Repeat("─", width-2)+"┤"))

	// Label column width
	labelWidth := 0
	for _, row := range p.Rows {
		labelWidth = max(labelWidth, lipgloss.Width(row[0]))
	}

	for _, row := range p.Rows {
		pad := strings.Repeat(" ", labelWidth-lipgloss.Width(row[0]))
		value := row[1]
		avail := maxContentWidth - labelWidth - 2
		if avail > 1 && lipgloss.Width(value) > avail {
			value = TruncateString(value, avail-1) + "…"
		}
		used := labelWidth + 2 + lipgloss.Width(value)
		lines = append(lines, bc.Render("│")+" "+p.Styles.Label.Render(row[0])+pad+"  "+value+
			strings.Repeat(" ", max(0, maxContentWidth-used))+" "+bc.Render("│"))
	}

	// Bottom border
	lines = append(lines, bc.Render("╰"+strings.Repeat("─", width-2)+"╯"))

	return strings.Join(lines, "\n")
}

// TruncateString safely truncates a string to the given display width,
// handling multi-byte characters correctly.
func TruncateString(s string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(s)
	currentWidth := 0
	for i, r := range runes {
		w := lipgloss.Width(string(r))
		if currentWidth+w > width {
			return string(runes[:i])
		}
		currentWidth += w
	}
	return s
}
