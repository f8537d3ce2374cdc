// Package ui provides terminal styling for caravan CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fieldworks/caravan/internal/types"
)

// Ayu theme color palette
// Dark: https://terminalcolors.com/themes/ayu/dark/
// Light: https://terminalcolors.com/themes/ayu/light/
var (
	// Semantic status colors (Ayu theme - adaptive light/dark)
	ColorPass = lipgloss.AdaptiveColor{
		Light: "#86b300", // ayu light bright green
		Dark:  "#c2d94c", // ayu dark bright green
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49", // ayu light bright yellow
		Dark:  "#ffb454", // ayu dark bright yellow
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171", // ayu light bright red
		Dark:  "#f07178", // ayu dark bright red
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99", // ayu light muted
		Dark:  "#6c7680", // ayu dark muted
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6", // ayu light bright blue
		Dark:  "#59c2ff", // ayu dark bright blue
	}
)

// Status styles - consistent across all commands
var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
)

// CategoryStyle for section headers - bold with accent color
var CategoryStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)

// UrgentStyle for CRITICAL severities and labels - bold red
var UrgentStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorFail)

// Status icons - consistent semantic indicators
const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconSkip = "-"
	IconInfo = "ℹ"
)

// Tree characters for hierarchical display
const (
	TreeChild  = "⎿ "  // child indicator
	TreeLast   = "└─ " // last child / detail line
	TreeIndent = "  "  // 2-space indent per level
)

// Separators
const (
	SeparatorLight = "──────────────────────────────────────────"
	SeparatorHeavy = "══════════════════════════════════════════"
)

// RenderPass renders text with pass (green) styling
func RenderPass(s string) string {
	return PassStyle.Render(s)
}

// RenderWarn renders text with warning (yellow) styling
func RenderWarn(s string) string {
	return WarnStyle.Render(s)
}

// RenderFail renders text with fail (red) styling
func RenderFail(s string) string {
	return FailStyle.Render(s)
}

// RenderMuted renders text with muted (gray) styling
func RenderMuted(s string) string {
	return MutedStyle.Render(s)
}

// RenderAccent renders text with accent (blue) styling
func RenderAccent(s string) string {
	return AccentStyle.Render(s)
}

// RenderCategory renders a category header in uppercase with accent color
func RenderCategory(s string) string {
	return CategoryStyle.Render(strings.ToUpper(s))
}

// RenderSeparator renders the light separator line in muted color
func RenderSeparator() string {
	return MutedStyle.Render(SeparatorLight)
}

// RenderSeverity colors a conflict severity. CRITICAL is bold so it
// stands out in a scrolling list.
func RenderSeverity(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return UrgentStyle.Render(string(s))
	case types.SeverityHigh:
		return FailStyle.Render(string(s))
	case types.SeverityMedium:
		return WarnStyle.Render(string(s))
	case types.SeverityLow:
		return MutedStyle.Render(string(s))
	}
	return string(s)
}

// RenderSyncStatus colors a queue item's derived status.
func RenderSyncStatus(s types.SyncStatus) string {
	switch s {
	case types.StatusSynced:
		return PassStyle.Render(string(s))
	case types.StatusSyncing:
		return AccentStyle.Render(string(s))
	case types.StatusPending:
		return WarnStyle.Render(string(s))
	case types.StatusFailed:
		return FailStyle.Render(string(s))
	case types.StatusRolledBack:
		return MutedStyle.Render(string(s))
	}
	return string(s)
}

// RenderPriorityLabel colors a priority label.
func RenderPriorityLabel(l types.PriorityLabel) string {
	switch l {
	case types.LabelCritical:
		return UrgentStyle.Render(string(l))
	case types.LabelHigh:
		return WarnStyle.Render(string(l))
	case types.LabelNormal:
		return AccentStyle.Render(string(l))
	case types.LabelLow:
		return MutedStyle.Render(string(l))
	}
	return string(l)
}

// RenderConflictStatus colors a conflict's lifecycle state.
func RenderConflictStatus(s types.ConflictStatus) string {
	switch s {
	case types.ConflictPending:
		return WarnStyle.Render(string(s))
	case types.ConflictResolved:
		return PassStyle.Render(string(s))
	case types.ConflictEscalated:
		return FailStyle.Render(string(s))
	}
	return string(s)
}

// RenderUpdateStatus colors an optimistic update's lifecycle state.
func RenderUpdateStatus(s types.UpdateStatus) string {
	switch s {
	case types.UpdatePending:
		return WarnStyle.Render(string(s))
	case types.UpdateConfirmed:
		return PassStyle.Render(string(s))
	case types.UpdateFailed:
		return FailStyle.Render(string(s))
	case types.UpdateRolledBack:
		return MutedStyle.Render(string(s))
	}
	return string(s)
}

// RenderPassIcon renders the pass icon with styling
func RenderPassIcon() string {
	return PassStyle.Render(IconPass)
}

// RenderWarnIcon renders the warning icon with styling
func RenderWarnIcon() string {
	return WarnStyle.Render(IconWarn)
}

// RenderFailIcon renders the fail icon with styling
func RenderFailIcon() string {
	return FailStyle.Render(IconFail)
}

// RenderInfoIcon renders the info icon with styling
func RenderInfoIcon() string {
	return AccentStyle.Render(IconInfo)
}
