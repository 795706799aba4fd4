// Package ui holds the shared terminal styles for the qp commands.
package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	Title   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	Header  = lipgloss.NewStyle().Bold(true).Underline(true)
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	Error   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	Muted   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// StatusDot renders a colored marker for a connection or item state.
func StatusDot(state string) string {
	switch state {
	case "connected", "ok", "pending":
		return Success.Render("●")
	case "connecting", "reconnecting":
		return Warning.Render("●")
	case "disconnected", "failed":
		return Error.Render("●")
	default:
		return Muted.Render("●")
	}
}

// KV renders an aligned "key: value" line.
func KV(key string, value any) string {
	return fmt.Sprintf("%s %v", Muted.Render(key+":"), value)
}
