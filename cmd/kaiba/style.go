package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/kaiba/internal/models"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("241")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(14)

	okStyle      = lipgloss.NewStyle().Foreground(successColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

// field prints one "label value" line.
func field(label string, value any) {
	fmt.Printf("%s %v\n", labelStyle.Render(label), value)
}

// energyBar renders energy in [0,100] as a ten cell gauge.
func energyBar(energy int) string {
	energy = min(max(energy, 0), models.MaxEnergy)
	filled := energy / 10
	bar := strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
	return energyStyle(energy).Render(bar) + fmt.Sprintf(" %3d", energy)
}

func energyStyle(energy int) lipgloss.Style {
	switch {
	case energy >= 50:
		return okStyle
	case energy >= 20:
		return warningStyle
	default:
		return errorStyle
	}
}

func actionStyle(a models.Action) lipgloss.Style {
	switch a {
	case models.ActionLearn:
		return okStyle
	case models.ActionDigest:
		return titleStyle
	default:
		return mutedStyle
	}
}

func deliveryStyle(s models.DeliveryStatus) lipgloss.Style {
	switch s {
	case models.DeliverySuccess:
		return okStyle
	case models.DeliveryRetrying, models.DeliveryPending:
		return warningStyle
	case models.DeliveryFailed:
		return errorStyle
	default:
		return mutedStyle
	}
}

func enabledLabel(enabled bool) string {
	if enabled {
		return okStyle.Render("enabled")
	}
	return mutedStyle.Render("disabled")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
