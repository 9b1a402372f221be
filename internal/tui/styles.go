// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// package tui provides the terminal dashboard for a running poolgate
// server. This file defines the shared lipgloss styles.
package tui // import "github.com/toeirei/poolgate/internal/tui"

import "github.com/charmbracelet/lipgloss"

// colorPalette defines the core colors used in the TUI.
const (
	colorSubtle    = lipgloss.Color("240") // Muted gray
	colorHighlight = lipgloss.Color("81")  // Teal
	colorSpecial   = lipgloss.Color("208") // Orange
	colorError     = lipgloss.Color("196") // Bright red
	colorSuccess   = lipgloss.Color("40")  // Green
	colorWhite     = lipgloss.Color("231")
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	helpStyle = lipgloss.NewStyle().Foreground(colorSubtle)

	// Accounts switched off by an operator
	inactiveItemStyle = lipgloss.NewStyle().
				Strikethrough(true).
				Foreground(colorSubtle)

	errorStyle   = lipgloss.NewStyle().Foreground(colorError)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	specialStyle = lipgloss.NewStyle().Foreground(colorSpecial)

	titleStyle = lipgloss.NewStyle().
			Foreground(colorHighlight).
			Bold(true).
			Padding(1, 2)

	statusMessageStyle = lipgloss.NewStyle().
				Padding(0, 1).
				Foreground(colorWhite).
				Background(colorHighlight)
)
