package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Tab identifies a watch tab.
type Tab int

const (
	TabOverview Tab = iota
	TabSurfaces
	tabCount // sentinel for iteration
)

func (t Tab) String() string {
	switch t {
	case TabOverview:
		return "Overview"
	case TabSurfaces:
		return "Surfaces"
	default:
		return "?"
	}
}

var (
	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("250")).
				Background(lipgloss.Color("236")).
				Padding(0, 2)

	tabBarStyle = lipgloss.NewStyle().
			MarginBottom(1)

	tabGap = lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		SetString(" ")

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(16)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))
)

func renderTabBar(active Tab, width int) string {
	var tabs []string
	for i := Tab(0); i < tabCount; i++ {
		label := fmt.Sprintf("%d:%s", i+1, i)
		if i == active {
			tabs = append(tabs, activeTabStyle.Render(label))
		} else {
			tabs = append(tabs, inactiveTabStyle.Render(label))
		}
	}
	row := lipgloss.JoinHorizontal(lipgloss.Top, intersperse(tabs, tabGap.Render())...)
	return tabBarStyle.Width(width).Render(row)
}

// intersperse inserts sep between each element of items.
func intersperse(items []string, sep string) []string {
	if len(items) <= 1 {
		return items
	}
	result := make([]string, 0, len(items)*2-1)
	for i, item := range items {
		if i > 0 {
			result = append(result, sep)
		}
		result = append(result, item)
	}
	return result
}

func renderStatusBar(connected bool, endpoint, lastErr string, width int) string {
	var status string
	if connected {
		dot := lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
		status = dot + " connected to " + endpoint
	} else {
		dot := lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("●")
		status = dot + " compositor unreachable"
		if lastErr != "" {
			status += ": " + lastErr
		}
	}
	style := lipgloss.NewStyle().
		Width(width).
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("250")).
		Padding(0, 1)
	return style.Render(status)
}

func renderHelpBar(active Tab, filtering bool, width int) string {
	help := []string{"tab: switch", "1-2: jump", "q: quit"}
	if active == TabSurfaces {
		help = append(help, "/: filter by pid")
	}
	if filtering {
		help = []string{"enter: apply filter", "esc: cancel"}
	}
	style := lipgloss.NewStyle().
		Width(width).
		Foreground(lipgloss.Color("241")).
		Padding(0, 1)
	return style.Render(strings.Join(help, "  "))
}

// renderFields renders label/value pairs one per line.
func renderFields(pairs ...string) string {
	var rows []string
	for i := 0; i+1 < len(pairs); i += 2 {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
			labelStyle.Render(pairs[i]),
			valueStyle.Render(pairs[i+1]),
		))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}
