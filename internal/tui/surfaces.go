package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/1broseidon/surfacecomposer/internal/ipc"
)

// surfaceItem is a list item for one composited layer.
type surfaceItem struct {
	z     int
	layer ipc.LayerStatus
}

func (i surfaceItem) Title() string {
	mark := lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("■")
	if i.layer.PID == 0 {
		mark = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Render("■")
	}
	return fmt.Sprintf("%s %d %s", mark, i.z, i.layer.Name)
}

func (i surfaceItem) Description() string {
	owner := fmt.Sprintf("pid %d", i.layer.PID)
	if i.layer.PID == 0 {
		owner = "test layer"
	}
	return fmt.Sprintf("%s  %d,%d  %dx%d", owner, i.layer.X, i.layer.Y, i.layer.W, i.layer.H)
}

func (i surfaceItem) FilterValue() string { return i.layer.Name }

// SurfacesTab lists layers in draw order with an optional pid filter.
type SurfacesTab struct {
	list      list.Model
	layers    []ipc.LayerStatus
	pid       int32
	filtering bool
	textInput textinput.Model
	width     int
	height    int
}

// NewSurfacesTab creates an empty SurfacesTab.
func NewSurfacesTab() SurfacesTab {
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.
		Foreground(lipgloss.Color("15")).
		BorderForeground(lipgloss.Color("62"))
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.
		Foreground(lipgloss.Color("250")).
		BorderForeground(lipgloss.Color("62"))

	l := list.New(nil, delegate, 0, 0)
	l.Title = "Surfaces"
	l.Styles.Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("62")).
		Padding(0, 1)
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)
	l.KeyMap.Quit.SetEnabled(false)

	ti := textinput.New()
	ti.Placeholder = "pid (empty for all)"
	ti.CharLimit = 10

	return SurfacesTab{list: l, textInput: ti}
}

// SetLayers replaces the listed layers.
func (s *SurfacesTab) SetLayers(layers []ipc.LayerStatus) {
	s.layers = layers
	s.list.SetItems(buildSurfaceItems(layers, s.pid))
}

func buildSurfaceItems(layers []ipc.LayerStatus, pid int32) []list.Item {
	items := make([]list.Item, 0, len(layers))
	for z, l := range layers {
		if pid != 0 && l.PID != pid {
			continue
		}
		items = append(items, surfaceItem{z: z, layer: l})
	}
	return items
}

// Update handles messages for the surfaces tab.
func (s SurfacesTab) Update(msg tea.Msg) (SurfacesTab, tea.Cmd) {
	if s.filtering {
		return s.updateFiltering(msg)
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.list.SetSize(s.width, s.height-1)
		return s, nil

	case tea.KeyMsg:
		if msg.String() == "/" {
			s.filtering = true
			s.textInput.Reset()
			s.textInput.Focus()
			return s, textinput.Blink
		}
	}

	var cmd tea.Cmd
	s.list, cmd = s.list.Update(msg)
	return s, cmd
}

func (s SurfacesTab) updateFiltering(msg tea.Msg) (SurfacesTab, tea.Cmd) {
	if km, ok := msg.(tea.KeyMsg); ok {
		switch km.String() {
		case "enter":
			value := strings.TrimSpace(s.textInput.Value())
			if value == "" {
				s.pid = 0
			} else if pid, err := strconv.ParseInt(value, 10, 32); err == nil && pid > 0 {
				s.pid = int32(pid)
			}
			s.filtering = false
			s.textInput.Blur()
			s.list.SetItems(buildSurfaceItems(s.layers, s.pid))
			return s, nil
		case "esc":
			s.filtering = false
			s.textInput.Blur()
			return s, nil
		}
	}

	var cmd tea.Cmd
	s.textInput, cmd = s.textInput.Update(msg)
	return s, cmd
}

// View implements tea.Model.
func (s SurfacesTab) View() string {
	if s.width == 0 || s.height == 0 {
		return ""
	}
	footer := fmt.Sprintf("%d of %d surfaces", len(s.list.Items()), len(s.layers))
	if s.pid != 0 {
		footer += fmt.Sprintf(" (pid %d)", s.pid)
	}
	if s.filtering {
		footer = "filter: " + s.textInput.View()
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		s.list.View(),
		labelStyle.UnsetWidth().Render(footer),
	)
}
