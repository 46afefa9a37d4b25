// Package tui is a live terminal view of a running compositor.
package tui

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/1broseidon/surfacecomposer/internal/ipc"
)

// DefaultInterval is the status poll period.
const DefaultInterval = 500 * time.Millisecond

// Options configure Run.
type Options struct {
	Endpoint string
	Interval time.Duration
	Timeout  time.Duration
}

type fetchFunc func() (*ipc.StatusOk, error)

type statusMsg struct {
	status *ipc.StatusOk
	err    error
	at     time.Time
}

type tickMsg time.Time

// model is the root bubbletea model.
type model struct {
	endpoint string
	interval time.Duration
	fetch    fetchFunc

	activeTab   Tab
	surfacesTab SurfacesTab

	status    *ipc.StatusOk
	lastErr   string
	lastFrame uint64
	lastAt    time.Time
	fps       float64

	width  int
	height int
}

func newModel(endpoint string, interval time.Duration, fetch fetchFunc) model {
	return model{
		endpoint:    endpoint,
		interval:    interval,
		fetch:       fetch,
		activeTab:   TabOverview,
		surfacesTab: NewSurfacesTab(),
	}
}

func (m model) poll() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		st, err := fetch()
		return statusMsg{status: st, err: err, at: time.Now()}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) contentHeight() int {
	// status bar (1) + tab bar (2 with margin) + help bar (1)
	h := m.height - 4
	if h < 1 {
		h = 1
	}
	return h
}

// Init implements tea.Model.
func (m model) Init() tea.Cmd {
	return m.poll()
}

// Update implements tea.Model.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case statusMsg:
		m.applyStatus(msg)
		return m, m.tick()

	case tickMsg:
		return m, m.poll()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.surfacesTab, _ = m.surfacesTab.Update(tea.WindowSizeMsg{Width: m.width, Height: m.contentHeight()})
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.surfacesTab.filtering {
			break
		}
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			return m, nil
		case "shift+tab":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
			return m, nil
		case "1":
			m.activeTab = TabOverview
			return m, nil
		case "2":
			m.activeTab = TabSurfaces
			return m, nil
		}
	}

	if m.activeTab == TabSurfaces {
		var cmd tea.Cmd
		m.surfacesTab, cmd = m.surfacesTab.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) applyStatus(msg statusMsg) {
	if msg.err != nil {
		m.status = nil
		m.lastErr = msg.err.Error()
		m.fps = 0
		m.lastAt = time.Time{}
		return
	}
	st := msg.status
	if !m.lastAt.IsZero() && st.Frame >= m.lastFrame {
		if dt := msg.at.Sub(m.lastAt).Seconds(); dt > 0 {
			m.fps = float64(st.Frame-m.lastFrame) / dt
		}
	}
	m.status = st
	m.lastErr = ""
	m.lastFrame = st.Frame
	m.lastAt = msg.at
	m.surfacesTab.SetLayers(st.Layers)
}

// View implements tea.Model.
func (m model) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	statusBar := renderStatusBar(m.status != nil, m.endpoint, m.lastErr, m.width)
	tabBar := renderTabBar(m.activeTab, m.width)
	helpBar := renderHelpBar(m.activeTab, m.surfacesTab.filtering, m.width)

	var content string
	switch m.activeTab {
	case TabSurfaces:
		content = m.surfacesTab.View()
	default:
		content = m.overview()
	}
	content = lipgloss.NewStyle().Height(m.contentHeight()).Padding(0, 1).Render(content)

	return lipgloss.JoinVertical(lipgloss.Left,
		statusBar,
		tabBar,
		content,
		helpBar,
	)
}

func (m model) overview() string {
	st := m.status
	if st == nil {
		return labelStyle.UnsetWidth().Render("waiting for compositor")
	}
	return renderFields(
		"monitor", st.MonitorID,
		"backend", st.Backend,
		"mode", st.Mode,
		"frame", fmt.Sprintf("%d", st.Frame),
		"frame rate", fmt.Sprintf("%.1f Hz", m.fps),
		"fence", fmt.Sprintf("%d", st.FenceValue),
		"back buffer", fmt.Sprintf("%d", st.BackBuffer),
		"surfaces", fmt.Sprintf("%d", len(st.Layers)),
		"connections", fmt.Sprintf("%d", st.Connections),
		"uptime", (time.Duration(st.UptimeSeconds) * time.Second).String(),
	)
}

// session is a broker session that reconnects on the next fetch after a
// failure.
type session struct {
	ctx  context.Context
	opts Options
	c    *ipc.Client
}

func (s *session) fetch() (*ipc.StatusOk, error) {
	if s.c == nil {
		c, err := ipc.Connect(s.ctx, s.opts.Endpoint, ipc.ClientOptions{
			HandshakeTimeout: s.opts.Timeout,
			RequestTimeout:   s.opts.Timeout,
		})
		if err != nil {
			return nil, err
		}
		s.c = c
	}
	st, err := s.c.Status(true)
	if err != nil {
		s.close()
		return nil, err
	}
	return st, nil
}

func (s *session) close() {
	if s.c != nil {
		s.c.Close()
		s.c = nil
	}
}

// Run shows the live view until the user quits or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("watch requires an interactive terminal (stdin/stdout must be TTYs)")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = ipc.DefaultEndpoint
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	// Fetches run one at a time: each poll is scheduled after the previous
	// result arrives.
	sess := &session{ctx: ctx, opts: opts}
	defer sess.close()

	p := tea.NewProgram(newModel(opts.Endpoint, opts.Interval, sess.fetch), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
