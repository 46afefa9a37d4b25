package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/1broseidon/surfacecomposer/internal/ipc"
)

func testStatus(frame uint64) *ipc.StatusOk {
	return &ipc.StatusOk{
		MonitorID:   "EINK-0",
		Backend:     "virtual",
		Mode:        "160x120@60Hz",
		Frame:       frame,
		FenceValue:  frame - 1,
		Connections: 2,
		Layers: []ipc.LayerStatus{
			{PID: 0, Name: "Surface-test", W: 160, H: 120},
			{PID: 100, Name: "Surface-a", X: 10, Y: 10, W: 40, H: 30},
			{PID: 200, Name: "Surface-b", X: 60, Y: 40, W: 20, H: 20},
		},
	}
}

func sized(m model) model {
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(model)
}

func update(t *testing.T, m model, msg tea.Msg) model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(model)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestOverviewShowsStatus(t *testing.T) {
	m := sized(newModel(ipc.DefaultEndpoint, time.Second, nil))
	m = update(t, m, statusMsg{status: testStatus(10), at: time.Now()})

	view := m.View()
	for _, want := range []string{"connected to ipc://surface-composer", "EINK-0", "virtual", "160x120@60Hz"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestFrameRateFromConsecutivePolls(t *testing.T) {
	m := newModel(ipc.DefaultEndpoint, time.Second, nil)
	at := time.Now()
	m = update(t, m, statusMsg{status: testStatus(100), at: at})
	if m.fps != 0 {
		t.Fatalf("fps after first poll = %v, want 0", m.fps)
	}
	m = update(t, m, statusMsg{status: testStatus(130), at: at.Add(500 * time.Millisecond)})
	if m.fps != 60 {
		t.Errorf("fps = %v, want 60", m.fps)
	}
}

func TestFetchErrorShowsUnreachable(t *testing.T) {
	m := sized(newModel(ipc.DefaultEndpoint, time.Second, nil))
	m = update(t, m, statusMsg{status: testStatus(10), at: time.Now()})
	m = update(t, m, statusMsg{err: errors.New("connection refused"), at: time.Now()})

	if m.status != nil || m.fps != 0 {
		t.Errorf("status not cleared after error")
	}
	view := m.View()
	if !strings.Contains(view, "compositor unreachable: connection refused") {
		t.Errorf("view missing error:\n%s", view)
	}
}

func TestPollAndTickCommands(t *testing.T) {
	calls := 0
	m := newModel(ipc.DefaultEndpoint, time.Millisecond, func() (*ipc.StatusOk, error) {
		calls++
		return testStatus(1), nil
	})
	msg := m.Init()()
	st, ok := msg.(statusMsg)
	if !ok || st.status == nil || calls != 1 {
		t.Fatalf("Init command produced %T (calls %d)", msg, calls)
	}
	next, cmd := m.Update(st)
	if cmd == nil {
		t.Fatal("status did not schedule the next tick")
	}
	if _, ok := cmd().(tickMsg); !ok {
		t.Fatal("expected a tick")
	}
	_, cmd = next.Update(tickMsg(time.Now()))
	if _, ok := cmd().(statusMsg); !ok || calls != 2 {
		t.Fatalf("tick did not poll (calls %d)", calls)
	}
}

func TestTabSwitching(t *testing.T) {
	m := sized(newModel(ipc.DefaultEndpoint, time.Second, nil))
	if m.activeTab != TabOverview {
		t.Fatalf("initial tab = %v", m.activeTab)
	}
	m = update(t, m, key("tab"))
	if m.activeTab != TabSurfaces {
		t.Errorf("after tab = %v", m.activeTab)
	}
	m = update(t, m, key("tab"))
	if m.activeTab != TabOverview {
		t.Errorf("tab does not wrap: %v", m.activeTab)
	}
	m = update(t, m, key("2"))
	if m.activeTab != TabSurfaces {
		t.Errorf("after 2 = %v", m.activeTab)
	}
}

func TestSurfacesFilterByPID(t *testing.T) {
	m := sized(newModel(ipc.DefaultEndpoint, time.Second, nil))
	m = update(t, m, statusMsg{status: testStatus(1), at: time.Now()})
	m = update(t, m, key("2"))
	if n := len(m.surfacesTab.list.Items()); n != 3 {
		t.Fatalf("items = %d, want 3", n)
	}

	m = update(t, m, key("/"))
	if !m.surfacesTab.filtering {
		t.Fatal("/ did not start filtering")
	}
	// Digits go to the input, not the tab shortcuts.
	for _, r := range "200" {
		m = update(t, m, key(string(r)))
	}
	if m.activeTab != TabSurfaces {
		t.Fatal("typing switched tabs")
	}
	m = update(t, m, key("enter"))

	items := m.surfacesTab.list.Items()
	if len(items) != 1 {
		t.Fatalf("filtered items = %d, want 1", len(items))
	}
	if it := items[0].(surfaceItem); it.layer.Name != "Surface-b" || it.z != 2 {
		t.Errorf("filtered item = %+v", it)
	}

	// New status keeps the filter.
	m = update(t, m, statusMsg{status: testStatus(2), at: time.Now()})
	if n := len(m.surfacesTab.list.Items()); n != 1 {
		t.Errorf("filter lost on refresh: %d items", n)
	}

	m = update(t, m, key("/"))
	m = update(t, m, key("enter"))
	if n := len(m.surfacesTab.list.Items()); n != 3 {
		t.Errorf("empty filter shows %d items, want 3", n)
	}
}

func TestSurfaceItemText(t *testing.T) {
	test := surfaceItem{z: 0, layer: ipc.LayerStatus{PID: 0, Name: "Surface-t", W: 10, H: 10}}
	if !strings.Contains(test.Description(), "test layer") {
		t.Errorf("description = %q", test.Description())
	}
	client := surfaceItem{z: 3, layer: ipc.LayerStatus{PID: 42, Name: "Surface-c", X: 1, Y: 2, W: 3, H: 4}}
	if d := client.Description(); d != "pid 42  1,2  3x4" {
		t.Errorf("description = %q", d)
	}
	if !strings.Contains(client.Title(), "3 Surface-c") {
		t.Errorf("title = %q", client.Title())
	}
}
