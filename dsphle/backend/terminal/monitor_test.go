package terminal

import (
	"strings"
	"testing"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valerio/go-dsphle/dsphle/zelda"
)

type fakeSource struct {
	status zelda.Status
}

func (f *fakeSource) Status() zelda.Status   { return f.status }
func (f *fakeSource) Frames() uint64         { return 42 }
func (f *fakeSource) Interrupts() uint64     { return 7 }
func (f *fakeSource) PendingMails() int      { return 3 }
func (f *fakeSource) DroppedSamples() uint64 { return 0 }

func newTestMonitor(t *testing.T, w, h int) (*Monitor, tcell.SimulationScreen, *fakeSource) {
	t.Helper()
	screen := tcell.NewSimulationScreen("")
	src := &fakeSource{status: zelda.Status{
		State:           zelda.StateRendering,
		RequestedFrames: 4,
		CurrentFrame:    1,
		OutputLeft:      0xA0A0,
		OutputRight:     0xB0A0,
	}}
	m := NewMonitor(screen, src)
	require.NoError(t, m.Init())
	screen.SetSize(w, h)
	t.Cleanup(m.Close)
	return m, screen, src
}

func screenText(screen tcell.SimulationScreen) string {
	cells, w, _ := screen.GetContents()
	var b strings.Builder
	for i, c := range cells {
		if len(c.Runes) > 0 {
			b.WriteRune(c.Runes[0])
		} else {
			b.WriteRune(' ')
		}
		if (i+1)%w == 0 {
			b.WriteRune('\n')
		}
	}
	return b.String()
}

func TestMonitor_DrawsStatus(t *testing.T) {
	m, screen, _ := newTestMonitor(t, 100, 30)

	m.Logger().Info("voice muted", "voice", 3)
	require.True(t, m.Update())

	text := screenText(screen)
	assert.Contains(t, text, "RENDERING")
	assert.Contains(t, text, "1/4 (total 42)")
	assert.Contains(t, text, "3 unread, 7 interrupts")
	assert.Contains(t, text, "left 0x0000A0A0, right 0x0000B0A0")
	assert.Contains(t, text, "voice muted voice=3")
}

func TestMonitor_ShowsHaltReason(t *testing.T) {
	m, screen, src := newTestMonitor(t, 100, 30)
	src.status = zelda.Status{State: zelda.StateHalted, HaltReason: "unknown command"}

	require.True(t, m.Update())
	assert.Contains(t, screenText(screen), "HALTED: unknown command")
}

func TestMonitor_TooSmall(t *testing.T) {
	m, screen, _ := newTestMonitor(t, 40, 10)

	require.True(t, m.Update())
	assert.Contains(t, screenText(screen), "Terminal too small")
}

func TestMonitor_Keys(t *testing.T) {
	tests := []struct {
		name    string
		key     tcell.Key
		r       rune
		running bool
		paused  bool
	}{
		{"quit with q", tcell.KeyRune, 'q', false, false},
		{"quit with escape", tcell.KeyEscape, 0, false, false},
		{"quit with ctrl-c", tcell.KeyCtrlC, 0, false, false},
		{"pause", tcell.KeyRune, ' ', true, true},
		{"ignored", tcell.KeyRune, 'x', true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestMonitor(t, 100, 30)
			m.processKeyEvent(tcell.NewEventKey(tt.key, tt.r, tcell.ModNone))
			assert.Equal(t, tt.running, m.Running())
			assert.Equal(t, tt.paused, m.Paused())
		})
	}
}

func TestMonitor_UpdateStopsAfterQuit(t *testing.T) {
	m, _, _ := newTestMonitor(t, 100, 30)
	m.processKeyEvent(tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone))
	assert.False(t, m.Update())
}

func TestMonitor_ChangeLogLevel(t *testing.T) {
	m, _, _ := newTestMonitor(t, 100, 30)
	logger := m.Logger()

	logger.Debug("hidden")
	assert.Empty(t, m.logBuffer.GetRecent(0))

	m.changeLogLevel(1)
	logger.Debug("shown")
	recent := m.logBuffer.GetRecent(0)
	require.NotEmpty(t, recent)
	assert.Equal(t, "shown", recent[0].Message)

	// already at the most verbose level
	m.changeLogLevel(1)
	assert.Equal(t, "shown", m.logBuffer.GetRecent(1)[0].Message)

	m.changeLogLevel(-1)
	m.changeLogLevel(-1)
	m.changeLogLevel(-1)
	m.changeLogLevel(-1)
	m.logBuffer.Clear()
	logger.Warn("dropped")
	logger.Error("kept")
	recent = m.logBuffer.GetRecent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, "kept", recent[0].Message)
}

func TestMonitor_PushFrame(t *testing.T) {
	m, _, _ := newTestMonitor(t, 100, 30)

	m.PushFrame([]int16{100, -2000, -300, 50})
	l, r := m.levels()
	assert.Equal(t, 300, l)
	assert.Equal(t, 2000, r)
}
