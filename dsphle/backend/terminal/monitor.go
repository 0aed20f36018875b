// Package terminal is a live tcell monitor of a running DSP: mailbox and
// render state, output levels and recent logs.
package terminal

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/valerio/go-dsphle/dsphle/debug"
	"github.com/valerio/go-dsphle/dsphle/zelda"
)

const (
	minTermWidth  = 60
	minTermHeight = 18
	statusHeight  = 10
	meterLabel    = 4
	logCapacity   = 200
)

// Source is the DSP being monitored.
type Source interface {
	Status() zelda.Status
	Frames() uint64
	Interrupts() uint64
	PendingMails() int
	DroppedSamples() uint64
}

// Monitor renders the DSP state on a terminal. It implements
// zelda.FrameSink to track output levels.
type Monitor struct {
	screen    tcell.Screen
	source    Source
	logBuffer *LogBuffer
	logLevel  *slog.LevelVar
	running   bool
	paused    bool

	levelsMu    sync.Mutex
	left, right int
}

// NewMonitor creates a monitor drawing on screen. Call Init before use.
func NewMonitor(screen tcell.Screen, source Source) *Monitor {
	level := &slog.LevelVar{}
	level.Set(slog.LevelInfo)
	return &Monitor{
		screen:    screen,
		source:    source,
		logBuffer: NewLogBuffer(logCapacity),
		logLevel:  level,
	}
}

// Init initializes the terminal.
func (m *Monitor) Init() error {
	if err := m.screen.Init(); err != nil {
		return fmt.Errorf("failed to initialize terminal: %w", err)
	}
	m.screen.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite))
	m.screen.Clear()
	m.running = true
	return nil
}

// Logger returns a logger whose records show up in the monitor. Records
// below the level selected with +/- are dropped.
func (m *Monitor) Logger() *slog.Logger {
	return slog.New(NewLogBufferHandler(m.logBuffer, m.logLevel))
}

// SetSource replaces the monitored DSP, for when it is created after the
// monitor's logger.
func (m *Monitor) SetSource(s Source) { m.source = s }

// Running is false once the user asked to quit.
func (m *Monitor) Running() bool { return m.running }

// Paused reports whether the user paused playback with space.
func (m *Monitor) Paused() bool { return m.paused }

// PushFrame records the peak levels of a rendered frame.
func (m *Monitor) PushFrame(samples []int16) {
	l, r := debug.PeakLevels(samples)
	m.levelsMu.Lock()
	defer m.levelsMu.Unlock()
	m.left, m.right = l, r
}

func (m *Monitor) levels() (int, int) {
	m.levelsMu.Lock()
	defer m.levelsMu.Unlock()
	return m.left, m.right
}

// Update processes pending key events and redraws the screen. It returns
// false once the monitor should stop.
func (m *Monitor) Update() bool {
	for m.screen.HasPendingEvent() {
		switch ev := m.screen.PollEvent().(type) {
		case *tcell.EventKey:
			m.processKeyEvent(ev)
		case *tcell.EventResize:
			m.screen.Sync()
		}
	}
	if !m.running {
		return false
	}

	m.render()
	m.screen.Show()
	return true
}

// Close restores the terminal.
func (m *Monitor) Close() {
	m.screen.Fini()
}

func (m *Monitor) processKeyEvent(ev *tcell.EventKey) {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		m.running = false
		return
	case tcell.KeyRune:
	default:
		return
	}

	switch ev.Rune() {
	case 'q':
		m.running = false
	case ' ':
		m.paused = !m.paused
	case '+', '=':
		m.changeLogLevel(1)
	case '-', '_':
		m.changeLogLevel(-1)
	}
}

// changeLogLevel shows more (direction 1) or fewer (-1) log records.
func (m *Monitor) changeLogLevel(direction int) {
	old := m.logLevel.Level()
	next := old
	switch direction {
	case -1:
		switch old {
		case slog.LevelDebug:
			next = slog.LevelInfo
		case slog.LevelInfo:
			next = slog.LevelWarn
		case slog.LevelWarn:
			next = slog.LevelError
		}
	case 1:
		switch old {
		case slog.LevelError:
			next = slog.LevelWarn
		case slog.LevelWarn:
			next = slog.LevelInfo
		case slog.LevelInfo:
			next = slog.LevelDebug
		}
	}
	if next != old {
		m.logLevel.Set(next)
		m.Logger().Info("Log filter changed", "from", old, "to", next)
	}
}

func (m *Monitor) render() {
	termWidth, termHeight := m.screen.Size()
	m.screen.Clear()
	if termWidth < minTermWidth || termHeight < minTermHeight {
		msg := fmt.Sprintf("Terminal too small! Need at least %dx%d", minTermWidth, minTermHeight)
		m.drawText(0, termHeight/2, termWidth, msg, tcell.StyleDefault.Foreground(tcell.ColorRed))
		return
	}

	titleStyle := tcell.StyleDefault.Foreground(tcell.ColorYellow)
	title := " zelda dsp "
	if m.paused {
		title += "[paused] "
	}
	m.drawText(1, 0, termWidth-1, title, titleStyle)

	y := m.drawStatus(1, 1, termWidth-2)
	y = m.drawMeters(1, y+1, termWidth-2)

	borderStyle := tcell.StyleDefault.Foreground(tcell.ColorWhite)
	for x := range termWidth {
		m.screen.SetContent(x, y, '─', nil, borderStyle)
	}
	m.drawText(1, y, termWidth-1, fmt.Sprintf(" logs (%s) ", m.logLevel.Level()), titleStyle)

	m.drawLogs(1, y+1, termWidth-2, termHeight-1)

	help := "q quit  space pause  +/- log level"
	m.drawText(1, termHeight-1, termWidth-1, help, borderStyle)
}

// drawStatus draws the protocol state and returns the next free row.
func (m *Monitor) drawStatus(x, y, width int) int {
	if m.source == nil {
		return y + statusHeight
	}
	st := m.source.Status()

	stateStyle := tcell.StyleDefault.Foreground(tcell.ColorGreen)
	switch st.State {
	case zelda.StateHalted:
		stateStyle = tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorRed).Bold(true)
	case zelda.StateWaiting:
		stateStyle = tcell.StyleDefault.Foreground(tcell.ColorYellow)
	}

	labelStyle := tcell.StyleDefault.Foreground(tcell.ColorTeal)
	valueStyle := tcell.StyleDefault.Foreground(tcell.ColorWhite)

	state := st.State.String()
	if st.HaltReason != "" {
		state += ": " + st.HaltReason
	}
	rows := []struct {
		label string
		value string
		style tcell.Style
	}{
		{"state", state, stateStyle},
		{"frame", fmt.Sprintf("%d/%d (total %d)", st.CurrentFrame, st.RequestedFrames, m.source.Frames()), valueStyle},
		{"voice", fmt.Sprintf("%d/%d, sync up to %d", st.CurrentVoice, st.VoicesPerFrame, st.SyncMaxVoiceID), valueStyle},
		{"commands", fmt.Sprintf("%d pending, %d words buffered", st.PendingCommands, st.BufferedWords), valueStyle},
		{"held mails", fmt.Sprintf("%d", st.HeldMails), valueStyle},
		{"mailbox", fmt.Sprintf("%d unread, %d interrupts", m.source.PendingMails(), m.source.Interrupts()), valueStyle},
		{"output", fmt.Sprintf("volume 0x%04X, vpb base 0x%08X", st.OutputVolume, st.VPBBaseAddress), valueStyle},
		{"buffers", fmt.Sprintf("left 0x%08X, right 0x%08X", st.OutputLeft, st.OutputRight), valueStyle},
		{"dropped", fmt.Sprintf("%d samples", m.source.DroppedSamples()), valueStyle},
	}
	for i, r := range rows {
		m.drawText(x, y+i, width, fmt.Sprintf("%-11s", r.label), labelStyle)
		m.drawText(x+12, y+i, width-12, r.value, r.style)
	}
	return y + statusHeight
}

// drawMeters draws one bar per output channel and returns the next free row.
func (m *Monitor) drawMeters(x, y, width int) int {
	left, right := m.levels()
	barWidth := width - meterLabel
	for i, ch := range []struct {
		name  string
		level int
	}{{"L", left}, {"R", right}} {
		m.drawText(x, y+i, meterLabel, ch.name, tcell.StyleDefault.Foreground(tcell.ColorTeal))
		filled := ch.level * barWidth / 0x8000
		style := tcell.StyleDefault.Foreground(tcell.ColorGreen)
		if ch.level >= 0x7FFF {
			style = tcell.StyleDefault.Foreground(tcell.ColorRed)
		}
		m.drawText(x+meterLabel, y+i, barWidth, strings.Repeat("█", filled), style)
	}
	return y + 2
}

func (m *Monitor) drawLogs(x, y, width, bottom int) {
	available := bottom - y
	if available <= 0 || width <= 0 {
		return
	}

	debugStyle := tcell.StyleDefault.Foreground(tcell.ColorGray)
	infoStyle := tcell.StyleDefault.Foreground(tcell.ColorBlue)
	warnStyle := tcell.StyleDefault.Foreground(tcell.ColorYellow)
	errStyle := tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)

	for i, entry := range m.logBuffer.GetRecent(available) {
		style := infoStyle
		switch {
		case entry.Level >= slog.LevelError:
			style = errStyle
		case entry.Level >= slog.LevelWarn:
			style = warnStyle
		case entry.Level < slog.LevelInfo:
			style = debugStyle
		}
		m.drawText(x, y+i, width, FormatLogEntry(entry), style)
	}
}

// drawText writes s on one row, truncating it to width cells.
func (m *Monitor) drawText(x, y, width int, s string, style tcell.Style) {
	runes := []rune(s)
	if len(runes) > width {
		if width > 3 {
			runes = append(runes[:width-3], '.', '.', '.')
		} else if width > 0 {
			runes = runes[:width]
		} else {
			return
		}
	}
	for i, r := range runes {
		m.screen.SetContent(x+i, y, r, nil, style)
	}
}
