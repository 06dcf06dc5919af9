// Package terminal implements a tcell machine monitor: the latest video frame
// drawn with half blocks, the registers of every inspectable component and
// the recent log.
package terminal

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"github.com/pkg/errors"
	"github.com/valerio/go-emucore/emucore/backend"
	"github.com/valerio/go-emucore/emucore/fabric"
)

const (
	registerHeight = 12
	minTermWidth   = 80
	minTermHeight  = 24
	// minPanelWidth is kept free right of the frame for registers and logs.
	minPanelWidth = 40
)

// Backend implements the Backend interface using tcell for terminal rendering
type Backend struct {
	screen    tcell.Screen
	logBuffer *LogBuffer
	logLevel  slog.Level
	config    backend.Config
	logger    *slog.Logger

	mu      sync.Mutex
	pending []backend.Action
	signals chan os.Signal
}

// Option configures a terminal Backend.
type Option func(*Backend)

// WithScreen draws on s instead of the terminal.
func WithScreen(s tcell.Screen) Option {
	return func(t *Backend) { t.screen = s }
}

// WithLogBuffer shows the entries of lb in the log pane. Install a
// LogBufferHandler on lb as the machine's logger to fill it.
func WithLogBuffer(lb *LogBuffer) Option {
	return func(t *Backend) { t.logBuffer = lb }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Backend) { t.logger = l }
}

// New creates a new terminal backend
func New(opts ...Option) *Backend {
	t := &Backend{logLevel: slog.LevelInfo, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	if t.logBuffer == nil {
		t.logBuffer = NewLogBuffer(100)
	}
	return t
}

// Init initializes the terminal backend
func (t *Backend) Init(config backend.Config) error {
	t.config = config
	if t.config.Title == "" {
		t.config.Title = "emucore"
	}

	if t.screen == nil {
		screen, err := tcell.NewScreen()
		if err != nil {
			return errors.Wrap(err, "failed to initialize terminal")
		}
		t.screen = screen

		// Set up signal handling for graceful shutdown
		t.signals = make(chan os.Signal, 1)
		signal.Notify(t.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
		go t.handleSignals(t.signals)
	}
	if err := t.screen.Init(); err != nil {
		return errors.Wrap(err, "failed to initialize terminal")
	}

	t.screen.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite))
	t.screen.Clear()

	t.logger.Info("Terminal backend initialized", "debug", config.ShowDebug)
	return nil
}

// Update renders a frame and processes events
func (t *Backend) Update(frame backend.Frame) ([]backend.Action, error) {
	for t.screen.HasPendingEvent() {
		switch ev := t.screen.PollEvent().(type) {
		case *tcell.EventKey:
			t.processKeyEvent(ev)
		case *tcell.EventResize:
			t.screen.Sync()
		}
	}

	t.mu.Lock()
	actions := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, a := range actions {
		t.logger.Debug("UI event", "action", a)
	}

	t.render(frame)
	t.screen.Show()
	return actions, nil
}

// Cleanup cleans up terminal resources
func (t *Backend) Cleanup() error {
	if t.signals != nil {
		signal.Stop(t.signals)
		close(t.signals)
		t.signals = nil
	}
	if t.screen != nil {
		t.logger.Info("Cleaning up terminal backend")
		t.screen.Fini()
	}
	return nil
}

func (t *Backend) handleSignals(signals <-chan os.Signal) {
	if _, ok := <-signals; ok {
		t.push(backend.ActionQuit)
	}
}

func (t *Backend) push(a backend.Action) {
	t.mu.Lock()
	t.pending = append(t.pending, a)
	t.mu.Unlock()
}

// keyMapping maps tcell keys to actions
var keyMapping = map[tcell.Key]backend.Action{
	tcell.KeyEscape: backend.ActionQuit,
	tcell.KeyCtrlC:  backend.ActionQuit,
	tcell.KeyF5:     backend.ActionSaveState,
	tcell.KeyF9:     backend.ActionLoadState,
	tcell.KeyF12:    backend.ActionFrameDump,
}

// runeMapping maps runes to actions
var runeMapping = map[rune]backend.Action{
	'q': backend.ActionQuit,
	' ': backend.ActionPauseToggle,
	'p': backend.ActionPauseToggle,
	'r': backend.ActionReset,
}

func (t *Backend) processKeyEvent(ev *tcell.EventKey) {
	if act, ok := keyMapping[ev.Key()]; ok {
		t.push(act)
		return
	}

	switch ev.Key() {
	case tcell.KeyF10:
		t.config.ShowDebug = !t.config.ShowDebug
		t.logger.Info("Debug display toggled", "enabled", t.config.ShowDebug)
		return
	case tcell.KeyRune:
	default:
		return
	}

	r := ev.Rune()
	if act, ok := runeMapping[r]; ok {
		t.push(act)
		return
	}
	switch r {
	case '+', '=':
		t.changeLogLevel(1)
	case '-', '_':
		t.changeLogLevel(-1)
	}
}

func (t *Backend) changeLogLevel(direction int) {
	oldLevel := t.logLevel
	switch direction {
	case -1:
		switch t.logLevel {
		case slog.LevelDebug:
			t.logLevel = slog.LevelInfo
		case slog.LevelInfo:
			t.logLevel = slog.LevelWarn
		case slog.LevelWarn:
			t.logLevel = slog.LevelError
		}
	case 1:
		switch t.logLevel {
		case slog.LevelError:
			t.logLevel = slog.LevelWarn
		case slog.LevelWarn:
			t.logLevel = slog.LevelInfo
		case slog.LevelInfo:
			t.logLevel = slog.LevelDebug
		}
	}
	if oldLevel != t.logLevel {
		t.logger.Info("Log filter changed", "from", oldLevel, "to", t.logLevel)
	}
}

// LogLevel returns the minimum level shown in the log pane.
func (t *Backend) LogLevel() slog.Level {
	return t.logLevel
}

func (t *Backend) render(frame backend.Frame) {
	termWidth, termHeight := t.screen.Size()
	t.screen.Clear()
	if termWidth < minTermWidth || termHeight < minTermHeight {
		style := tcell.StyleDefault.Foreground(tcell.ColorRed)
		msg := fmt.Sprintf("Terminal too small! Need at least %dx%d", minTermWidth, minTermHeight)
		t.drawText(0, termHeight/2, termWidth, msg, style)
		return
	}

	frameWidth := t.drawFrame(frame.Video, termWidth-minPanelWidth, termHeight-2)
	dividerX := frameWidth + 1
	rightPanelX := dividerX + 1
	rightPanelWidth := termWidth - rightPanelX

	logsY := t.drawBorders(frame, termWidth, termHeight, dividerX)
	if t.config.ShowDebug {
		t.drawRegisters(frame.Panels, rightPanelX, 2, rightPanelWidth)
	}
	t.drawLogs(rightPanelX, logsY, rightPanelWidth, termHeight)
}

// drawBorders draws the status line, the pane borders and titles, and the
// help line. It returns the first row of the log pane.
func (t *Backend) drawBorders(frame backend.Frame, termWidth, termHeight, dividerX int) int {
	borderStyle := tcell.StyleDefault.Foreground(tcell.ColorWhite)
	titleStyle := tcell.StyleDefault.Foreground(tcell.ColorYellow)

	status := fmt.Sprintf(" %s  frame %d  tick %d ", t.config.Title, frame.Number, frame.Tick)
	if frame.Paused {
		status += "[PAUSED] "
	}
	t.drawText(0, 0, termWidth, status, titleStyle)

	for y := 1; y < termHeight-1; y++ {
		t.screen.SetContent(dividerX, y, '│', nil, borderStyle)
	}

	startX := dividerX + 2
	logsTitleY := 1
	if t.config.ShowDebug {
		t.drawText(startX, 1, termWidth-startX, " Registers ", titleStyle)
		registerEndY := registerHeight + 2
		for x := dividerX + 1; x < termWidth; x++ {
			t.screen.SetContent(x, registerEndY, '─', nil, borderStyle)
		}
		t.screen.SetContent(dividerX, registerEndY, '├', nil, borderStyle)
		logsTitleY = registerEndY + 1
	}

	levelStr := "INFO"
	switch t.logLevel {
	case slog.LevelDebug:
		levelStr = "DEBUG"
	case slog.LevelWarn:
		levelStr = "WARN"
	case slog.LevelError:
		levelStr = "ERROR"
	}
	t.drawText(startX, logsTitleY, termWidth-startX, fmt.Sprintf(" Logs [%s] (-/+ filter) ", levelStr), titleStyle)

	helpText := " Q/ESC=quit SPACE=pause R=reset F5=save F9=load F10=registers F12=dump | Logs: +/- filter "
	t.drawText(0, termHeight-1, termWidth, helpText, borderStyle)
	return logsTitleY + 1
}

// drawFrame draws the frame with half blocks, each cell showing two pixel
// rows, skipping pixels when the frame does not fit. It returns the width
// used.
func (t *Backend) drawFrame(frame *fabric.FrameBuffer, maxWidth, maxRows int) int {
	if frame == nil {
		msg := "no video"
		t.drawText(1, 1, maxWidth, msg, tcell.StyleDefault.Foreground(tcell.ColorGray))
		return len(msg) + 1
	}

	fw, fh := int(frame.Width()), int(frame.Height())
	step := 1
	for fw/step > maxWidth || (fh+2*step-1)/(2*step) > maxRows {
		step++
	}

	pixels := frame.ToSlice()
	cols := fw / step
	for y := 0; y < fh; y += 2 * step {
		for x := 0; x < cols; x++ {
			top := pixels[y*fw+x*step]
			bottom := top
			if y+step < fh {
				bottom = pixels[(y+step)*fw+x*step]
			}
			style := tcell.StyleDefault.Foreground(cellColor(top)).Background(cellColor(bottom))
			t.screen.SetContent(x, y/(2*step)+1, '▀', nil, style)
		}
	}
	return cols
}

func cellColor(pixel uint32) tcell.Color {
	r, g, b, _ := fabric.Color(pixel).RGBA()
	return tcell.NewRGBColor(int32(r), int32(g), int32(b))
}

func (t *Backend) drawRegisters(panels []backend.Panel, startX, startY, width int) {
	style := tcell.StyleDefault.Foreground(tcell.ColorBlue)
	idStyle := tcell.StyleDefault.Foreground(tcell.ColorGreen)

	idWidth := 0
	for _, p := range panels {
		idWidth = max(idWidth, len(p.ID))
	}

	for i, p := range panels {
		if i >= registerHeight {
			break
		}
		y := startY + i
		id := fmt.Sprintf("%-*s ", idWidth, p.ID)
		t.drawText(startX, y, width, id, idStyle)
		t.drawText(startX+len(id), y, width-len(id), p.Registers.String(), style)
	}
}

func (t *Backend) drawLogs(startX, startY, width, termHeight int) {
	if width <= 0 || startY >= termHeight {
		return
	}

	availableHeight := termHeight - startY - 1
	if availableHeight <= 0 {
		return
	}

	logs := t.logBuffer.Recent(availableHeight, t.logLevel)

	debugStyle := tcell.StyleDefault.Foreground(tcell.ColorGray)
	infoStyle := tcell.StyleDefault.Foreground(tcell.ColorBlue)
	warnStyle := tcell.StyleDefault.Foreground(tcell.ColorYellow)
	errStyle := tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)

	for i, logEntry := range logs {
		style := infoStyle
		switch logEntry.Level {
		case slog.LevelDebug:
			style = debugStyle
		case slog.LevelWarn:
			style = warnStyle
		case slog.LevelError:
			style = errStyle
		}

		logText := logEntry.String()
		if len(logText) > width && width > 3 {
			logText = logText[:width-3] + "..."
		}
		t.drawText(startX, startY+i, width, logText, style)
	}
}

// drawText draws s from (x, y), clipped to width cells.
func (t *Backend) drawText(x, y, width int, s string, style tcell.Style) {
	i := 0
	for _, ch := range s {
		if i >= width {
			break
		}
		t.screen.SetContent(x+i, y, ch, nil, style)
		i++
	}
}

// Row returns the text of screen row y, for tests and diagnostics.
func (t *Backend) Row(y int) string {
	w, _ := t.screen.Size()
	var sb strings.Builder
	for x := 0; x < w; x++ {
		r, _, _, _ := t.screen.GetContent(x, y)
		if r == 0 {
			r = ' '
		}
		sb.WriteRune(r)
	}
	return strings.TrimRight(sb.String(), " ")
}
