package registry

import (
	"regexp"
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// Signal is a classified hint about what the agent process is doing.
type Signal string

const (
	SignalNone         Signal = "none"
	SignalWorking      Signal = "working"
	SignalWaitingInput Signal = "waiting_input"
)

// SignalClassifier turns raw PTY output into agent activity signals.
// Feed and Resize are called from the registry's per-agent watcher
// goroutine; implementations only need to be safe against a concurrent
// Resize from the terminal path.
type SignalClassifier interface {
	// Feed consumes a chunk of PTY output.
	Feed(data []byte)
	// Resize tracks the PTY dimensions.
	Resize(cols, rows int)
	// Classify returns the signal for the currently visible output.
	Classify() Signal
}

// NoopClassifier never signals. Used when the agent command has no TUI
// worth parsing, and in tests.
type NoopClassifier struct{}

func (NoopClassifier) Feed(data []byte)      {}
func (NoopClassifier) Resize(cols, rows int) {}
func (NoopClassifier) Classify() Signal      { return SignalNone }

var (
	// Spinner line with an interrupt hint, the common agent-CLI working marker.
	// Example: "✻ Reading files... (esc to interrupt)"
	workingPattern = regexp.MustCompile(
		`[✻✽✶∴·○◆▸►✢*]\s+.+(\.{2,}|…)\s*\((esc|ctrl\+c)\s+to\s+interrupt`)

	// Confirmation and menu prompts.
	confirmPattern = regexp.MustCompile(`(?i)do\s+you\s+want\s+to\s+|\[y/n\]|\(y/n\)`)
	menuPattern    = regexp.MustCompile(`^\s*[❯>]\s*\d+\.`)
	selectPattern  = regexp.MustCompile(`(?i)enter\s+to\s+select|press\s+enter\s+to\s+continue`)
)

// ScreenClassifier renders PTY output into a virtual terminal and pattern
// matches the visible screen. Plain scrollback text cannot be matched
// reliably: TUI agents redraw in place, so only the rendered screen shows
// what the operator would see.
type ScreenClassifier struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int
}

// NewScreenClassifier creates a classifier rendering at the given dimensions.
func NewScreenClassifier(cols, rows int) *ScreenClassifier {
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}
	return &ScreenClassifier{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Feed writes a chunk of PTY output into the virtual terminal.
func (c *ScreenClassifier) Feed(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.term.Write(data)
}

// Resize updates the virtual terminal size to match the real PTY.
func (c *ScreenClassifier) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term.Resize(cols, rows)
	c.cols = cols
	c.rows = rows
}

// Classify pattern-matches the visible screen content.
func (c *ScreenClassifier) Classify() Signal {
	lines := c.visibleLines()

	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		if workingPattern.MatchString(line) {
			return SignalWorking
		}
	}

	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		if confirmPattern.MatchString(line) || menuPattern.MatchString(line) || selectPattern.MatchString(line) {
			return SignalWaitingInput
		}
	}

	return SignalNone
}

// visibleLines extracts the rendered screen as text lines.
func (c *ScreenClassifier) visibleLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := make([]string, c.rows)
	for row := 0; row < c.rows; row++ {
		var chars []rune
		for col := 0; col < c.cols; col++ {
			g := c.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = string(chars)
	}
	return lines
}
