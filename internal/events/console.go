package events

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// ConsoleSink redraws a fixed-height status block in place on an
// interactive terminal, the same in-place redraw trick as
// internal/batch.scheduler's refreshStatus/updateStatus, generalized from a
// package-global []string to an instance subscribed on the event bus.
type ConsoleSink struct {
	w          io.Writer
	interactive bool

	mu    sync.Mutex
	lines []string
}

// NewConsoleSink attaches to w (typically os.Stdout) with a status block of
// slots lines. When w is not a terminal, the status block is never drawn and
// only target failures are written, one line each.
func NewConsoleSink(w *os.File, slots int) *ConsoleSink {
	return &ConsoleSink{
		w:           w,
		interactive: isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()),
		lines:       make([]string, slots),
	}
}

// Run consumes events from sub until its channel closes: slot 0 shows the
// latest cache hit, slot 1 the target being built (or the last one finished),
// target failures are written as plain lines, and other kinds are ignored.
func (c *ConsoleSink) Run(sub *Subscription) {
	for ev := range sub.Events {
		c.handle(ev)
	}
}

func (c *ConsoleSink) handle(ev Event) {
	switch ev.Kind {
	case TargetStarted:
		c.setLine(1, fmt.Sprintf("building %s", ev.TargetID))
	case TargetCompleted:
		c.setLine(1, fmt.Sprintf("idle (last: %s)", ev.TargetID))
	case TargetFailed:
		fmt.Fprintf(c.w, "build of %s failed\n", ev.TargetID)
	case CacheHit:
		c.setLine(0, fmt.Sprintf("cache hit: %s", ev.TargetID))
	default:
		// other kinds are not rendered to the interactive status block
	}
	c.redraw()
}

func (c *ConsoleSink) setLine(i int, s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.lines) {
		grown := make([]string, i+1)
		copy(grown, c.lines)
		c.lines = grown
	}
	c.lines[i] = s
}

func (c *ConsoleSink) redraw() {
	if !c.interactive {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	maxLen := 0
	for _, l := range c.lines {
		if len(l) > maxLen {
			maxLen = len(l)
		}
	}
	for _, l := range c.lines {
		if len(l) < maxLen {
			l += strings.Repeat(" ", maxLen-len(l))
		}
		fmt.Fprintln(c.w, l)
	}
	fmt.Fprintf(c.w, "\033[%dA", len(c.lines)) // restore cursor position
}
