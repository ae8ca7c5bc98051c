package middleware

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/mattn/go-runewidth"
)

var spinners = map[string]spinner.Spinner{
	"line":      spinner.Line,
	"dot":       spinner.Dot,
	"minidot":   spinner.MiniDot,
	"jump":      spinner.Jump,
	"pulse":     spinner.Pulse,
	"points":    spinner.Points,
	"globe":     spinner.Globe,
	"moon":      spinner.Moon,
	"monkey":    spinner.Monkey,
	"meter":     spinner.Meter,
	"hamburger": spinner.Hamburger,
}

// SpinnerByName returns a named spinner such as "dot" or "line".
func SpinnerByName(name string) (spinner.Spinner, bool) {
	s, ok := spinners[strings.ToLower(name)]
	return s, ok
}

// progress animates a spinner on w until stopped.
type progress struct {
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// startProgress launches the worker. A nil spinner yields a progress that
// draws nothing.
func startProgress(w io.Writer, s *spinner.Spinner) *progress {
	p := &progress{done: make(chan struct{})}
	if s == nil || len(s.Frames) == 0 {
		return p
	}
	fps := s.FPS
	if fps <= 0 {
		fps = time.Second / 10
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(fps)
		defer ticker.Stop()

		widest := 0
		for i := 0; ; i++ {
			frame := s.Frames[i%len(s.Frames)]
			widest = max(widest, runewidth.StringWidth(frame))
			fmt.Fprintf(w, "\r%s", frame)
			select {
			case <-p.done:
				fmt.Fprintf(w, "\r%s\r", strings.Repeat(" ", widest))
				return
			case <-ticker.C:
			}
		}
	}()
	return p
}

// stop signals the worker and waits for it to exit. Nothing is written to w
// after stop returns.
func (p *progress) stop() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}
