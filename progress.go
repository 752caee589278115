package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"ffqueue/task"

	"github.com/mattn/go-isatty"
)

// progressPrinter reports queue progress on a terminal or log-style stream.
// It closes done once the queue has drained.
type progressPrinter struct {
	out         io.Writer
	interactive bool
	total       int

	mu      sync.Mutex
	current string
	once    sync.Once
	done    chan struct{}
}

var _ task.Listener = (*progressPrinter)(nil)

func newProgressPrinter(out io.Writer, total int) *progressPrinter {
	return &progressPrinter{
		out:         out,
		interactive: isTerminal(out),
		total:       total,
		done:        make(chan struct{}),
	}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (p *progressPrinter) ConversionStarted(index int, params task.Parameters) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = fmt.Sprintf("[%d/%d] %s", index+1, p.total, filepath.Base(params.Source))
	if p.interactive {
		fmt.Fprintf(p.out, "\r%s   0%%", p.current)
		return
	}
	fmt.Fprintf(p.out, "%s -> %s\n", p.current, params.Destination)
}

func (p *progressPrinter) ProgressUpdated(_ int, percent int) {
	if !p.interactive {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\r%s %3d%%", p.current, percent)
}

func (p *progressPrinter) TaskFinished(exitCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := "done"
	if exitCode != 0 {
		result = fmt.Sprintf("failed (exit %d)", exitCode)
	}
	if p.interactive {
		fmt.Fprintf(p.out, "\r%s %s\n", p.current, result)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.current, result)
}

func (p *progressPrinter) ConversionStopped(int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interactive {
		fmt.Fprintf(p.out, "\r%s stopped\n", p.current)
		return
	}
	fmt.Fprintf(p.out, "%s stopped\n", p.current)
}

func (p *progressPrinter) AllTasksFinished() {
	p.once.Do(func() { close(p.done) })
}
