package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"ffqueue/config"
	"ffqueue/task"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

const stderrTail = 4096

// Converter implements task.Converter by running one ffmpeg process at a time.
type Converter struct {
	cfg    *config.Config
	log    logrus.FieldLogger
	events chan task.ConverterEvent
	quit   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	run    uint64
	cancel context.CancelFunc
}

func NewConverter(cfg *config.Config, log logrus.FieldLogger) (*Converter, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, cfg.FFBin)
	}
	return &Converter{
		cfg:    cfg,
		log:    log,
		events: make(chan task.ConverterEvent, 64),
		quit:   make(chan struct{}),
	}, nil
}

func (c *Converter) Events() <-chan task.ConverterEvent {
	return c.events
}

// Close stops the running process and releases goroutines waiting to deliver events.
func (c *Converter) Close() {
	c.Stop()
	c.once.Do(func() { close(c.quit) })
}

// Start launches ffmpeg for job and returns once the process is running.
func (c *Converter) Start(ctx context.Context, job task.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return ErrConversionRunning
	}
	params := job.Params
	if filepath.Clean(params.Source) == filepath.Clean(params.Destination) {
		return ErrSameSourceDestination
	}
	if err := SanitizeOptions(params.Options); err != nil {
		return err
	}
	outDir := filepath.Dir(params.Destination)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}
	if err := c.checkResources(outDir); err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientResources, err)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if c.cfg.FFTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.FFTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, c.cfg.FFBin, BuildArgs(params)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr

	log := c.log.WithFields(logrus.Fields{"run": job.Run, "source": params.Source, "destination": params.Destination})
	log.WithField("ffmpeg command", c.cfg.FFBin+" "+strings.Join(cmd.Args[1:], " ")).Debug("Starting ffmpeg")

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpeg execution failed: %w", err)
	}

	c.run = job.Run
	c.cancel = cancel
	go c.wait(cmd, stdout, stderr, cancel, job, log)
	return nil
}

// Stop cancels the running process without waiting for it to exit.
func (c *Converter) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.log.WithField("run", c.run).Info("Cancellation signal sent to ffmpeg")
		c.cancel()
		c.cancel = nil
	}
}

func (c *Converter) wait(cmd *exec.Cmd, stdout io.Reader, stderr *tailBuffer, cancel context.CancelFunc, job task.Job, log logrus.FieldLogger) {
	defer cancel()

	total := float64(job.Duration.Hours*3600+job.Duration.Minutes*60) + job.Duration.Seconds
	parser := newProgressParser(total)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if percent, ok := parser.ParseLine(scanner.Text()); ok {
			c.progress(job.Run, percent)
		}
	}
	io.Copy(io.Discard, stdout)

	err := cmd.Wait()
	exitCode := ExitCode(err)

	c.mu.Lock()
	latest := c.run == job.Run
	if latest {
		c.cancel = nil
	}
	c.mu.Unlock()

	if err != nil {
		log.WithError(err).WithField("exit_code", exitCode).Warn("ffmpeg exited with an error")
		log.WithField("ffmpeg stderr", stderr.String()).Debug("Got ffmpeg stderr")
		// A restarted run may already be writing the same destination.
		if latest {
			os.Remove(job.Params.Destination)
		}
	} else {
		log.Info("ffmpeg finished")
	}

	select {
	case c.events <- task.ConverterEvent{Run: job.Run, Kind: task.EventFinished, ExitCode: exitCode}:
	case <-c.quit:
	}
}

// progress drops the update when nobody is reading; the next one supersedes it.
func (c *Converter) progress(run uint64, percent int) {
	select {
	case c.events <- task.ConverterEvent{Run: run, Kind: task.EventProgress, Percent: percent}:
	default:
	}
}

// BuildArgs returns the ffmpeg argument list for a conversion.
func BuildArgs(p task.Parameters) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-nostats",
		"-y",
		"-progress", "pipe:1",
		"-i", p.Source,
	}
	args = append(args, p.Options...)
	return append(args, p.Destination)
}

// ExitCode maps the result of cmd.Wait to a process exit code. Processes that
// could not run or were killed by a signal report -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// checkResources verifies that the system has enough free resources to start a new job.
func (c *Converter) checkResources(dir string) error {
	// CPU, compared with the previous call
	p, err := cpu.Percent(0, false)
	if err != nil {
		c.log.WithError(err).Warn("Could not get CPU usage")
	} else if len(p) > 0 && p[0] > (100.0-c.cfg.ThrottleCPU) {
		return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], c.cfg.ThrottleCPU)
	}

	// Memory
	vm, err := mem.VirtualMemory()
	if err != nil {
		c.log.WithError(err).Warn("Could not get memory usage")
	} else if vm.Available < uint64(c.cfg.ThrottleFreeMem) {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, c.cfg.ThrottleFreeMem)
	}

	// Disk
	d, err := disk.Usage(dir)
	if err != nil {
		c.log.WithError(err).WithField("dir", dir).Warn("Could not get disk usage")
	} else if d.Free < uint64(c.cfg.ThrottleFreeDisk) {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, c.cfg.ThrottleFreeDisk)
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
