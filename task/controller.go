package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"
)

const (
	DefaultProbeTimeout = 15 * time.Second

	// FailedText marks the row of a task whose conversion exited non-zero.
	FailedText = "Failed"

	// ExitCodeNotStarted is reported when the converter refuses to start a job.
	ExitCodeNotStarted = -1
)

type Option func(*Controller)

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Controller) { c.log = log }
}

func WithPresenter(p Presenter) Option {
	return func(c *Controller) { c.presenter = p }
}

// WithListener may be given more than once; listeners are called in order.
func WithListener(l Listener) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, l) }
}

func WithProbeTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// Controller owns the conversion queue and runs at most one task at a time.
//
// All state is guarded by mu. Presenter and listener calls are queued while mu
// is held and delivered in order once it is released, so collaborators may
// call back into the controller.
type Controller struct {
	log          logrus.FieldLogger
	prober       Prober
	converter    Converter
	presenter    Presenter
	listeners    []Listener
	probeTimeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	tasks   []*Task
	prevID  int64
	current *Task
	busy    bool
	run     uint64

	pending  []func()
	flushing bool
}

func NewController(prober Prober, converter Converter, opts ...Option) *Controller {
	c := &Controller{
		log:          logrus.StandardLogger(),
		prober:       prober,
		converter:    converter,
		presenter:    noopPresenter{},
		probeTimeout: DefaultProbeTimeout,
		ctx:          context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type probeResult struct {
	info MediaInfo
	err  error
}

// AddTask probes the source and, if it can be read, appends a queued task.
// Nothing changes when the probe fails or does not finish in time.
func (c *Controller) AddTask(ctx context.Context, params Parameters) (Task, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	done := make(chan probeResult, 1)
	go func() {
		info, err := c.prober.Probe(probeCtx, params.Source)
		done <- probeResult{info: info, err: err}
	}()

	var res probeResult
	select {
	case res = <-done:
	case <-probeCtx.Done():
		res.err = probeCtx.Err()
	}
	if res.err != nil {
		c.log.WithError(res.err).WithField("source", params.Source).Warn("Source could not be probed, task not added")
		return Task{}, fmt.Errorf("%w: %s: %w", ErrProbeFailed, params.Source, res.err)
	}

	c.mu.Lock()
	c.prevID++
	t := &Task{
		ID:       c.prevID,
		Status:   StatusQueued,
		Params:   params.clone(),
		Row:      RowID(shortuuid.New()),
		Duration: res.info.Duration,
	}
	c.tasks = append(c.tasks, t)
	snap := t.snapshot()
	c.notify(func() { c.presenter.AddRow(snap.Row, snap) })
	c.unlockAndFlush()

	c.log.WithFields(logrus.Fields{
		"task":        snap.ID,
		"source":      snap.Params.Source,
		"destination": snap.Params.Destination,
		"duration":    snap.Duration.String(),
	}).Info("Task queued")
	return snap, nil
}

// RemoveTask deletes the task at index. The running task cannot be removed;
// call Stop first.
func (c *Controller) RemoveTask(index int) error {
	c.mu.Lock()
	if index < 0 || index >= len(c.tasks) {
		n := len(c.tasks)
		c.mu.Unlock()
		return fmt.Errorf("%w: %d (queue has %d tasks)", ErrIndexOutOfRange, index, n)
	}
	t := c.tasks[index]
	if t.Status == StatusRunning {
		c.mu.Unlock()
		c.log.WithField("task", t.ID).Warn("Refusing to remove a running task")
		return fmt.Errorf("%w: task %d", ErrTaskRunning, t.ID)
	}
	c.tasks = slices.Delete(c.tasks, index, index+1)
	row := t.Row
	c.notify(func() { c.presenter.RemoveRow(row) })
	c.unlockAndFlush()

	c.log.WithFields(logrus.Fields{"task": t.ID, "index": index}).Debug("Task removed")
	return nil
}

// RemoveTasks deletes the tasks with the given ids in one step, so callers do
// not have to track how positions shift between removals. Unknown ids and the
// running task are skipped and reported in the returned error.
func (c *Controller) RemoveTasks(ids ...int64) ([]int64, error) {
	var (
		removed []int64
		errs    []error
	)
	c.mu.Lock()
	for _, id := range ids {
		index := slices.IndexFunc(c.tasks, func(t *Task) bool { return t.ID == id })
		if index < 0 {
			errs = append(errs, fmt.Errorf("%w: %d", ErrTaskNotFound, id))
			continue
		}
		t := c.tasks[index]
		if t.Status == StatusRunning {
			errs = append(errs, fmt.Errorf("%w: task %d", ErrTaskRunning, id))
			continue
		}
		c.tasks = slices.Delete(c.tasks, index, index+1)
		row := t.Row
		c.notify(func() { c.presenter.RemoveRow(row) })
		removed = append(removed, id)
	}
	c.unlockAndFlush()

	c.log.WithFields(logrus.Fields{"removed": len(removed), "skipped": len(errs)}).Debug("Tasks removed")
	return removed, errors.Join(errs...)
}

// Start runs the first queued task. It does nothing while a task is running.
func (c *Controller) Start() {
	c.mu.Lock()
	c.startLocked()
	c.unlockAndFlush()
}

// Stop demotes the running task back to queued and asks the converter to halt.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopLocked()
	c.unlockAndFlush()
}

// OnProgress relays a progress percentage for the current task.
func (c *Controller) OnProgress(percent int) {
	c.mu.Lock()
	c.progressLocked(percent)
	c.unlockAndFlush()
}

// OnFinished records the exit code of the current task and advances the queue.
func (c *Controller) OnFinished(exitCode int) {
	c.mu.Lock()
	c.finishLocked(exitCode)
	c.unlockAndFlush()
}

// Run consumes converter events until ctx is done or the event channel closes.
// Events from a run that is no longer current are dropped. Jobs started after
// Run is called inherit ctx.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	events := c.converter.Events()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Queue event loop shutting down")
			c.Stop()
			return
		case ev, ok := <-events:
			if !ok {
				c.log.Warn("Converter event channel closed")
				return
			}
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev ConverterEvent) {
	c.mu.Lock()
	if c.current == nil || ev.Run != c.run {
		c.mu.Unlock()
		c.log.WithField("run", ev.Run).Debug("Discarding converter event from a stale run")
		return
	}
	switch ev.Kind {
	case EventProgress:
		c.progressLocked(ev.Percent)
	case EventFinished:
		c.finishLocked(ev.ExitCode)
	}
	c.unlockAndFlush()
}

func (c *Controller) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *Controller) IsEmpty() bool {
	return c.Count() == 0
}

func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Tasks returns a copy of the queue in insertion order.
func (c *Controller) Tasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, len(c.tasks))
	for i, t := range c.tasks {
		out[i] = t.snapshot()
	}
	return out
}

// Current returns the running task and its position.
func (c *Controller) Current() (Task, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Task{}, -1, false
	}
	return c.current.snapshot(), c.indexOf(c.current), true
}

// startLocked picks queued tasks until one is accepted by the converter or
// none are left. A refused job fails and the loop moves on.
func (c *Controller) startLocked() {
	if c.busy {
		return
	}
	if len(c.tasks) == 0 {
		c.stopLocked()
		return
	}

	for {
		index := slices.IndexFunc(c.tasks, func(t *Task) bool { return t.Status == StatusQueued })
		if index < 0 {
			c.stopLocked()
			c.log.Info("All tasks finished")
			c.emit(func(l Listener) { l.AllTasksFinished() })
			return
		}

		t := c.tasks[index]
		c.busy = true
		t.Status = StatusRunning
		t.Progress = 0
		c.current = t
		c.run++

		job := Job{Run: c.run, Params: t.Params.clone(), Duration: t.Duration}
		row := t.Row
		c.notify(func() {
			c.presenter.SetRowProgress(row, 0)
			c.presenter.SetRowStatus(row, StatusRunning, "")
		})
		c.emit(func(l Listener) { l.ConversionStarted(index, job.Params) })

		log := c.log.WithFields(logrus.Fields{"task": t.ID, "index": index, "run": job.Run})
		if err := c.converter.Start(c.ctx, job); err != nil {
			log.WithError(err).Warn("Converter refused the task")
			c.finishCurrentLocked(ExitCodeNotStarted)
			continue
		}
		log.Info("Conversion started")
		return
	}
}

func (c *Controller) stopLocked() {
	if t := c.current; t != nil {
		index := c.indexOf(t)
		t.Progress = 0
		t.Status = StatusQueued
		row := t.Row
		c.notify(func() {
			c.presenter.SetRowProgress(row, 0)
			c.presenter.SetRowStatus(row, StatusQueued, "")
		})
		c.current = nil
		c.emit(func(l Listener) { l.ConversionStopped(index) })
		c.log.WithField("task", t.ID).Info("Conversion stopped, task requeued")
	}
	c.busy = false
	c.converter.Stop()
}

func (c *Controller) progressLocked(percent int) {
	t := c.current
	if t == nil {
		return
	}
	percent = min(max(percent, 0), 100)
	t.Progress = percent
	index := c.indexOf(t)
	row := t.Row
	c.notify(func() { c.presenter.SetRowProgress(row, percent) })
	c.emit(func(l Listener) { l.ProgressUpdated(index, percent) })
}

func (c *Controller) finishLocked(exitCode int) {
	if c.current == nil {
		c.log.WithField("exit_code", exitCode).Debug("Discarding finish signal with no current task")
		return
	}
	c.finishCurrentLocked(exitCode)
	c.startLocked()
}

// finishCurrentLocked moves the current task to its terminal state without
// advancing the queue.
func (c *Controller) finishCurrentLocked(exitCode int) {
	t := c.current
	row := t.Row
	log := c.log.WithFields(logrus.Fields{"task": t.ID, "exit_code": exitCode})
	if exitCode == 0 {
		t.Status = StatusFinished
		c.notify(func() { c.presenter.SetRowStatus(row, StatusFinished, "") })
		log.Info("Conversion finished")
	} else {
		t.Status = StatusFailed
		t.Progress = 0
		c.notify(func() {
			c.presenter.SetRowProgress(row, 0)
			c.presenter.SetRowStatus(row, StatusFailed, FailedText)
		})
		log.Warn("Conversion failed")
	}
	c.current = nil
	c.busy = false
	c.emit(func(l Listener) { l.TaskFinished(exitCode) })
}

func (c *Controller) indexOf(t *Task) int {
	return slices.Index(c.tasks, t)
}

func (c *Controller) notify(fn func()) {
	c.pending = append(c.pending, fn)
}

func (c *Controller) emit(fn func(Listener)) {
	for _, l := range c.listeners {
		c.pending = append(c.pending, func() { fn(l) })
	}
}

// unlockAndFlush releases mu and delivers queued notifications. Only one
// caller delivers at a time; notifications queued meanwhile, including ones
// caused by re-entrant calls, are delivered by that caller in order.
func (c *Controller) unlockAndFlush() {
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}

type noopPresenter struct{}

func (noopPresenter) AddRow(RowID, Task)                 {}
func (noopPresenter) RemoveRow(RowID)                    {}
func (noopPresenter) SetRowProgress(RowID, int)          {}
func (noopPresenter) SetRowStatus(RowID, Status, string) {}
