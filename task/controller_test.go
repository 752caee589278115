package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	ctrl   *Controller
	prober *fakeProber
	conv   *fakeConverter
	rec    *recorder
	rows   *rowRecorder
	hook   *logtest.Hook
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h := &harness{
		prober: &fakeProber{},
		conv:   newFakeConverter(),
		rec:    &recorder{},
		rows:   newRowRecorder(),
		hook:   hook,
	}
	opts = append([]Option{
		WithLogger(logger),
		WithPresenter(h.rows),
		WithListener(h.rec),
	}, opts...)
	h.ctrl = NewController(h.prober, h.conv, opts...)
	return h
}

func (h *harness) add(t *testing.T, source string) Task {
	t.Helper()
	task, err := h.ctrl.AddTask(context.Background(), NewParameters(source, source+".mkv", []string{"-c:v", "libx264"}))
	require.NoError(t, err)
	return task
}

func (h *harness) statuses() []Status {
	var out []Status
	for _, t := range h.ctrl.Tasks() {
		out = append(out, t.Status)
	}
	return out
}

func runningCount(tasks []Task) int {
	n := 0
	for _, t := range tasks {
		if t.Status == StatusRunning {
			n++
		}
	}
	return n
}

func TestController_AddTask(t *testing.T) {
	t.Run("assigns increasing ids that are never reused", func(t *testing.T) {
		h := newHarness(t)

		a := h.add(t, "a.mp4")
		b := h.add(t, "b.mp4")
		assert.Equal(t, 2, h.ctrl.Count())
		assert.Greater(t, b.ID, a.ID)

		require.NoError(t, h.ctrl.RemoveTask(1))
		c := h.add(t, "c.mp4")
		assert.Greater(t, c.ID, b.ID)
		assert.Equal(t, 2, h.ctrl.Count())
	})

	t.Run("queued task carries probe duration and a presentation row", func(t *testing.T) {
		h := newHarness(t)

		task := h.add(t, "a.mp4")
		assert.Equal(t, StatusQueued, task.Status)
		assert.Equal(t, "01:02:03", task.Duration.String())
		assert.NotEmpty(t, task.Row)
		assert.Equal(t, []RowID{task.Row}, h.rows.rows())
		assert.False(t, h.ctrl.IsBusy())
		assert.False(t, h.ctrl.IsEmpty())
	})

	t.Run("parameters are copied", func(t *testing.T) {
		h := newHarness(t)
		opts := []string{"-crf", "20"}
		_, err := h.ctrl.AddTask(context.Background(), Parameters{Source: "a.mp4", Destination: "a.mkv", Options: opts})
		require.NoError(t, err)

		opts[1] = "51"
		assert.Equal(t, []string{"-crf", "20"}, h.ctrl.Tasks()[0].Params.Options)
	})

	t.Run("probe error rejects the task", func(t *testing.T) {
		h := newHarness(t)
		h.prober.probeFunc = func(ctx context.Context, path string) (MediaInfo, error) {
			return MediaInfo{}, errors.New("invalid data found when processing input")
		}

		_, err := h.ctrl.AddTask(context.Background(), NewParameters("broken.mp4", "broken.mkv", nil))
		assert.ErrorIs(t, err, ErrProbeFailed)
		assert.Contains(t, err.Error(), "broken.mp4")
		assert.Equal(t, 0, h.ctrl.Count())
		assert.True(t, h.ctrl.IsEmpty())
		assert.Empty(t, h.rows.rows())
		assert.Equal(t, logrus.WarnLevel, h.hook.LastEntry().Level)
	})

	t.Run("probe that does not finish in time rejects the task", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		h := newHarness(t, WithProbeTimeout(20*time.Millisecond))
		h.prober.probeFunc = func(ctx context.Context, path string) (MediaInfo, error) {
			<-release
			return MediaInfo{}, nil
		}

		_, err := h.ctrl.AddTask(context.Background(), NewParameters("slow.mp4", "slow.mkv", nil))
		assert.ErrorIs(t, err, ErrProbeFailed)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, h.ctrl.Count())
	})
}

func TestController_Scenario(t *testing.T) {
	h := newHarness(t)
	a := h.add(t, "a.mp4")
	b := h.add(t, "b.mp4")

	h.ctrl.Start()
	assert.Equal(t, []Status{StatusRunning, StatusQueued}, h.statuses())
	assert.True(t, h.ctrl.IsBusy())
	assert.Equal(t, []string{"started 0 a.mp4"}, h.rec.events())
	require.Len(t, h.conv.jobs(), 1)
	assert.Equal(t, "a.mp4", h.conv.jobs()[0].Params.Source)

	h.rec.reset()
	h.ctrl.OnProgress(40)
	assert.Equal(t, []string{"progress 0 40"}, h.rec.events())
	progress, _ := h.rows.row(a.Row)
	assert.Equal(t, 40, progress)

	h.rec.reset()
	h.ctrl.OnFinished(0)
	assert.Equal(t, []Status{StatusFinished, StatusRunning}, h.statuses())
	assert.Equal(t, []string{"finished 0", "started 1 b.mp4"}, h.rec.events())
	require.Len(t, h.conv.jobs(), 2)
	assert.True(t, h.ctrl.IsBusy())

	h.rec.reset()
	h.ctrl.OnProgress(70)
	h.ctrl.OnFinished(1)
	assert.Equal(t, []Status{StatusFinished, StatusFailed}, h.statuses())
	assert.Equal(t, []string{"progress 1 70", "finished 1", "all finished"}, h.rec.events())
	assert.False(t, h.ctrl.IsBusy())

	progress, text := h.rows.row(b.Row)
	assert.Equal(t, 0, progress)
	assert.Equal(t, FailedText, text)
	assert.Equal(t, 0, h.ctrl.Tasks()[1].Progress)
}

func TestController_Start(t *testing.T) {
	t.Run("is a no-op while busy", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")
		h.add(t, "b.mp4")

		h.ctrl.Start()
		h.ctrl.Start()
		h.ctrl.Start()

		assert.Len(t, h.conv.jobs(), 1)
		assert.Equal(t, 1, runningCount(h.ctrl.Tasks()))
		assert.Equal(t, []string{"started 0 a.mp4"}, h.rec.events())
	})

	t.Run("on an empty queue only stops", func(t *testing.T) {
		h := newHarness(t)

		h.ctrl.Start()

		assert.Empty(t, h.rec.events())
		assert.Equal(t, 1, h.conv.stopCount())
		assert.False(t, h.ctrl.IsBusy())
	})

	t.Run("with nothing queued reports all finished", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")
		h.ctrl.Start()
		h.ctrl.OnFinished(0)
		h.rec.reset()

		h.ctrl.Start()

		assert.Equal(t, []string{"all finished"}, h.rec.events())
		assert.Len(t, h.conv.jobs(), 1)
	})

	t.Run("skips finished and failed tasks", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")
		h.add(t, "b.mp4")
		h.add(t, "c.mp4")
		h.ctrl.Start()
		h.ctrl.OnFinished(0)
		h.ctrl.OnFinished(2)
		assert.Equal(t, []Status{StatusFinished, StatusFailed, StatusRunning}, h.statuses())

		_, index, ok := h.ctrl.Current()
		require.True(t, ok)
		assert.Equal(t, 2, index)
	})

	t.Run("refused jobs fail and the queue moves on", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")
		h.add(t, "b.mp4")
		h.conv.startFunc = func(job Job) error {
			if job.Params.Source == "a.mp4" {
				return errors.New("not enough free memory")
			}
			return nil
		}

		h.ctrl.Start()

		assert.Equal(t, []Status{StatusFailed, StatusRunning}, h.statuses())
		assert.Equal(t, []string{
			"started 0 a.mp4",
			"finished -1",
			"started 1 b.mp4",
		}, h.rec.events())
	})

	t.Run("a long run of refused jobs drains without recursion", func(t *testing.T) {
		h := newHarness(t)
		for i := 0; i < 500; i++ {
			h.add(t, "x.mp4")
		}
		h.conv.startFunc = func(job Job) error { return errors.New("refused") }

		h.ctrl.Start()

		for _, s := range h.statuses() {
			assert.Equal(t, StatusFailed, s)
		}
		events := h.rec.events()
		assert.Equal(t, "all finished", events[len(events)-1])
		assert.False(t, h.ctrl.IsBusy())
	})
}

func TestController_Stop(t *testing.T) {
	t.Run("requeues the running task and start picks it again", func(t *testing.T) {
		h := newHarness(t)
		a := h.add(t, "a.mp4")
		h.add(t, "b.mp4")
		h.ctrl.Start()
		h.ctrl.OnProgress(55)

		h.ctrl.Stop()

		assert.Equal(t, []Status{StatusQueued, StatusQueued}, h.statuses())
		assert.False(t, h.ctrl.IsBusy())
		assert.Equal(t, 1, h.conv.stopCount())
		progress, _ := h.rows.row(a.Row)
		assert.Equal(t, 0, progress)

		h.rec.reset()
		h.ctrl.Start()
		assert.Equal(t, []string{"started 0 a.mp4"}, h.rec.events())
		assert.Len(t, h.conv.jobs(), 2)
	})

	t.Run("is idempotent", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")

		h.ctrl.Stop()
		h.ctrl.Stop()

		assert.Equal(t, 2, h.conv.stopCount())
		assert.Equal(t, []Status{StatusQueued}, h.statuses())
		assert.Empty(t, h.rec.events())
	})

	t.Run("late events after stop are discarded", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")
		h.ctrl.Start()
		h.ctrl.Stop()
		h.rec.reset()

		h.ctrl.OnProgress(90)
		h.ctrl.OnFinished(0)

		assert.Empty(t, h.rec.events())
		assert.Equal(t, []Status{StatusQueued}, h.statuses())
		assert.False(t, h.ctrl.IsBusy())
	})
}

func TestController_RemoveTask(t *testing.T) {
	t.Run("removes a queued task and its row", func(t *testing.T) {
		h := newHarness(t)
		a := h.add(t, "a.mp4")
		b := h.add(t, "b.mp4")

		require.NoError(t, h.ctrl.RemoveTask(0))

		tasks := h.ctrl.Tasks()
		require.Len(t, tasks, 1)
		assert.Equal(t, b.ID, tasks[0].ID)
		assert.NotContains(t, h.rows.rows(), a.Row)
	})

	t.Run("refuses the running task", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")
		h.add(t, "b.mp4")
		h.ctrl.Start()

		err := h.ctrl.RemoveTask(0)

		assert.ErrorIs(t, err, ErrTaskRunning)
		assert.Equal(t, 2, h.ctrl.Count())
		assert.Equal(t, []Status{StatusRunning, StatusQueued}, h.statuses())
		assert.True(t, h.ctrl.IsBusy())
	})

	t.Run("stop then remove works", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")
		h.ctrl.Start()
		h.ctrl.Stop()

		require.NoError(t, h.ctrl.RemoveTask(0))
		assert.True(t, h.ctrl.IsEmpty())
	})

	t.Run("rejects an index out of range", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")

		assert.ErrorIs(t, h.ctrl.RemoveTask(1), ErrIndexOutOfRange)
		assert.ErrorIs(t, h.ctrl.RemoveTask(-1), ErrIndexOutOfRange)
		assert.Equal(t, 1, h.ctrl.Count())
	})

	t.Run("progress index follows removal of an earlier task", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")
		h.add(t, "b.mp4")
		h.ctrl.Start()
		h.ctrl.OnFinished(0)
		require.NoError(t, h.ctrl.RemoveTask(0))
		h.rec.reset()

		h.ctrl.OnProgress(10)

		assert.Equal(t, []string{"progress 0 10"}, h.rec.events())
	})
}

func TestController_OnProgressClamps(t *testing.T) {
	h := newHarness(t)
	h.add(t, "a.mp4")
	h.ctrl.Start()
	h.rec.reset()

	h.ctrl.OnProgress(150)
	h.ctrl.OnProgress(-3)

	assert.Equal(t, []string{"progress 0 100", "progress 0 0"}, h.rec.events())
}

func TestController_ReentrantListener(t *testing.T) {
	h := newHarness(t)
	h.add(t, "a.mp4")
	h.add(t, "b.mp4")
	h.rec.onFinished = func(exitCode int) {
		// Removing the task that just ended from inside the callback must not deadlock.
		if exitCode != 0 {
			return
		}
		for i, task := range h.ctrl.Tasks() {
			if task.Status == StatusFinished {
				assert.NoError(t, h.ctrl.RemoveTask(i))
				return
			}
		}
	}

	h.ctrl.Start()
	h.ctrl.OnFinished(0)

	tasks := h.ctrl.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "b.mp4", tasks[0].Params.Source)
	assert.Equal(t, StatusRunning, tasks[0].Status)
	assert.Equal(t, []string{"finished 0", "started 1 b.mp4"}, h.rec.events())
}

func TestController_Run(t *testing.T) {
	t.Run("converter events drive the queue", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")
		h.add(t, "b.mp4")

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			h.ctrl.Run(ctx)
			close(done)
		}()
		defer func() {
			cancel()
			<-done
		}()

		h.ctrl.Start()
		run := h.conv.lastRun()
		h.conv.events <- ConverterEvent{Run: run, Kind: EventProgress, Percent: 50}
		h.conv.events <- ConverterEvent{Run: run, Kind: EventFinished, ExitCode: 0}

		assert.Eventually(t, func() bool {
			return len(h.conv.jobs()) == 2
		}, time.Second, 5*time.Millisecond)

		run = h.conv.lastRun()
		h.conv.events <- ConverterEvent{Run: run, Kind: EventFinished, ExitCode: 0}

		assert.Eventually(t, func() bool {
			events := h.rec.events()
			return len(events) > 0 && events[len(events)-1] == "all finished"
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []Status{StatusFinished, StatusFinished}, h.statuses())
	})

	t.Run("events from a stopped run are not applied to the next run", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			h.ctrl.Run(ctx)
			close(done)
		}()
		defer func() {
			cancel()
			<-done
		}()

		h.ctrl.Start()
		stale := h.conv.lastRun()
		h.ctrl.Stop()
		h.ctrl.Start()
		current := h.conv.lastRun()
		require.NotEqual(t, stale, current)

		h.conv.events <- ConverterEvent{Run: stale, Kind: EventFinished, ExitCode: 255}
		h.conv.events <- ConverterEvent{Run: current, Kind: EventProgress, Percent: 30}

		assert.Eventually(t, func() bool {
			task, _, ok := h.ctrl.Current()
			return ok && task.Progress == 30
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, []Status{StatusRunning}, h.statuses())
	})

	t.Run("shutdown stops the queue", func(t *testing.T) {
		h := newHarness(t)
		h.add(t, "a.mp4")
		h.ctrl.Start()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			h.ctrl.Run(ctx)
			close(done)
		}()
		cancel()
		<-done

		assert.False(t, h.ctrl.IsBusy())
		assert.Equal(t, []Status{StatusQueued}, h.statuses())
	})
}

func TestDurationFromSeconds(t *testing.T) {
	tests := []struct {
		seconds  float64
		expected string
	}{
		{0, "00:00:00"},
		{59.4, "00:00:59"},
		{90, "00:01:30"},
		{3661, "01:01:01"},
		{-5, "00:00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, DurationFromSeconds(tt.seconds).String())
	}
}

func TestController_StopNotifiesListeners(t *testing.T) {
	h := newHarness(t)
	h.add(t, "a.mp4")
	h.add(t, "b.mp4")
	h.ctrl.Start()
	h.ctrl.OnFinished(0)
	h.rec.reset()

	h.ctrl.Stop()
	h.ctrl.Stop()

	assert.Equal(t, []string{"stopped 1"}, h.rec.events())
}

func TestController_RemoveTasks(t *testing.T) {
	t.Run("removes several tasks by id", func(t *testing.T) {
		h := newHarness(t)
		a := h.add(t, "a.mp4")
		b := h.add(t, "b.mp4")
		c := h.add(t, "c.mp4")
		d := h.add(t, "d.mp4")

		removed, err := h.ctrl.RemoveTasks(b.ID, d.ID, a.ID)

		require.NoError(t, err)
		assert.Equal(t, []int64{b.ID, d.ID, a.ID}, removed)
		tasks := h.ctrl.Tasks()
		require.Len(t, tasks, 1)
		assert.Equal(t, c.ID, tasks[0].ID)
		assert.Equal(t, []RowID{c.Row}, h.rows.rows())
	})

	t.Run("skips the running task and unknown ids", func(t *testing.T) {
		h := newHarness(t)
		a := h.add(t, "a.mp4")
		b := h.add(t, "b.mp4")
		h.ctrl.Start()

		removed, err := h.ctrl.RemoveTasks(a.ID, 99, b.ID)

		assert.Equal(t, []int64{b.ID}, removed)
		assert.ErrorIs(t, err, ErrTaskRunning)
		assert.ErrorIs(t, err, ErrTaskNotFound)
		assert.Equal(t, []Status{StatusRunning}, h.statuses())
		assert.True(t, h.ctrl.IsBusy())
	})
}
