package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ffqueue/task"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultSettle is how long a file must stay quiet before it is queued.
const DefaultSettle = 2 * time.Second

// Queue is the part of the controller the watcher needs.
type Queue interface {
	AddTask(ctx context.Context, params task.Parameters) (task.Task, error)
	Start()
	Tasks() []task.Task
}

// Watcher queues files that appear in a directory.
type Watcher struct {
	Dir       string
	Builder   *Builder
	Queue     Queue
	AutoStart bool
	Settle    time.Duration
	Log       logrus.FieldLogger

	// outputs holds destinations queued by this watcher. They stay here after
	// the task leaves the queue so a finished file is never picked up again.
	outputs map[string]bool
}

// Run watches Dir until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	w.Log.WithField("dir", w.Dir).Info("Watching folder for new media")

	settle := w.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	ready := make(chan string)
	timers := map[string]*time.Timer{}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.Log.Info("Folder watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			// Copies produce many writes; wait for the file to settle.
			name := event.Name
			if t, ok := timers[name]; ok {
				t.Reset(settle)
				continue
			}
			timers[name] = time.AfterFunc(settle, func() {
				select {
				case ready <- name:
				case <-ctx.Done():
				}
			})

		case name := <-ready:
			delete(timers, name)
			w.enqueue(ctx, name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Log.WithError(err).Error("Folder watcher error")
		}
	}
}

func (w *Watcher) enqueue(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if w.isOutput(path) {
		w.Log.WithField("path", path).Debug("Ignoring conversion output in watch folder")
		return
	}
	params, err := w.Builder.Build([]string{path})
	if err != nil {
		w.Log.WithError(err).WithField("path", path).Warn("Ignoring file from watch folder")
		return
	}
	added := 0
	for _, p := range params {
		if _, err := w.Queue.AddTask(ctx, p); err != nil {
			w.Log.WithError(err).WithField("path", path).Warn("Watch folder file was not queued")
			continue
		}
		if w.outputs == nil {
			w.outputs = map[string]bool{}
		}
		w.outputs[filepath.Clean(p.Destination)] = true
		added++
	}
	if added > 0 && w.AutoStart {
		w.Queue.Start()
	}
}

// isOutput reports whether path is where a conversion writes, either one this
// watcher queued or any task currently in the queue.
func (w *Watcher) isOutput(path string) bool {
	path = filepath.Clean(path)
	if w.outputs[path] {
		return true
	}
	for _, t := range w.Queue.Tasks() {
		if filepath.Clean(t.Params.Destination) == path {
			return true
		}
	}
	return false
}
