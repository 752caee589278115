package api

import (
	"path/filepath"
	"slices"
	"sync"

	"ffqueue/task"

	"github.com/gin-gonic/gin"
)

// Row is the display state of one task.
type Row struct {
	ID          task.RowID  `json:"row"`
	TaskID      int64       `json:"taskId"`
	Input       string      `json:"input"`
	Output      string      `json:"output"`
	Duration    string      `json:"duration"`
	Progress    int         `json:"progress"`
	Status      task.Status `json:"status"`
	StatusText  string      `json:"statusText"`
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
}

// Event is one server-sent event.
type Event struct {
	Name string
	Data gin.H
}

// Board keeps the rows shown to clients and broadcasts queue events.
// It implements task.Presenter and task.Listener.
type Board struct {
	mu   sync.RWMutex
	rows []*Row
	subs map[chan Event]struct{}
}

var (
	_ task.Presenter = (*Board)(nil)
	_ task.Listener  = (*Board)(nil)
)

func NewBoard() *Board {
	return &Board{subs: map[chan Event]struct{}{}}
}

// Rows returns a copy of the rows in display order.
func (b *Board) Rows() []Row {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Row, len(b.rows))
	for i, r := range b.rows {
		out[i] = *r
	}
	return out
}

// Subscribe returns a channel of events and a function that ends the subscription.
func (b *Board) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

func (b *Board) subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// publish drops the event for subscribers that are not keeping up.
func (b *Board) publish(name string, data gin.H) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- Event{Name: name, Data: data}:
		default:
		}
	}
}

func (b *Board) find(id task.RowID) *Row {
	i := slices.IndexFunc(b.rows, func(r *Row) bool { return r.ID == id })
	if i < 0 {
		return nil
	}
	return b.rows[i]
}

func (b *Board) AddRow(id task.RowID, t task.Task) {
	row := &Row{
		ID:          id,
		TaskID:      t.ID,
		Input:       filepath.Base(t.Params.Source),
		Output:      filepath.Base(t.Params.Destination),
		Duration:    t.Duration.String(),
		Status:      t.Status,
		StatusText:  string(t.Status),
		Source:      t.Params.Source,
		Destination: t.Params.Destination,
	}
	b.mu.Lock()
	b.rows = append(b.rows, row)
	snap := *row
	b.mu.Unlock()
	b.publish("row-added", gin.H{"row": snap})
}

func (b *Board) RemoveRow(id task.RowID) {
	b.mu.Lock()
	b.rows = slices.DeleteFunc(b.rows, func(r *Row) bool { return r.ID == id })
	b.mu.Unlock()
	b.publish("row-removed", gin.H{"row": id})
}

func (b *Board) SetRowProgress(id task.RowID, percent int) {
	b.mu.Lock()
	if r := b.find(id); r != nil {
		r.Progress = percent
	}
	b.mu.Unlock()
	b.publish("row-progress", gin.H{"row": id, "percent": percent})
}

func (b *Board) SetRowStatus(id task.RowID, status task.Status, text string) {
	if text == "" {
		text = string(status)
	}
	b.mu.Lock()
	if r := b.find(id); r != nil {
		r.Status = status
		r.StatusText = text
	}
	b.mu.Unlock()
	b.publish("row-status", gin.H{"row": id, "status": status, "text": text})
}

func (b *Board) ConversionStarted(index int, params task.Parameters) {
	b.publish("conversion-started", gin.H{"index": index, "source": params.Source, "destination": params.Destination})
}

func (b *Board) ProgressUpdated(index int, percent int) {
	b.publish("progress", gin.H{"index": index, "percent": percent})
}

func (b *Board) TaskFinished(exitCode int) {
	b.publish("task-finished", gin.H{"exitCode": exitCode})
}

func (b *Board) ConversionStopped(index int) {
	b.publish("conversion-stopped", gin.H{"index": index})
}

func (b *Board) AllTasksFinished() {
	b.publish("all-tasks-finished", gin.H{})
}
