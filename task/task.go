package task

import (
	"context"
	"fmt"
	"math"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Parameters describes one requested conversion.
type Parameters struct {
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Options     []string `json:"options,omitempty"`
}

// NewParameters copies options so later changes by the caller do not leak into the queue.
func NewParameters(source, destination string, options []string) Parameters {
	return Parameters{
		Source:      source,
		Destination: destination,
		Options:     append([]string(nil), options...),
	}
}

func (p Parameters) clone() Parameters {
	return NewParameters(p.Source, p.Destination, p.Options)
}

// Duration is the probed length of a source, split for display.
type Duration struct {
	Hours   int     `json:"hours"`
	Minutes int     `json:"minutes"`
	Seconds float64 `json:"seconds"`
}

// DurationFromSeconds splits a length in seconds into hours, minutes and seconds.
func DurationFromSeconds(total float64) Duration {
	if total < 0 || math.IsNaN(total) {
		total = 0
	}
	whole := int(total)
	return Duration{
		Hours:   whole / 3600,
		Minutes: (whole % 3600) / 60,
		Seconds: total - float64(whole-whole%60),
	}
}

func (d Duration) String() string {
	return fmt.Sprintf("%02d:%02d:%02.0f", d.Hours, d.Minutes, d.Seconds)
}

// RowID identifies the presentation row of a task. The presenter owns the row.
type RowID string

type Task struct {
	ID       int64      `json:"id"`
	Status   Status     `json:"status"`
	Params   Parameters `json:"parameters"`
	Row      RowID      `json:"row"`
	Duration Duration   `json:"duration"`
	Progress int        `json:"progress"`
}

func (t *Task) snapshot() Task {
	cp := *t
	cp.Params = t.Params.clone()
	return cp
}

// MediaInfo is what a Prober learns about a source without converting it.
type MediaInfo struct {
	Duration Duration
}

// Prober inspects a source file. The call blocks until ctx expires.
type Prober interface {
	Probe(ctx context.Context, path string) (MediaInfo, error)
}

// Job is one converter invocation. Run is unique per invocation.
type Job struct {
	Run      uint64
	Params   Parameters
	Duration Duration
}

type EventKind int

const (
	EventProgress EventKind = iota
	EventFinished
)

// ConverterEvent is emitted by a Converter. Zero or more progress events are
// followed by exactly one finished event per started run, unless the run was stopped.
type ConverterEvent struct {
	Run      uint64
	Kind     EventKind
	Percent  int
	ExitCode int
}

// Converter runs conversions in the background.
type Converter interface {
	Start(ctx context.Context, job Job) error
	// Stop requests the running conversion to halt and returns without waiting.
	Stop()
	Events() <-chan ConverterEvent
}

// Presenter owns the rows that display tasks.
type Presenter interface {
	AddRow(row RowID, t Task)
	RemoveRow(row RowID)
	SetRowProgress(row RowID, percent int)
	SetRowStatus(row RowID, status Status, text string)
}

// Listener receives queue events.
type Listener interface {
	ConversionStarted(index int, params Parameters)
	ProgressUpdated(index int, percent int)
	TaskFinished(exitCode int)
	// ConversionStopped reports that Stop demoted the running task at index.
	ConversionStopped(index int)
	AllTasksFinished()
}
