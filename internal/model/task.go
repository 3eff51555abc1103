package model

import (
	"context"
	"time"
)

// TaskKind discriminates task payload variants
type TaskKind string

const (
	TaskKindChunk   TaskKind = "chunk"
	TaskKindSection TaskKind = "section"
	TaskKindFunc    TaskKind = "func"
)

// Priority of a task within the pool queue. Higher values dispatch first;
// tasks sharing a priority dispatch FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// TaskPayload is the tagged union of work the pool knows how to route.
// Each variant names its kind explicitly.
type TaskPayload interface {
	Kind() TaskKind
}

// ChunkPayload carries one chunk of file bytes to a registered chunk handler
type ChunkPayload struct {
	Path   string
	Offset int64
	Data   []byte
}

// Kind returns TaskKindChunk
func (ChunkPayload) Kind() TaskKind { return TaskKindChunk }

// SectionPayload asks a registered section handler to compute a named
// derived result (eda, correlation, ...) for a file
type SectionPayload struct {
	Path    string
	Section string
	Args    map[string]string
}

// Kind returns TaskKindSection
func (SectionPayload) Kind() TaskKind { return TaskKindSection }

// FuncPayload wraps an arbitrary callable; it bypasses the handler registry
type FuncPayload struct {
	Fn func(ctx context.Context) (interface{}, error)
}

// Kind returns TaskKindFunc
func (FuncPayload) Kind() TaskKind { return TaskKindFunc }

// Task is a unit of work submitted to the worker pool. Immutable after
// submission; owned by the pool until completion or timeout.
type Task struct {
	ID          string
	Payload     TaskPayload
	Priority    Priority
	Timeout     time.Duration // zero means the pool default applies
	SubmittedAt time.Time     // set by the pool at admission
}

// Kind returns the payload discriminant
func (t Task) Kind() TaskKind {
	if t.Payload == nil {
		return ""
	}
	return t.Payload.Kind()
}

// PayloadBytes estimates the heap bytes a task holds while in flight.
// Used for worker memory-ceiling accounting.
func (t Task) PayloadBytes() int64 {
	switch p := t.Payload.(type) {
	case ChunkPayload:
		return int64(len(p.Data))
	case *ChunkPayload:
		return int64(len(p.Data))
	default:
		return 0
	}
}

// TaskResult reports the outcome of one task. Results from SubmitAll are
// index-aligned with their input tasks.
type TaskResult struct {
	TaskID   string
	Value    interface{}
	Err      error
	Duration time.Duration
	WorkerID string
}

// Succeeded reports whether the task completed without error
func (r TaskResult) Succeeded() bool { return r.Err == nil }
