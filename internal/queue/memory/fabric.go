// Package memory provides the in-process task fabric used for
// development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boingo-ai/property-pipeline/internal/pipeline"
)

const defaultPollInterval = 250 * time.Millisecond

// Config controls fabric behavior.
type Config struct {
	// Visibility is how long a dequeued-but-unacked task stays hidden
	// before it is redelivered.
	Visibility time.Duration
}

// Fabric is a lane-addressed in-memory queue with at-least-once
// delivery semantics. Enqueue always buffers; Dequeue blocks the calling
// worker until a task is visible or the context ends.
type Fabric struct {
	mu         sync.Mutex
	lanes      map[string]*lane
	visibility time.Duration
}

type lane struct {
	mu       sync.Mutex
	ready    []entry
	inflight map[string]inflightEntry
	signal   chan struct{}
}

type entry struct {
	task      pipeline.Task
	notBefore time.Time
}

type inflightEntry struct {
	task     pipeline.Task
	deadline time.Time
}

// NewFabric constructs a Fabric with the given visibility timeout.
func NewFabric(cfg Config) *Fabric {
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	return &Fabric{
		lanes:      make(map[string]*lane),
		visibility: cfg.Visibility,
	}
}

func (f *Fabric) lane(name string) *lane {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lanes[name]
	if !ok {
		l = &lane{
			inflight: make(map[string]inflightEntry),
			signal:   make(chan struct{}, 1),
		}
		f.lanes[name] = l
	}
	return l
}

// Enqueue buffers a task on the named lane, invisible until notBefore.
func (f *Fabric) Enqueue(ctx context.Context, laneName string, task pipeline.Task, notBefore time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	if task.TaskID == "" {
		return errors.New("task id is required")
	}
	l := f.lane(laneName)
	l.mu.Lock()
	l.ready = append(l.ready, entry{task: task, notBefore: notBefore})
	l.mu.Unlock()
	l.wake()
	return nil
}

// Dequeue pops the next visible task, blocking until one is available or
// the context ends. Expired in-flight tasks are swept back to ready on
// every pass, which is what makes delivery at-least-once.
func (f *Fabric) Dequeue(ctx context.Context, laneName string) (pipeline.Task, error) {
	l := f.lane(laneName)
	for {
		now := time.Now()
		task, wait, ok := l.take(now, f.visibility)
		if ok {
			return task, nil
		}
		if wait <= 0 || wait > defaultPollInterval {
			wait = defaultPollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return pipeline.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-l.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack removes a delivered task so it is never redelivered.
func (f *Fabric) Ack(laneName string, task pipeline.Task) {
	l := f.lane(laneName)
	l.mu.Lock()
	delete(l.inflight, task.TaskID)
	l.mu.Unlock()
}

// Nack returns a delivered task to the lane, visible after retryAfter.
func (f *Fabric) Nack(laneName string, task pipeline.Task, retryAfter time.Duration) {
	l := f.lane(laneName)
	l.mu.Lock()
	delete(l.inflight, task.TaskID)
	l.ready = append(l.ready, entry{task: task, notBefore: time.Now().Add(retryAfter)})
	l.mu.Unlock()
	l.wake()
}

// Depth reports the number of buffered (not yet delivered) tasks.
func (f *Fabric) Depth(laneName string) int {
	l := f.lane(laneName)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ready)
}

// take returns the first visible task, moving it in flight. When nothing
// is visible it reports how long until the next entry becomes so.
func (l *lane) take(now time.Time, visibility time.Duration) (pipeline.Task, time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, inf := range l.inflight {
		if !inf.deadline.After(now) {
			delete(l.inflight, id)
			l.ready = append(l.ready, entry{task: inf.task, notBefore: now})
		}
	}

	var nextWait time.Duration
	for i, e := range l.ready {
		if e.notBefore.After(now) {
			d := e.notBefore.Sub(now)
			if nextWait == 0 || d < nextWait {
				nextWait = d
			}
			continue
		}
		l.ready = append(l.ready[:i], l.ready[i+1:]...)
		l.inflight[e.task.TaskID] = inflightEntry{task: e.task, deadline: now.Add(visibility)}
		return e.task, 0, true
	}
	return pipeline.Task{}, nextWait, false
}

func (l *lane) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}
