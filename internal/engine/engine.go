// Package engine runs the periodic tasks of the service and owns their
// start and shutdown lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Names of the service's tasks.
const (
	TaskReports  = "reports"
	TaskRoleSync = "role-sync"
)

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrAlreadyStarted = errors.New("engine already started")
)

// Task is a unit of periodic work.
type Task struct {
	Name string
	// Interval is the wait between successful runs.
	Interval time.Duration
	// MaxInterval caps the wait after repeated failures.
	MaxInterval time.Duration
	Run         func(ctx context.Context) error
}

// TaskStatus is a snapshot of one task.
type TaskStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"failures"`
	NextRun   time.Time `json:"next_run"`
}

// Engine runs each task on its own goroutine and timer.
type Engine struct {
	tasks []Task
	log   logrus.FieldLogger

	mu       sync.Mutex
	status   map[string]*TaskStatus
	triggers map[string]chan struct{}
	started  bool

	stop    chan struct{}
	wg      sync.WaitGroup
	abandon context.CancelFunc
}

// New creates an engine for tasks.
func New(log logrus.FieldLogger, tasks ...Task) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		tasks:    tasks,
		log:      log,
		status:   make(map[string]*TaskStatus),
		triggers: make(map[string]chan struct{}),
		stop:     make(chan struct{}),
	}
	for _, t := range tasks {
		e.status[t.Name] = &TaskStatus{Name: t.Name}
		e.triggers[t.Name] = make(chan struct{}, 1)
	}
	return e
}

// Start launches every task. Each task runs once right away.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.abandon = cancel
	for _, t := range e.tasks {
		e.wg.Add(1)
		go e.loop(runCtx, t)
	}
	e.log.Infof("INFO: engine started with %d tasks", len(e.tasks))
	return nil
}

// Shutdown stops scheduling and waits for in-flight runs to finish. When
// ctx expires first, the runs are cancelled and ctx's error is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.abandon()
		e.log.Info("INFO: engine stopped")
		return nil
	case <-ctx.Done():
		e.log.Warn("shutdown deadline reached, abandoning in-flight runs")
		e.abandon()
		<-done
		return ctx.Err()
	}
}

// Trigger asks a task to run now. A pending trigger is not queued twice.
func (e *Engine) Trigger(name string) error {
	ch, ok := e.triggers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// Status returns a snapshot of every task, sorted by name.
func (e *Engine) Status() []TaskStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TaskStatus, 0, len(e.status))
	for _, s := range e.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) loop(ctx context.Context, t Task) {
	defer e.wg.Done()
	b := NewBackoff(t.Interval, t.MaxInterval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-timer.C:
		case <-e.triggers[t.Name]:
		}
		select {
		case <-e.stop:
			return
		default:
		}

		err := e.run(ctx, t)
		wait := b.Next(err)
		e.update(t.Name, func(s *TaskStatus) {
			s.Failures = b.Failures()
			s.NextRun = time.Now().Add(wait)
		})
		if err != nil {
			e.log.WithField("task", t.Name).Errorf("ERROR: run failed (%d in a row), next in %s: %v", b.Failures(), wait, err)
		}
		timer.Reset(wait)
	}
}

func (e *Engine) run(ctx context.Context, t Task) (err error) {
	e.update(t.Name, func(s *TaskStatus) { s.Running = true })
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		e.update(t.Name, func(s *TaskStatus) {
			s.Running = false
			s.LastRun = time.Now()
			s.LastError = ""
			if err != nil {
				s.LastError = err.Error()
			}
		})
	}()
	return t.Run(ctx)
}

func (e *Engine) update(name string, f func(*TaskStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f(e.status[name])
}
