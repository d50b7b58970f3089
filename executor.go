package mqttflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

var ErrEventLoopRunning = errors.New("event loop already running")

// Executor runs tasks one at a time in submission order. All engine state is
// owned by a single Executor; Execute itself may be called from any goroutine.
type Executor interface {
	Execute(task func())
}

// EventLoop is an Executor backed by one goroutine running Run.
type EventLoop struct {
	id     xid.ID
	logger Logger

	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

// NewEventLoop creates an event loop. Tasks run once Run is called.
func NewEventLoop(logger Logger) *EventLoop {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	id := xid.New()
	return &EventLoop{
		id:     id,
		logger: logger.WithFields(LogFields{"event_loop": id.String()}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the loop identifier used in log fields.
func (l *EventLoop) ID() string {
	return l.id.String()
}

// Execute queues task. Tasks submitted after Close are dropped.
func (l *EventLoop) Execute(task func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Warn("task submitted to closed event loop", nil)
		return
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes tasks until Close is called or ctx is done. Tasks queued
// before Close still run; cancelling ctx abandons them.
func (l *EventLoop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrEventLoopRunning
	}
	defer close(l.done)

	var batch []func()
	for {
		l.mu.Lock()
		batch, l.tasks = l.tasks, batch[:0]
		closed := l.closed
		l.mu.Unlock()

		for i, task := range batch {
			l.runTask(task)
			batch[i] = nil
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Close stops accepting tasks. Run returns after the queued tasks finished.
func (l *EventLoop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

func (l *EventLoop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panic", LogFields{
				LogFieldError: fmt.Sprint(r),
			})
		}
	}()
	task()
}
