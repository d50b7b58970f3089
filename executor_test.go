package mqttflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualExecutor queues tasks until the test runs them.
type manualExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (m *manualExecutor) Execute(task func()) {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
}

// runAll runs tasks, including ones queued while running, until none remain.
func (m *manualExecutor) runAll() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return n
		}
		task := m.tasks[0]
		m.tasks = m.tasks[1:]
		m.mu.Unlock()

		task()
		n++
	}
}

func (m *manualExecutor) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func TestManualExecutor(t *testing.T) {
	var m manualExecutor
	var order []int

	m.Execute(func() {
		order = append(order, 1)
		m.Execute(func() { order = append(order, 3) })
	})
	m.Execute(func() { order = append(order, 2) })

	assert.Equal(t, 2, m.pending())
	assert.Equal(t, 3, m.runAll())
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestEventLoop(t *testing.T) {
	t.Run("runs tasks in order", func(t *testing.T) {
		loop := NewEventLoop(nil)
		go func() { _ = loop.Run(context.Background()) }()
		defer loop.Close()

		var mu sync.Mutex
		var order []int
		for i := range 100 {
			loop.Execute(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == 100
		}, time.Second, time.Millisecond)

		for i, v := range order {
			assert.Equal(t, i, v)
		}
	})

	t.Run("close runs queued tasks", func(t *testing.T) {
		loop := NewEventLoop(nil)
		ran := false
		loop.Execute(func() { ran = true })
		loop.Close()

		require.NoError(t, loop.Run(context.Background()))
		assert.True(t, ran)

		loop.Execute(func() { t.Error("task after close must not run") })
	})

	t.Run("context cancel stops the loop", func(t *testing.T) {
		loop := NewEventLoop(nil)
		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() { errCh <- loop.Run(ctx) }()
		cancel()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("loop did not stop")
		}
		<-loop.Done()
	})

	t.Run("second run fails", func(t *testing.T) {
		loop := NewEventLoop(nil)
		go func() { _ = loop.Run(context.Background()) }()
		defer loop.Close()

		require.Eventually(t, loop.running.Load, time.Second, time.Millisecond)
		assert.ErrorIs(t, loop.Run(context.Background()), ErrEventLoopRunning)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		logger, logs := newObservedLogger(LogLevelDebug)
		loop := NewEventLoop(logger)

		after := false
		loop.Execute(func() { panic("boom") })
		loop.Execute(func() { after = true })
		loop.Close()

		require.NoError(t, loop.Run(context.Background()))
		assert.True(t, after)
		assert.Equal(t, 1, logs.FilterMessage("event loop task panic").Len())
		assert.NotEmpty(t, loop.ID())
	})
}
