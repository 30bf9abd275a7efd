package chatsync

import (
	"sync"
	"time"
)

// ============================================================================
// Clock
// ============================================================================

// Clock is the time source for debounces and typing windows.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// ============================================================================
// Keyed debouncer
// ============================================================================

// debouncer keeps at most one scheduled task per key. Scheduling a key again
// cancels the previous task; Flush runs what is pending and Discard drops it.
type debouncer[K comparable] struct {
	clock Clock
	delay time.Duration

	mu    sync.Mutex
	tasks map[K]*scheduledTask
}

type scheduledTask struct {
	timer Timer
	fn    func()
}

func newDebouncer[K comparable](clock Clock, delay time.Duration) *debouncer[K] {
	return &debouncer[K]{
		clock: clock,
		delay: delay,
		tasks: make(map[K]*scheduledTask),
	}
}

// Schedule replaces any pending task for key with fn.
func (d *debouncer[K]) Schedule(key K, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.tasks[key]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	task := &scheduledTask{fn: fn}
	d.tasks[key] = task
	task.timer = d.clock.AfterFunc(d.delay, func() { d.fire(key, task) })
}

func (d *debouncer[K]) fire(key K, task *scheduledTask) {
	d.mu.Lock()
	if d.tasks[key] != task {
		// superseded or cancelled after the timer already started
		d.mu.Unlock()
		return
	}
	delete(d.tasks, key)
	d.mu.Unlock()
	task.fn()
}

// Cancel drops the pending task for key without running it.
func (d *debouncer[K]) Cancel(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if task, ok := d.tasks[key]; ok {
		if task.timer != nil {
			task.timer.Stop()
		}
		delete(d.tasks, key)
	}
}

func (d *debouncer[K]) Pending(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tasks[key]
	return ok
}

func (d *debouncer[K]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// Flush runs every pending task now, on the caller's goroutine.
func (d *debouncer[K]) Flush() {
	for _, task := range d.drain() {
		task.fn()
	}
}

// Discard drops every pending task.
func (d *debouncer[K]) Discard() {
	d.drain()
}

func (d *debouncer[K]) drain() []*scheduledTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	tasks := make([]*scheduledTask, 0, len(d.tasks))
	for key, task := range d.tasks {
		if task.timer != nil {
			task.timer.Stop()
		}
		tasks = append(tasks, task)
		delete(d.tasks, key)
	}
	return tasks
}
