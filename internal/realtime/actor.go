package realtime

import (
	"context"
	"fmt"
	"sync"
)

const taskBacklog = 256

// actor runs closures one at a time on a single owner goroutine. All session
// and turn state is touched only from inside those closures.
type actor struct {
	tasks    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newActor() *actor {
	a := &actor{
		tasks: make(chan func(), taskBacklog),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *actor) loop() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.tasks:
			fn()
		case <-a.quit:
			return
		}
	}
}

// run schedules fn and waits for it to finish, bounded by ctx.
func (a *actor) run(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case a.tasks <- task:
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// post schedules fn without waiting. It drops fn once the actor has stopped.
func (a *actor) post(fn func()) {
	select {
	case a.tasks <- fn:
	case <-a.quit:
	}
}

func (a *actor) stop() {
	a.stopOnce.Do(func() { close(a.quit) })
	<-a.done
}

// dispatcher delivers handler callbacks in order on its own goroutine, so
// slow sinks never stall the owner and callbacks may call the Manager.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	drained chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1), drained: make(chan struct{})}
	go d.loop()
	return d
}

func (d *dispatcher) emit(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	defer close(d.drained)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

// close delivers everything already queued, then stops.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.drained
}
