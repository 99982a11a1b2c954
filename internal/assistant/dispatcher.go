package assistant

import (
	"context"
	"errors"
	"sync"
)

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Handler runs one turn.
type Handler interface {
	HandleText(ctx context.Context, in Incoming) (Reply, error)
}

// Dispatcher runs turns of the same scope one at a time, in submission
// order. Turns of different scopes run concurrently. A scope's worker
// goroutine exits once its queue drains.
type Dispatcher struct {
	handler Handler

	mu     sync.Mutex
	queues map[string][]*job
	closed bool
	wg     sync.WaitGroup
}

type job struct {
	ctx  context.Context
	in   Incoming
	done chan result
}

type result struct {
	reply Reply
	err   error
}

func NewDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{handler: h, queues: make(map[string][]*job)}
}

// Submit queues in behind earlier turns of its scope and waits for the reply.
func (d *Dispatcher) Submit(ctx context.Context, in Incoming) (Reply, error) {
	j := &job{ctx: ctx, in: in, done: make(chan result, 1)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Reply{}, ErrDispatcherClosed
	}
	q, running := d.queues[in.Scope]
	d.queues[in.Scope] = append(q, j)
	if !running {
		d.wg.Add(1)
		go d.drain(in.Scope)
	}
	d.mu.Unlock()

	select {
	case r := <-j.done:
		return r.reply, r.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (d *Dispatcher) drain(scope string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[scope]
		if len(q) == 0 {
			delete(d.queues, scope)
			d.mu.Unlock()
			return
		}
		j := q[0]
		d.queues[scope] = q[1:]
		d.mu.Unlock()

		if err := j.ctx.Err(); err != nil {
			j.done <- result{err: err}
			continue
		}
		reply, err := d.handler.HandleText(j.ctx, j.in)
		j.done <- result{reply: reply, err: err}
	}
}

// Close rejects new turns and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
