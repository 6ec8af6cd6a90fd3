package scheduler

import (
	"context"
	"fmt"
	"sync"
)

type queue[T any] []T

func (q *queue[T]) Len() int { return len(*q) }

func (q *queue[T]) Pop() T {
	old := *q
	x := old[0]
	*q = old[1:]
	return x
}

func (q *queue[T]) Push(t T) {
	*q = append(*q, t)
}

type request[T any] struct {
	fn  Work[T]
	c   chan Result[T]
	ctx context.Context
}

// Pool runs submitted work on a bounded set of workers. Work beyond the
// worker count queues in submission order.
type Pool[T any] struct {
	idle       int
	pending    *queue[request[T]]
	submit     chan request[T]
	recycle    chan struct{}
	quit       chan struct{}
	done       chan struct{}
	mainCtx    context.Context
	mainCancel context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

func NewPool[T any](workers int) *Pool[T] {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		idle:       workers,
		pending:    &queue[request[T]]{},
		submit:     make(chan request[T]),
		recycle:    make(chan struct{}, workers),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		mainCtx:    ctx,
		mainCancel: cancel,
	}
	go p.run()
	return p
}

// Submit enqueues w and returns a future for its result. After Close the
// future resolves immediately with context.Canceled.
func (p *Pool[T]) Submit(w Work[T]) *Future[T] {
	c := make(chan Result[T], 1)
	ctx, cancel := context.WithCancel(p.mainCtx)

	select {
	case <-p.mainCtx.Done():
		var zero T
		c <- Result[T]{Value: zero, Err: context.Canceled}
	case p.submit <- request[T]{w, c, ctx}:
	}

	return newFuture(c, cancel)
}

// Close cancels queued work, waits for running work, and stops the pool.
func (p *Pool[T]) Close() {
	p.once.Do(func() {
		p.mainCancel()
		p.quit <- struct{}{}
		<-p.done
	})
}

func (p *Pool[T]) run() {
	defer close(p.done)
	for {
		select {
		case r := <-p.submit:
			p.pending.Push(r)
			p.dispatch()
		case <-p.recycle:
			p.idle++
			p.dispatch()
		case <-p.quit:
			p.wg.Wait()
			return
		}
	}
}

// dispatch drains pending work onto idle workers.
func (p *Pool[T]) dispatch() {
	for p.idle > 0 && p.pending.Len() > 0 {
		r := p.pending.Pop()
		p.idle--
		p.wg.Add(1)
		go p.work(r)
	}
}

func (p *Pool[T]) work(r request[T]) {
	defer func() {
		if rec := recover(); rec != nil {
			var zero T
			r.c <- Result[T]{Value: zero, Err: fmt.Errorf("worker panicked: %v", rec)}
		}
		p.recycle <- struct{}{}
		p.wg.Done()
	}()

	v, err := r.fn(r.ctx)
	r.c <- Result[T]{Value: v, Err: err}
}
