// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the single-writer action pipeline. Actions submitted
// from any goroutine are queued without blocking the caller and processed strictly one
// at a time, in submission order, on a single goroutine. Results are returned as data
// (Outcome) instead of propagating errors or panics across the pipeline boundary.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/mobiletoly/go-timesync/bus"
)

var (
	// ErrActionNotFound is reported for actions no handler can process.
	ErrActionNotFound = errors.New("action not found")
	// ErrClosed is returned when sending to a dispatcher that has been shut down.
	ErrClosed = errors.New("dispatcher closed")
)

// Handler processes one action.
type Handler[A, R any] func(ctx context.Context, action A) (R, error)

// AfterFunc runs on the pipeline goroutine after the handler, before the next action
// is dequeued. Its error is recorded in Outcome.AfterErr.
type AfterFunc[A, R any] func(ctx context.Context, outcome Outcome[A, R]) error

// Outcome is the result of one processed action: either Value or Err is meaningful.
type Outcome[A, R any] struct {
	Seq    uint64
	Action A
	Value  R
	Err    error
	// AfterErr carries the failure of the after hook; the action itself still succeeded.
	AfterErr error
}

// OK reports whether the handler succeeded.
func (o Outcome[A, R]) OK() bool { return o.Err == nil }

type request[A, R any] struct {
	seq    uint64
	action A
	reply  chan Outcome[A, R]
}

// Dispatcher is the ordered single-writer pipeline.
type Dispatcher[A, R any] struct {
	handler Handler[A, R]
	after   []AfterFunc[A, R]
	bus     *bus.Bus[Outcome[A, R]]
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []request[A, R]
	seq     uint64
	started bool
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

// Option customizes a Dispatcher.
type Option[A, R any] func(*Dispatcher[A, R])

// WithLogger sets the logger.
func WithLogger[A, R any](logger *slog.Logger) Option[A, R] {
	return func(d *Dispatcher[A, R]) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithAfter appends a hook executed after every action on the pipeline goroutine.
func WithAfter[A, R any](fn AfterFunc[A, R]) Option[A, R] {
	return func(d *Dispatcher[A, R]) { d.after = append(d.after, fn) }
}

// WithBus publishes outcomes on b instead of a private bus.
func WithBus[A, R any](b *bus.Bus[Outcome[A, R]]) Option[A, R] {
	return func(d *Dispatcher[A, R]) {
		if b != nil {
			d.bus = b
		}
	}
}

// New creates a dispatcher around handler. Call Start to begin processing.
func New[A, R any](handler Handler[A, R], opts ...Option[A, R]) *Dispatcher[A, R] {
	d := &Dispatcher[A, R]{
		handler: handler,
		bus:     bus.New[Outcome[A, R]](),
		logger:  slog.Default(),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Bus returns the bus outcomes are published on.
func (d *Dispatcher[A, R]) Bus() *bus.Bus[Outcome[A, R]] { return d.bus }

// Subscribe is a shortcut for Bus().Subscribe(). Outcomes are published once the
// after hooks have run, so AfterErr is set on what subscribers receive.
func (d *Dispatcher[A, R]) Subscribe() *bus.Subscription[Outcome[A, R]] { return d.bus.Subscribe() }

// Start launches the processing goroutine. Cancelling ctx stops processing and fails
// every queued action with ErrClosed.
func (d *Dispatcher[A, R]) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	go d.run(ctx)
}

// Close stops accepting actions, waits for queued ones to finish and stops the loop.
func (d *Dispatcher[A, R]) Close() {
	d.mu.Lock()
	d.closed = true
	started := d.started
	d.mu.Unlock()
	d.signal()
	if started {
		<-d.done
	}
}

// Send queues an action and returns immediately.
func (d *Dispatcher[A, R]) Send(action A) error {
	_, err := d.enqueue(action, nil)
	return err
}

// SendAndWait queues an action and waits for its outcome. Cancelling ctx abandons the
// wait; the action is still processed.
func (d *Dispatcher[A, R]) SendAndWait(ctx context.Context, action A) (Outcome[A, R], error) {
	reply := make(chan Outcome[A, R], 1)
	if _, err := d.enqueue(action, reply); err != nil {
		return Outcome[A, R]{}, err
	}
	select {
	case o := <-reply:
		return o, nil
	case <-ctx.Done():
		return Outcome[A, R]{}, ctx.Err()
	}
}

// Pending returns the number of queued, not yet processed actions.
func (d *Dispatcher[A, R]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher[A, R]) enqueue(action A, reply chan Outcome[A, R]) (uint64, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	d.seq++
	seq := d.seq
	d.queue = append(d.queue, request[A, R]{seq: seq, action: action, reply: reply})
	d.mu.Unlock()
	d.signal()
	return seq, nil
}

func (d *Dispatcher[A, R]) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// next pops the oldest request; closed is true when the queue is empty and Close was called.
func (d *Dispatcher[A, R]) next() (req request[A, R], ok bool, closed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return req, false, d.closed
	}
	req = d.queue[0]
	d.queue[0] = request[A, R]{}
	d.queue = d.queue[1:]
	return req, true, false
}

func (d *Dispatcher[A, R]) run(ctx context.Context) {
	defer close(d.done)
	for {
		req, ok, closed := d.next()
		if !ok {
			if closed {
				return
			}
			select {
			case <-d.notify:
				continue
			case <-ctx.Done():
				d.abort()
				return
			}
		}
		if ctx.Err() != nil {
			d.reject(req, ErrClosed)
			d.abort()
			return
		}
		d.process(ctx, req)
	}
}

// abort fails every queued request once the pipeline context is gone.
func (d *Dispatcher[A, R]) abort() {
	d.mu.Lock()
	d.closed = true
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()
	for _, req := range pending {
		d.reject(req, ErrClosed)
	}
}

func (d *Dispatcher[A, R]) reject(req request[A, R], err error) {
	if req.reply != nil {
		req.reply <- Outcome[A, R]{Seq: req.seq, Action: req.action, Err: err}
	}
}

func (d *Dispatcher[A, R]) process(ctx context.Context, req request[A, R]) {
	outcome := Outcome[A, R]{Seq: req.seq, Action: req.action}
	outcome.Value, outcome.Err = d.invoke(ctx, req.action)
	if outcome.Err != nil {
		d.logger.Error("Action failed", "seq", req.seq, "action", fmt.Sprintf("%T", req.action), "error", outcome.Err)
	} else {
		d.logger.Debug("Action processed", "seq", req.seq, "action", fmt.Sprintf("%T", req.action))
	}

	for _, fn := range d.after {
		if err := d.runAfter(ctx, fn, outcome); err != nil {
			d.logger.Warn("After hook failed", "seq", req.seq, "action", fmt.Sprintf("%T", req.action), "error", err)
			outcome.AfterErr = errors.Join(outcome.AfterErr, err)
		}
	}

	d.bus.Publish(outcome)

	if req.reply != nil {
		req.reply <- outcome
	}
}

func (d *Dispatcher[A, R]) invoke(ctx context.Context, action A) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Action handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("action handler panicked: %v", r)
		}
	}()
	if any(action) == nil || d.handler == nil {
		return value, ErrActionNotFound
	}
	return d.handler(ctx, action)
}

func (d *Dispatcher[A, R]) runAfter(ctx context.Context, fn AfterFunc[A, R], outcome Outcome[A, R]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("after hook panicked: %v", r)
		}
	}()
	return fn(ctx, outcome)
}
