package proto

import (
	"context"
	"sync"

	"github.com/cbeuw/streamproto/internal/body"
)

// Message is a request or response: a protocol head and an optional body.
type Message struct {
	Head any
	Body *body.Stream
}

// Pending is a response that may not have been computed yet. Poll returns
// ErrNotReady until the result is available, then returns it on every call.
type Pending interface {
	Poll() (Message, error)
}

// Service turns a complete request into a response. Call must not block;
// long-running work belongs behind the returned Pending.
type Service interface {
	Call(req Message) Pending
}

type ServiceFunc func(req Message) Pending

func (f ServiceFunc) Call(req Message) Pending { return f(req) }

// Promise is a one-shot Pending that can be settled from any goroutine.
type Promise struct {
	once sync.Once
	done chan struct{}
	msg  Message
	err  error
}

func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolve settles the promise with msg. It reports false if the promise was
// already settled.
func (p *Promise) Resolve(msg Message) bool {
	return p.settle(msg, nil)
}

// Reject settles the promise with err.
func (p *Promise) Reject(err error) bool {
	return p.settle(Message{}, err)
}

func (p *Promise) settle(msg Message, err error) bool {
	settled := false
	p.once.Do(func() {
		p.msg, p.err = msg, err
		close(p.done)
		settled = true
	})
	return settled
}

func (p *Promise) Poll() (Message, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	default:
		return Message{}, ErrNotReady
	}
}

func (p *Promise) Done() <-chan struct{} { return p.done }

// Wait blocks until the promise settles or ctx is done. It is meant for
// callers outside the driving task.
func (p *Promise) Wait(ctx context.Context) (Message, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Ready returns an already resolved Pending.
func Ready(msg Message) Pending {
	p := NewPromise()
	p.Resolve(msg)
	return p
}

// Failed returns an already rejected Pending.
func Failed(err error) Pending {
	p := NewPromise()
	p.Reject(err)
	return p
}

// Async runs fn on its own goroutine and returns its eventual result.
func Async(fn func() (Message, error)) Pending {
	p := NewPromise()
	go func() {
		msg, err := fn()
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(msg)
	}()
	return p
}
