// Package prototest provides an in-memory proto.Transport for tests.
package prototest

import (
	"errors"
	"sync"

	"github.com/cbeuw/streamproto/internal/proto"
)

var ErrClosed = errors.New("prototest: transport closed")

type queue struct {
	m      sync.Mutex
	frames []*proto.Frame
}

func (q *queue) push(f *proto.Frame) {
	q.m.Lock()
	q.frames = append(q.frames, f)
	q.m.Unlock()
}

func (q *queue) pop() (*proto.Frame, bool) {
	q.m.Lock()
	defer q.m.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return f, true
}

func (q *queue) len() int {
	q.m.Lock()
	defer q.m.Unlock()
	return len(q.frames)
}

func (q *queue) drain() []*proto.Frame {
	q.m.Lock()
	defer q.m.Unlock()
	fs := q.frames
	q.frames = nil
	return fs
}

// Transport is an in-memory frame transport. It counts maintenance ticks and
// records cancellations before handing them to the embedded Hooks.
type Transport struct {
	proto.Hooks

	in  *queue
	out *queue

	m         sync.Mutex
	ticks     int
	cancelled []uint64
	readErr   error
	writeErr  error
	// WriteLimit caps the number of unread frames written by this side;
	// WriteFrame reports not ready beyond it. Zero means no cap.
	WriteLimit int
}

// New returns a Transport with no peer. Frames for it are supplied with
// Inject and frames it writes are collected with Written.
func New(hooks proto.Hooks) *Transport {
	return &Transport{Hooks: hooks, in: new(queue), out: new(queue)}
}

// Pipe returns two connected Transports.
func Pipe(a, b proto.Hooks) (*Transport, *Transport) {
	ab, ba := new(queue), new(queue)
	return &Transport{Hooks: a, in: ba, out: ab}, &Transport{Hooks: b, in: ab, out: ba}
}

func (t *Transport) ReadFrame() (*proto.Frame, error) {
	if f, ok := t.in.pop(); ok {
		return f, nil
	}
	t.m.Lock()
	defer t.m.Unlock()
	if t.readErr != nil {
		return nil, t.readErr
	}
	return nil, proto.ErrNotReady
}

func (t *Transport) WriteFrame(f *proto.Frame) error {
	t.m.Lock()
	werr, limit := t.writeErr, t.WriteLimit
	t.m.Unlock()
	if werr != nil {
		return werr
	}
	if limit > 0 && t.out.len() >= limit {
		return proto.ErrNotReady
	}
	t.out.push(f)
	return nil
}

func (t *Transport) Flush() error { return nil }

func (t *Transport) Tick() {
	t.m.Lock()
	t.ticks++
	t.m.Unlock()
	t.Hooks.Tick()
}

func (t *Transport) Cancel(id uint64) error {
	t.m.Lock()
	t.cancelled = append(t.cancelled, id)
	t.m.Unlock()
	return t.Hooks.Cancel(id)
}

// Ticks is the number of times Tick has been called.
func (t *Transport) Ticks() int {
	t.m.Lock()
	defer t.m.Unlock()
	return t.ticks
}

// Cancelled lists the ids passed to Cancel, in order.
func (t *Transport) Cancelled() []uint64 {
	t.m.Lock()
	defer t.m.Unlock()
	return append([]uint64(nil), t.cancelled...)
}

// Inject queues frames as if they had come from the peer.
func (t *Transport) Inject(fs ...*proto.Frame) {
	for _, f := range fs {
		t.in.push(f)
	}
}

// Written takes every frame written by this side that has not been read.
func (t *Transport) Written() []*proto.Frame {
	return t.out.drain()
}

// Queued is the number of frames injected or sent by the peer that this side
// has not read yet.
func (t *Transport) Queued() int {
	return t.in.len()
}

// Unread is the number of frames written by this side and not yet read.
func (t *Transport) Unread() int {
	return t.out.len()
}

// FailReads makes ReadFrame return err once queued frames are consumed.
func (t *Transport) FailReads(err error) {
	t.m.Lock()
	t.readErr = err
	t.m.Unlock()
}

// FailWrites makes every later WriteFrame return err.
func (t *Transport) FailWrites(err error) {
	t.m.Lock()
	t.writeErr = err
	t.m.Unlock()
}

// Close fails both directions with ErrClosed.
func (t *Transport) Close() error {
	t.FailReads(ErrClosed)
	t.FailWrites(ErrClosed)
	return nil
}
