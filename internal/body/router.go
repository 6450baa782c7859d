package body

import (
	"errors"
	"io"

	"code.hybscloud.com/iox"
	log "github.com/sirupsen/logrus"
)

var ErrUnknownBody = errors.New("no body is open for this exchange")

// inbound is a body being received from the transport.
type inbound struct {
	tx      *Sender
	backlog []item
}

// outbound is a body being written to the transport. At most one chunk is
// held between being pulled from rx and being accepted by the transport.
type outbound struct {
	id  uint64
	rx  *Stream
	buf []byte
	// what buf represents
	held    bool
	end     bool
	failure error
}

// Router connects the bodies of many exchanges to one shared transport.
// Inbound chunks are fanned out to the consumer registered for their id.
// Outbound bodies take turns on the write path in arrival order: each visit
// writes at most one chunk, then the exchange rejoins the back of the queue.
//
// Router is not safe for concurrent use; it belongs to a dispatcher's
// driving task.
type Router struct {
	capacity int
	backlog  int

	in     map[uint64]*inbound
	out    map[uint64]*outbound
	writeQ []*outbound
}

// NewRouter creates a Router whose inbound bodies hold capacity chunks, plus
// up to backlog chunks parked in the router when the consumer falls behind.
func NewRouter(capacity, backlog int) *Router {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if backlog < 0 {
		backlog = 0
	}
	return &Router{
		capacity: capacity,
		backlog:  backlog,
		in:       map[uint64]*inbound{},
		out:      map[uint64]*outbound{},
	}
}

// Open registers an inbound body for id and returns its consuming end.
func (r *Router) Open(id uint64) *Stream {
	tx, rx := New(r.capacity)
	r.in[id] = &inbound{tx: tx}
	log.Tracef("inbound body %v opened", id)
	return rx
}

func (r *Router) Receiving(id uint64) bool {
	_, ok := r.in[id]
	return ok
}

// Deliver routes a chunk, or the end marker if end is set, to id's body.
// It returns iox.ErrWouldBlock when both the body and its backlog are full,
// in which case the chunk was not taken. Chunks for a body whose consumer
// has gone away are discarded.
func (r *Router) Deliver(id uint64, chunk []byte, end bool) error {
	in, ok := r.in[id]
	if !ok {
		return ErrUnknownBody
	}
	it := item{chunk: chunk, end: end}
	if len(in.backlog) == 0 {
		err := r.push(id, in, it)
		if !iox.IsWouldBlock(err) {
			return nil
		}
	}
	if len(in.backlog) >= r.backlog {
		return iox.ErrWouldBlock
	}
	in.backlog = append(in.backlog, it)
	return nil
}

func (r *Router) push(id uint64, in *inbound, it item) error {
	err := in.tx.push(it)
	if iox.IsWouldBlock(err) {
		return err
	}
	if err != nil {
		log.Tracef("inbound body %v discarding chunk: %v", id, err)
	}
	if it.end {
		delete(r.in, id)
		log.Tracef("inbound body %v finished", id)
	}
	return nil
}

// FlushInbound moves backlogged chunks into their bodies as room frees up.
// It reports whether any chunk moved.
func (r *Router) FlushInbound() bool {
	progress := false
	for id, in := range r.in {
		for len(in.backlog) > 0 {
			if iox.IsWouldBlock(r.push(id, in, in.backlog[0])) {
				break
			}
			in.backlog = in.backlog[1:]
			progress = true
		}
	}
	return progress
}

// Fail ends id's inbound body with err and forgets it.
func (r *Router) Fail(id uint64, err error) {
	in, ok := r.in[id]
	if !ok {
		return
	}
	delete(r.in, id)
	_ = in.tx.Fail(err)
	log.Tracef("inbound body %v failed: %v", id, err)
}

// Attach queues s to be written as id's outbound body.
func (r *Router) Attach(id uint64, s *Stream) {
	o := &outbound{id: id, rx: s}
	r.out[id] = o
	r.writeQ = append(r.writeQ, o)
	log.Tracef("outbound body %v attached", id)
}

func (r *Router) Sending(id uint64) bool {
	_, ok := r.out[id]
	return ok
}

// Detach stops writing id's outbound body and abandons its stream.
func (r *Router) Detach(id uint64) {
	o, ok := r.out[id]
	if !ok {
		return
	}
	delete(r.out, id)
	_ = o.rx.Close()
	log.Tracef("outbound body %v detached", id)
}

// PendingWrites is the number of outbound bodies waiting for a turn.
func (r *Router) PendingWrites() int {
	return len(r.out)
}

// Emit writes one piece of an outbound body to the transport: a chunk, the
// end marker (end set) or the body's failure (err set). It returns
// iox.ErrWouldBlock if the transport cannot take anything right now.
type Emit func(id uint64, chunk []byte, end bool, err error) error

// PollWrite gives every queued outbound body at most one turn. A body whose
// exchange is not write-ready, or whose next chunk is not produced yet, goes
// to the back of the queue without writing. The round stops early, keeping
// the queue order, when emit reports iox.ErrWouldBlock. Any other error from
// emit is returned as is.
func (r *Router) PollWrite(ready func(id uint64) bool, emit Emit) (progress bool, err error) {
	for n := len(r.writeQ); n > 0; n-- {
		o := r.writeQ[0]
		r.writeQ = r.writeQ[1:]
		if r.out[o.id] != o {
			continue
		}
		if !ready(o.id) {
			r.writeQ = append(r.writeQ, o)
			continue
		}
		if !o.held && !o.pull() {
			r.writeQ = append(r.writeQ, o)
			continue
		}
		err = emit(o.id, o.buf, o.end, o.failure)
		if iox.IsWouldBlock(err) {
			r.writeQ = append([]*outbound{o}, r.writeQ...)
			return progress, nil
		}
		if err != nil {
			return progress, err
		}
		progress = true
		if o.end || o.failure != nil {
			delete(r.out, o.id)
			log.Tracef("outbound body %v finished", o.id)
			continue
		}
		o.buf, o.held = nil, false
		r.writeQ = append(r.writeQ, o)
	}
	return progress, nil
}

// pull takes the next piece of the body into o. It reports false if
// nothing is available yet.
func (o *outbound) pull() bool {
	chunk, err := o.rx.Next()
	switch {
	case err == nil:
		o.buf = chunk
	case err == io.EOF:
		o.end = true
	case iox.IsWouldBlock(err):
		return false
	default:
		o.failure = err
	}
	o.held = true
	return true
}
