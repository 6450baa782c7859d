// Package body carries the payload of requests and responses as lazy,
// finite sequences of chunks, and routes those sequences between a shared
// frame transport and the individual exchanges using it.
package body

import (
	"context"
	"errors"
	"io"
	"sync"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

const DefaultCapacity = 16

var ErrAbandoned = errors.New("body stream abandoned by its consumer")
var ErrFinished = errors.New("body stream already finished")

type item struct {
	chunk []byte
	end   bool
}

// shared is the state both ends can see outside of the queue.
type shared struct {
	m         sync.Mutex
	failure   error
	abandoned bool
}

func (sh *shared) fail(err error) {
	sh.m.Lock()
	if sh.failure == nil {
		sh.failure = err
	}
	sh.m.Unlock()
}

func (sh *shared) err() error {
	sh.m.Lock()
	defer sh.m.Unlock()
	return sh.failure
}

func (sh *shared) abandon() {
	sh.m.Lock()
	sh.abandoned = true
	sh.m.Unlock()
}

func (sh *shared) isAbandoned() bool {
	sh.m.Lock()
	defer sh.m.Unlock()
	return sh.abandoned
}

// Stream is the consuming end of a body. Chunks come out in the order they
// were sent, followed by io.EOF. A Stream cannot be rewound.
//
// A Stream must have a single consumer, and its Sender a single producer;
// the two may live on different goroutines.
type Stream struct {
	q  *lfq.SPSC[item]
	sh *shared
	// terminal result, returned forever once reached
	term error
}

// Sender is the producing end of a body.
type Sender struct {
	q        *lfq.SPSC[item]
	sh       *shared
	finished bool
}

// New creates a body with room for capacity chunks in flight between the
// two ends. Send reports iox.ErrWouldBlock while that room is used up.
func New(capacity int) (*Sender, *Stream) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := new(lfq.SPSC[item])
	q.Init(roundPow2(capacity))
	sh := new(shared)
	return &Sender{q: q, sh: sh}, &Stream{q: q, sh: sh}
}

func roundPow2(n int) int {
	p := 2
	for p < n {
		p <<= 1
	}
	return p
}

// Next returns the next chunk. It returns io.EOF after the last chunk, the
// producer's error if the body failed, or iox.ErrWouldBlock if the next
// chunk has not been produced yet.
func (s *Stream) Next() ([]byte, error) {
	if s.term != nil {
		return nil, s.term
	}
	it, err := s.q.Dequeue()
	if err != nil {
		ferr := s.sh.err()
		if ferr == nil {
			return nil, err
		}
		// the producer may have sent a last chunk between the two reads
		if it, err = s.q.Dequeue(); err != nil {
			s.term = ferr
			return nil, ferr
		}
	}
	if it.end {
		s.term = io.EOF
		return nil, io.EOF
	}
	return it.chunk, nil
}

// Close tells the producer nothing more will be read. Later sends fail
// with ErrAbandoned.
func (s *Stream) Close() error {
	s.sh.abandon()
	if s.term == nil {
		s.term = ErrAbandoned
	}
	return nil
}

func (s *Sender) Send(chunk []byte) error {
	return s.push(item{chunk: chunk})
}

// Close appends the end-of-body marker.
func (s *Sender) Close() error {
	return s.push(item{end: true})
}

// Fail ends the body with err. Chunks already sent are still delivered
// before err. Fail never reports iox.ErrWouldBlock.
func (s *Sender) Fail(err error) error {
	if s.finished {
		return ErrFinished
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	s.finished = true
	s.sh.fail(err)
	return nil
}

// Abandoned reports whether the consumer has closed its end.
func (s *Sender) Abandoned() bool {
	return s.sh.isAbandoned()
}

func (s *Sender) push(it item) error {
	if s.finished {
		return ErrFinished
	}
	if s.sh.isAbandoned() {
		return ErrAbandoned
	}
	if err := s.q.Enqueue(&it); err != nil {
		return err
	}
	if it.end {
		s.finished = true
	}
	return nil
}

// FromChunks returns a finished body holding chunks.
func FromChunks(chunks ...[]byte) *Stream {
	tx, rx := New(len(chunks) + 2)
	for _, c := range chunks {
		_ = tx.Send(c)
	}
	_ = tx.Close()
	return rx
}

// Collect reads s to the end, waiting with backoff while chunks are not yet
// available. It is meant for code running outside a dispatcher's driving
// task.
func Collect(ctx context.Context, s *Stream) ([][]byte, error) {
	var chunks [][]byte
	var bo iox.Backoff
	for {
		chunk, err := s.Next()
		switch {
		case err == nil:
			chunks = append(chunks, chunk)
			bo.Reset()
		case err == io.EOF:
			return chunks, nil
		case iox.IsWouldBlock(err):
			if cerr := ctx.Err(); cerr != nil {
				return chunks, cerr
			}
			bo.Wait()
		default:
			return chunks, err
		}
	}
}

// Forward copies src into dst until src ends or fails, waiting with backoff
// on either side. dst is closed or failed accordingly.
func Forward(ctx context.Context, dst *Sender, src *Stream) error {
	var bo iox.Backoff
	var pending []byte
	var hasPending bool
	for {
		if cerr := ctx.Err(); cerr != nil {
			_ = dst.Fail(cerr)
			return cerr
		}
		if !hasPending {
			chunk, err := src.Next()
			switch {
			case err == nil:
				pending, hasPending = chunk, true
			case err == io.EOF:
				for {
					err = dst.Close()
					if !iox.IsWouldBlock(err) {
						return err
					}
					if cerr := ctx.Err(); cerr != nil {
						return cerr
					}
					bo.Wait()
				}
			case iox.IsWouldBlock(err):
				bo.Wait()
				continue
			default:
				_ = dst.Fail(err)
				return err
			}
		}
		err := dst.Send(pending)
		switch {
		case err == nil:
			hasPending = false
			bo.Reset()
		case iox.IsWouldBlock(err):
			bo.Wait()
		default:
			_ = src.Close()
			return err
		}
	}
}
