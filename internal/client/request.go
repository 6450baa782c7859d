package client

import (
	"context"
	"io"

	"github.com/cbeuw/streamproto/internal/body"
	"github.com/cbeuw/streamproto/internal/proto"
)

type Result struct {
	Head   any
	Chunks [][]byte
	Err    error
}

type inflight struct {
	pending proto.Pending
	body    *body.Stream
	done    bool
}

// poll advances r as far as it can go without blocking and reports whether
// it has finished.
func (f *inflight) poll(r *Result) bool {
	if f.done {
		return true
	}
	if f.body == nil {
		msg, err := f.pending.Poll()
		switch {
		case proto.IsNotReady(err):
			return false
		case err != nil:
			r.Err = err
			f.done = true
			return true
		}
		r.Head = msg.Head
		if msg.Body == nil {
			f.done = true
			return true
		}
		f.body = msg.Body
	}
	for {
		chunk, err := f.body.Next()
		switch {
		case err == nil:
			r.Chunks = append(r.Chunks, chunk)
		case err == io.EOF:
			f.done = true
			return true
		case proto.IsNotReady(err):
			return false
		default:
			r.Err = err
			f.done = true
			return true
		}
	}
}

// Run issues every request on c at once and drives c until each response,
// body included, has fully arrived or failed. The error is the one that
// ended the connection, if any; the results then hold what arrived before.
func Run(ctx context.Context, c Caller, reqs []proto.Message) ([]Result, error) {
	results := make([]Result, len(reqs))
	calls := make([]inflight, len(reqs))
	for i, req := range reqs {
		p, err := c.Call(req)
		if err != nil {
			return nil, err
		}
		calls[i].pending = p
	}
	err := proto.DriveUntil(ctx, c, func() bool {
		all := true
		for i := range calls {
			if !calls[i].poll(&results[i]) {
				all = false
			}
		}
		return all
	})
	if err != nil {
		// pick up whatever the failure settled
		for i := range calls {
			calls[i].poll(&results[i])
		}
	}
	return results, err
}
