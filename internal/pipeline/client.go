package pipeline

import (
	"github.com/cbeuw/streamproto/internal/proto"
	log "github.com/sirupsen/logrus"
)

type clientExchange struct {
	seq     uint64
	req     proto.Message
	promise *proto.Promise

	headSent bool
	reqOpen  bool
	respOpen bool
	// the caller lost interest; the response is skipped when it arrives
	cancelled bool
}

// Client issues pipelined requests. Requests are written back to back
// without waiting for responses, and responses are matched to requests by
// order alone.
//
// Client is not safe for concurrent use: Call, Step and Cancel must be
// called from one driving task. The promises it hands out may be waited on
// from anywhere.
type Client struct {
	conn *proto.Conn

	// requests not fully written; the first one is being written
	sendQ []*clientExchange
	// written requests whose response has not fully arrived, in order
	recvQ []*clientExchange
	// the rest of a cancelled response is being skipped
	discarding bool
	seq        uint64
}

func NewClient(t proto.Transport, config proto.Config) *Client {
	return &Client{conn: proto.NewConn(t, config)}
}

func (c *Client) Err() error { return c.conn.Err() }

// Outstanding is the number of requests whose response has not fully
// arrived, including those not yet written.
func (c *Client) Outstanding() int {
	n := len(c.recvQ)
	for _, e := range c.sendQ {
		if !e.headSent {
			n++
		}
	}
	return n
}

// Call queues req behind every request issued before it.
func (c *Client) Call(req proto.Message) (*proto.Promise, error) {
	if err := c.conn.Err(); err != nil {
		return nil, err
	}
	c.seq++
	e := &clientExchange{seq: c.seq, req: req, promise: proto.NewPromise()}
	c.sendQ = append(c.sendQ, e)
	log.Debugf("request %v submitted", e.seq)
	return e.promise, nil
}

func (c *Client) Step() error {
	if err := c.conn.Err(); err != nil {
		return err
	}
	c.conn.Transport.Tick()

	progress, err := c.conn.WriteControl()
	if err != nil {
		return c.fail(err)
	}
	p, err := c.send()
	if err != nil {
		return c.fail(err)
	}
	progress = progress || p
	if err = c.conn.Flush(); err != nil {
		return c.fail(err)
	}
	p, err = c.conn.ReadFrames(c.handle)
	if err != nil {
		return c.fail(err)
	}
	progress = progress || p
	if c.conn.Router.FlushInbound() {
		progress = true
	}
	if !progress {
		return proto.ErrNotReady
	}
	return nil
}

// send writes queued requests in order, each one's body in full before the
// next one's head.
func (c *Client) send() (progress bool, err error) {
	for len(c.sendQ) > 0 {
		e := c.sendQ[0]
		if !e.headSent {
			if err = c.conn.Write(proto.MessageFrame(0, e.req.Head, e.req.Body != nil)); err != nil {
				if proto.IsNotReady(err) {
					return progress, nil
				}
				return progress, err
			}
			progress = true
			e.headSent = true
			c.recvQ = append(c.recvQ, e)
			if e.req.Body != nil {
				e.reqOpen = true
				c.conn.Router.Attach(0, e.req.Body)
			}
		}
		for i := 0; e.reqOpen && i < c.conn.Config.MaxFramesPerStep; i++ {
			p, err := c.conn.Router.PollWrite(c.conn.Transport.WriteReady, c.writeBody)
			if err != nil {
				return progress, err
			}
			if !p {
				break
			}
			progress = true
		}
		if e.reqOpen {
			return progress, nil
		}
		c.sendQ[0] = nil
		c.sendQ = c.sendQ[1:]
	}
	return progress, nil
}

func (c *Client) writeBody(id uint64, chunk []byte, end bool, err error) error {
	if werr := c.conn.WriteBody(id, chunk, end, err); werr != nil {
		return werr
	}
	if (end || err != nil) && len(c.sendQ) > 0 {
		c.sendQ[0].reqOpen = false
	}
	return nil
}

func (c *Client) handle(f *proto.Frame, retry bool) error {
	if c.discarding {
		if f.Kind == proto.KindMessage {
			return proto.Violation(0, "response head inside a skipped response body")
		}
		if f.Terminal() {
			c.discarding = false
		}
		return nil
	}
	if len(c.recvQ) == 0 {
		return proto.Violation(0, "%v frame with no request outstanding", f.Kind)
	}
	e := c.recvQ[0]
	switch f.Kind {
	case proto.KindMessage:
		if e.respOpen {
			return proto.Violation(e.seq, "response head while the previous response body is open")
		}
		if c.conn.Router.Receiving(0) {
			return proto.ErrNotReady
		}
		if e.cancelled {
			c.discarding = f.Body
			c.pop()
			log.Tracef("skipping response %v", e.seq)
			return nil
		}
		resp := proto.Message{Head: f.Head}
		if f.Body {
			resp.Body = c.conn.Router.Open(0)
			e.respOpen = true
		}
		e.promise.Resolve(resp)
		if !f.Body {
			c.pop()
		}
		return nil
	case proto.KindBody:
		if !e.respOpen {
			return proto.Violation(e.seq, "body frame with no response body open")
		}
		if !f.End && !retry {
			if err := c.conn.Transport.DispatchBody(0, f.Chunk); err != nil {
				rej := &proto.HookRejection{Err: err}
				log.Warnf("response %v: %v", e.seq, rej)
				c.conn.Router.Fail(0, rej)
				c.discarding = true
				c.pop()
				return nil
			}
		}
		if err := c.conn.Router.Deliver(0, f.Chunk, f.End); err != nil {
			return err
		}
		if f.End {
			c.pop()
		}
		return nil
	case proto.KindError:
		rerr := proto.RemoteError(f.Err)
		if e.respOpen {
			c.conn.Router.Fail(0, rerr)
		} else {
			e.promise.Reject(rerr)
		}
		c.pop()
		return nil
	default:
		return proto.Violation(e.seq, "unexpected %v frame", f.Kind)
	}
}

// pop retires the exchange at the front of recvQ.
func (c *Client) pop() {
	e := c.recvQ[0]
	e.respOpen = false
	c.recvQ[0] = nil
	c.recvQ = c.recvQ[1:]
	log.Debugf("response %v done", e.seq)
}

// Cancel drops interest in the oldest response still pending. Its caller
// sees proto.ErrCancelled. Frames of that response are still read and
// skipped up to its end, so the next response is not mistaken for part of
// it. A request not written yet is withdrawn; one whose body is being
// written is terminated with an error frame.
func (c *Client) Cancel() error {
	if err := c.conn.Err(); err != nil {
		return err
	}
	var e *clientExchange
	for _, r := range c.recvQ {
		if !r.cancelled {
			e = r
			break
		}
	}
	if e == nil {
		for _, r := range c.sendQ {
			if !r.cancelled {
				e = r
				break
			}
		}
	}
	if e == nil {
		return nil
	}
	e.cancelled = true
	e.promise.Reject(proto.ErrCancelled)

	switch {
	case !e.headSent:
		c.withdraw(e)
	case e.reqOpen:
		c.conn.Router.Detach(0)
		c.conn.Control(proto.ErrorFrame(0, proto.ErrCancelled))
		e.reqOpen = false
	}
	if e.respOpen {
		// head already in, body still arriving
		c.conn.Router.Fail(0, proto.ErrCancelled)
		c.discarding = true
		c.pop()
	}
	log.Debugf("request %v cancelled", e.seq)
	if err := c.conn.Transport.Cancel(0); err != nil {
		return c.fail(&proto.TransportError{Op: "cancel", Err: err})
	}
	return nil
}

func (c *Client) withdraw(e *clientExchange) {
	for i, r := range c.sendQ {
		if r == e {
			c.sendQ = append(c.sendQ[:i], c.sendQ[i+1:]...)
			return
		}
	}
}

func (c *Client) fail(err error) error {
	err = c.conn.Latch(err)
	for _, e := range c.recvQ {
		e.promise.Reject(err)
	}
	for _, e := range c.sendQ {
		e.promise.Reject(err)
	}
	c.conn.Router.Fail(0, err)
	c.conn.Router.Detach(0)
	c.recvQ, c.sendQ = nil, nil
	return err
}
