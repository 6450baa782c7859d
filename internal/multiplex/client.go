package multiplex

import (
	"github.com/cbeuw/streamproto/internal/proto"
	log "github.com/sirupsen/logrus"
)

// Call is a request issued on a Client. The embedded promise settles with
// the response head, or with the error that ended the exchange.
type Call struct {
	ID uint64
	*proto.Promise
}

type clientExchange struct {
	id      uint64
	req     proto.Message
	promise *proto.Promise

	headSent bool
	// request body still being written
	reqOpen bool
	gotHead bool
	// response body still arriving
	respOpen bool
}

// Client issues requests correlated by id and matches responses back to
// their callers regardless of the order they complete in.
//
// Client is not safe for concurrent use: Call, Step and Cancel must be
// called from one driving task. The promises it hands out may be waited on
// from anywhere.
type Client struct {
	conn   *proto.Conn
	table  table[clientExchange]
	nextID uint64

	// requests whose head is not written yet, in submission order
	sendQ []*clientExchange
}

func NewClient(t proto.Transport, config proto.Config) *Client {
	return &Client{
		conn:   proto.NewConn(t, config),
		table:  newTable[clientExchange](),
		nextID: 1,
	}
}

// InFlight is the number of exchanges in the in-flight table.
func (c *Client) InFlight() int { return c.table.len() }

func (c *Client) Err() error { return c.conn.Err() }

// Call submits req. Its frames are written by later Steps.
func (c *Client) Call(req proto.Message) (*Call, error) {
	if err := c.conn.Err(); err != nil {
		return nil, err
	}
	id := c.allocID()
	e := &clientExchange{id: id, req: req, promise: proto.NewPromise()}
	c.table.insert(id, e)
	c.sendQ = append(c.sendQ, e)
	log.Debugf("exchange %v submitted", id)
	return &Call{ID: id, Promise: e.promise}, nil
}

// allocID returns the next id that is not in flight.
func (c *Client) allocID() uint64 {
	for {
		id := c.nextID
		c.nextID++
		if _, busy := c.table.get(id); !busy {
			return id
		}
	}
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
	p, err := c.sendHeads()
	if err != nil {
		return c.fail(err)
	}
	progress = progress || p
	p, err = c.conn.Router.PollWrite(c.conn.Transport.WriteReady, c.writeBody)
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

func (c *Client) sendHeads() (progress bool, err error) {
	for len(c.sendQ) > 0 {
		e := c.sendQ[0]
		if cur, live := c.table.get(e.id); !live || cur != e {
			c.sendQ = c.sendQ[1:]
			continue
		}
		if err = c.conn.Write(proto.MessageFrame(e.id, e.req.Head, e.req.Body != nil)); err != nil {
			if proto.IsNotReady(err) {
				return progress, nil
			}
			return progress, err
		}
		c.sendQ[0] = nil
		c.sendQ = c.sendQ[1:]
		progress = true
		e.headSent = true
		if e.req.Body != nil {
			e.reqOpen = true
			c.conn.Router.Attach(e.id, e.req.Body)
		}
	}
	return progress, nil
}

func (c *Client) writeBody(id uint64, chunk []byte, end bool, err error) error {
	if werr := c.conn.WriteBody(id, chunk, end, err); werr != nil {
		return werr
	}
	if end || err != nil {
		if e, ok := c.table.get(id); ok {
			e.reqOpen = false
			c.finish(e)
		}
	}
	return nil
}

func (c *Client) handle(f *proto.Frame, retry bool) error {
	e, ok := c.table.get(f.ID)
	if !ok {
		if c.table.wasCancelled(f.ID) {
			log.Tracef("dropping %v for cancelled exchange", f)
			if f.Terminal() {
				c.table.bury(f.ID)
			}
			return nil
		}
		return proto.Violation(f.ID, "%v frame for an exchange that is not in flight", f.Kind)
	}
	if !e.headSent {
		return proto.Violation(f.ID, "%v frame before the request was sent", f.Kind)
	}
	switch f.Kind {
	case proto.KindMessage:
		if e.gotHead {
			return proto.Violation(f.ID, "second response for one exchange")
		}
		resp := proto.Message{Head: f.Head}
		if f.Body {
			resp.Body = c.conn.Router.Open(f.ID)
			e.respOpen = true
		}
		e.gotHead = true
		e.promise.Resolve(resp)
		c.finish(e)
		return nil
	case proto.KindBody:
		if !e.respOpen {
			return proto.Violation(f.ID, "body frame outside a response body")
		}
		if !f.End && !retry {
			if err := c.conn.Transport.DispatchBody(f.ID, f.Chunk); err != nil {
				c.reject(e, &proto.HookRejection{ID: f.ID, Err: err})
				return nil
			}
		}
		if err := c.conn.Router.Deliver(f.ID, f.Chunk, f.End); err != nil {
			return err
		}
		if f.End {
			e.respOpen = false
			c.finish(e)
		}
		return nil
	case proto.KindError:
		rerr := proto.RemoteError(f.Err)
		if !e.gotHead {
			e.promise.Reject(rerr)
		} else if e.respOpen {
			c.conn.Router.Fail(f.ID, rerr)
		} else {
			return proto.Violation(f.ID, "error frame after the response was complete")
		}
		// nothing more comes from the server for this exchange
		c.conn.Router.Detach(f.ID)
		if e.reqOpen {
			c.conn.Control(proto.ErrorFrame(f.ID, proto.ErrCancelled))
			e.reqOpen = false
		}
		c.table.remove(f.ID)
		log.Debugf("exchange %v failed remotely: %v", f.ID, f.Err)
		return nil
	default:
		return proto.Violation(f.ID, "unexpected %v frame", f.Kind)
	}
}

func (c *Client) finish(e *clientExchange) {
	if e.reqOpen || !e.gotHead || e.respOpen {
		return
	}
	if c.table.remove(e.id) {
		log.Debugf("exchange %v completed", e.id)
	}
}

// reject fails e alone after a response chunk was vetoed, and cancels it.
func (c *Client) reject(e *clientExchange, rej *proto.HookRejection) {
	log.Warnf("exchange %v: %v", e.id, rej)
	_ = c.cancel(e, rej)
}

// Cancel abandons the exchange id. Its caller sees proto.ErrCancelled, and
// any frame for id arriving afterwards is discarded without error.
// Cancelling an id that is not in flight does nothing.
func (c *Client) Cancel(id uint64) error {
	if err := c.conn.Err(); err != nil {
		return err
	}
	e, ok := c.table.get(id)
	if !ok {
		return nil
	}
	return c.cancel(e, proto.ErrCancelled)
}

func (c *Client) cancel(e *clientExchange, reason error) error {
	// a tombstone is needed only while the server still owes frames for id
	var removed bool
	if e.headSent && (!e.gotHead || e.respOpen) {
		removed = c.table.cancel(e.id)
	} else {
		removed = c.table.remove(e.id)
	}
	if !removed {
		return nil
	}
	e.promise.Reject(reason)
	if e.respOpen {
		c.conn.Router.Fail(e.id, reason)
		e.respOpen = false
	}
	c.conn.Router.Detach(e.id)
	if e.reqOpen {
		// the server is still reading our request body
		c.conn.Control(proto.ErrorFrame(e.id, reason))
		e.reqOpen = false
	}
	log.Debugf("exchange %v cancelled: %v", e.id, reason)
	if err := c.conn.Transport.Cancel(e.id); err != nil {
		return c.fail(&proto.TransportError{Op: "cancel", Err: err})
	}
	return nil
}

// fail latches err and hands it to every caller still in flight.
func (c *Client) fail(err error) error {
	err = c.conn.Latch(err)
	for id, e := range c.table.live {
		e.promise.Reject(err)
		if e.respOpen {
			c.conn.Router.Fail(id, err)
		}
		c.conn.Router.Detach(id)
	}
	c.table.live = map[uint64]*clientExchange{}
	c.sendQ = nil
	return err
}
