package multiplex

import (
	"github.com/cbeuw/streamproto/internal/proto"
	log "github.com/sirupsen/logrus"
)

// serverExchange is one request being served.
type serverExchange struct {
	id      uint64
	pending proto.Pending

	// request body still arriving
	reqOpen bool
	// response head on the wire
	headSent bool
	// response fully on the wire
	respDone bool
}

// Server answers requests correlated by id. Requests are handed to the
// service as soon as their head arrives and responses go out in whatever
// order the service completes them.
//
// Server is not safe for concurrent use: Step and Cancel must be called
// from one driving task.
type Server struct {
	conn  *proto.Conn
	svc   proto.Service
	table table[serverExchange]

	// exchanges whose response head has not been written, in arrival order
	awaiting []*serverExchange
}

func NewServer(t proto.Transport, svc proto.Service, config proto.Config) *Server {
	return &Server{
		conn:  proto.NewConn(t, config),
		svc:   svc,
		table: newTable[serverExchange](),
	}
}

// InFlight is the number of exchanges in the in-flight table.
func (s *Server) InFlight() int { return s.table.len() }

func (s *Server) Err() error { return s.conn.Err() }

func (s *Server) Step() error {
	if err := s.conn.Err(); err != nil {
		return err
	}
	s.conn.Transport.Tick()

	progress, err := s.conn.ReadFrames(s.handle)
	if err != nil {
		return s.fail(err)
	}
	if s.conn.Router.FlushInbound() {
		progress = true
	}
	p, err := s.conn.WriteControl()
	if err != nil {
		return s.fail(err)
	}
	progress = progress || p
	p, err = s.respond()
	if err != nil {
		return s.fail(err)
	}
	progress = progress || p
	p, err = s.conn.Router.PollWrite(s.conn.Transport.WriteReady, s.writeBody)
	if err != nil {
		return s.fail(err)
	}
	progress = progress || p
	if err = s.conn.Flush(); err != nil {
		return s.fail(err)
	}
	if !progress {
		return proto.ErrNotReady
	}
	return nil
}

func (s *Server) handle(f *proto.Frame, retry bool) error {
	switch f.Kind {
	case proto.KindMessage:
		return s.accept(f)
	case proto.KindBody:
		return s.receiveBody(f, retry)
	case proto.KindError:
		e, ok := s.table.get(f.ID)
		if !ok {
			return s.unknown(f)
		}
		if !e.reqOpen {
			return proto.Violation(f.ID, "error frame after the request was complete")
		}
		// the client gave up sending its request body
		s.conn.Router.Fail(f.ID, proto.RemoteError(f.Err))
		e.reqOpen = false
		s.finish(e)
		return nil
	default:
		return proto.Violation(f.ID, "unexpected %v frame", f.Kind)
	}
}

func (s *Server) accept(f *proto.Frame) error {
	if _, ok := s.table.get(f.ID); ok {
		return proto.Violation(f.ID, "request for an exchange already in flight")
	}
	if s.conn.Router.Receiving(f.ID) {
		// the end of an earlier body under this id is still parked
		return proto.ErrNotReady
	}
	e := &serverExchange{id: f.ID}
	req := proto.Message{Head: f.Head}
	if f.Body {
		req.Body = s.conn.Router.Open(f.ID)
		e.reqOpen = true
	}
	s.table.insert(f.ID, e)
	e.pending = s.svc.Call(req)
	s.awaiting = append(s.awaiting, e)
	log.Debugf("exchange %v accepted", f.ID)
	return nil
}

func (s *Server) receiveBody(f *proto.Frame, retry bool) error {
	e, ok := s.table.get(f.ID)
	if !ok {
		return s.unknown(f)
	}
	if !e.reqOpen {
		return proto.Violation(f.ID, "body frame after the request body ended")
	}
	if !f.End && !retry {
		if err := s.conn.Transport.DispatchBody(f.ID, f.Chunk); err != nil {
			s.reject(e, &proto.HookRejection{ID: f.ID, Err: err})
			return nil
		}
	}
	if err := s.conn.Router.Deliver(f.ID, f.Chunk, f.End); err != nil {
		return err
	}
	if f.End {
		e.reqOpen = false
		s.finish(e)
	}
	return nil
}

// unknown deals with a frame for an id that is not in flight.
func (s *Server) unknown(f *proto.Frame) error {
	if s.table.wasCancelled(f.ID) {
		log.Tracef("dropping %v for cancelled exchange", f)
		if f.Terminal() {
			s.table.bury(f.ID)
		}
		return nil
	}
	return proto.Violation(f.ID, "%v frame for an exchange that is not in flight", f.Kind)
}

// reject fails e alone after its request body was vetoed. The rest of the
// request body is discarded, and the client is told unless it already has
// the whole response.
func (s *Server) reject(e *serverExchange, rej *proto.HookRejection) {
	log.Warnf("exchange %v: %v", e.id, rej)
	s.conn.Router.Fail(e.id, rej)
	s.drop(e)
	if !e.respDone {
		s.conn.Control(proto.ErrorFrame(e.id, rej))
	}
}

// respond writes the heads of responses the service has completed.
func (s *Server) respond() (progress bool, err error) {
	kept := s.awaiting[:0]
	blocked := false
	for _, e := range s.awaiting {
		if cur, live := s.table.get(e.id); !live || cur != e || e.headSent {
			continue
		}
		if blocked {
			kept = append(kept, e)
			continue
		}
		msg, perr := e.pending.Poll()
		if proto.IsNotReady(perr) {
			kept = append(kept, e)
			continue
		}
		var f *proto.Frame
		if perr != nil {
			f = proto.ErrorFrame(e.id, perr)
		} else {
			f = proto.MessageFrame(e.id, msg.Head, msg.Body != nil)
		}
		if err = s.conn.Write(f); err != nil {
			if !proto.IsNotReady(err) {
				return progress, err
			}
			blocked = true
			kept = append(kept, e)
			continue
		}
		progress = true
		e.headSent = true
		if perr == nil && msg.Body != nil {
			s.conn.Router.Attach(e.id, msg.Body)
			continue
		}
		e.respDone = true
		s.finish(e)
	}
	for i := len(kept); i < len(s.awaiting); i++ {
		s.awaiting[i] = nil
	}
	s.awaiting = kept
	return progress, nil
}

func (s *Server) writeBody(id uint64, chunk []byte, end bool, err error) error {
	if werr := s.conn.WriteBody(id, chunk, end, err); werr != nil {
		return werr
	}
	if end || err != nil {
		if e, ok := s.table.get(id); ok {
			e.respDone = true
			s.finish(e)
		}
	}
	return nil
}

func (s *Server) finish(e *serverExchange) {
	if e.reqOpen || !e.respDone {
		return
	}
	if s.table.remove(e.id) {
		log.Debugf("exchange %v completed", e.id)
	}
}

// drop takes e out of the table for good and lets go of both of its
// bodies. A tombstone is left only while the request body is still
// arriving.
func (s *Server) drop(e *serverExchange) {
	var removed bool
	if e.reqOpen {
		removed = s.table.cancel(e.id)
	} else {
		removed = s.table.remove(e.id)
	}
	if !removed {
		return
	}
	if e.reqOpen {
		s.conn.Router.Fail(e.id, proto.ErrCancelled)
		e.reqOpen = false
	}
	s.conn.Router.Detach(e.id)
}

// Cancel abandons the exchange id: its response is no longer produced and
// frames still arriving for it are discarded. Unless the client already has
// the whole response, it is sent an error frame for id, which also ends a
// response that was partly written. Cancelling an id that is not in flight
// does nothing.
func (s *Server) Cancel(id uint64) error {
	if err := s.conn.Err(); err != nil {
		return err
	}
	e, ok := s.table.get(id)
	if !ok {
		return nil
	}
	s.drop(e)
	if !e.respDone {
		s.conn.Control(proto.ErrorFrame(id, proto.ErrCancelled))
	}
	log.Debugf("exchange %v cancelled", id)
	if err := s.conn.Transport.Cancel(id); err != nil {
		return s.fail(&proto.TransportError{Op: "cancel", Err: err})
	}
	return nil
}

// fail latches err and tears down every exchange still in flight.
func (s *Server) fail(err error) error {
	err = s.conn.Latch(err)
	for id, e := range s.table.live {
		if e.reqOpen {
			s.conn.Router.Fail(id, err)
		}
		s.conn.Router.Detach(id)
	}
	s.table.live = map[uint64]*serverExchange{}
	s.awaiting = nil
	return err
}
