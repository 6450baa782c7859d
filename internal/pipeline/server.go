package pipeline

import (
	"github.com/cbeuw/streamproto/internal/proto"
	log "github.com/sirupsen/logrus"
)

type serverExchange struct {
	seq     uint64
	pending proto.Pending

	headSent bool
	respDone bool
}

// Server answers pipelined requests. Requests are handed to the service as
// soon as they arrive, so several may be computed at once, but responses are
// written strictly in request order and one at a time.
//
// Server is not safe for concurrent use: Step and Cancel must be called from
// one driving task.
type Server struct {
	conn *proto.Conn
	svc  proto.Service

	// accepted exchanges whose response is not fully written; the first one
	// is settling
	queue []*serverExchange
	// exchange whose request body is arriving
	reading *serverExchange
	// the rest of an abandoned request body is being skipped
	discarding bool
	seq        uint64
}

func NewServer(t proto.Transport, svc proto.Service, config proto.Config) *Server {
	return &Server{
		conn: proto.NewConn(t, config),
		svc:  svc,
	}
}

func (s *Server) Err() error { return s.conn.Err() }

// Queued is the number of accepted requests whose response is not fully
// written.
func (s *Server) Queued() int { return len(s.queue) }

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
		if s.reading != nil || s.discarding {
			return proto.Violation(s.seq, "request head while the previous request body is open")
		}
		if s.conn.Router.Receiving(0) {
			// the previous body's end is still parked in the router
			return proto.ErrNotReady
		}
		s.seq++
		e := &serverExchange{seq: s.seq}
		req := proto.Message{Head: f.Head}
		if f.Body {
			req.Body = s.conn.Router.Open(0)
			s.reading = e
		}
		e.pending = s.svc.Call(req)
		s.queue = append(s.queue, e)
		log.Debugf("request %v accepted", e.seq)
		return nil
	case proto.KindBody:
		if s.discarding {
			if f.End {
				s.discarding = false
			}
			return nil
		}
		e := s.reading
		if e == nil {
			return proto.Violation(s.seq, "body frame with no request body open")
		}
		if !f.End && !retry {
			if err := s.conn.Transport.DispatchBody(0, f.Chunk); err != nil {
				s.reject(e, &proto.HookRejection{Err: err})
				return nil
			}
		}
		if err := s.conn.Router.Deliver(0, f.Chunk, f.End); err != nil {
			return err
		}
		if f.End {
			s.reading = nil
		}
		return nil
	case proto.KindError:
		switch {
		case s.discarding:
			s.discarding = false
		case s.reading != nil:
			s.conn.Router.Fail(0, proto.RemoteError(f.Err))
			s.reading = nil
		default:
			return proto.Violation(s.seq, "error frame with no request body open")
		}
		return nil
	default:
		return proto.Violation(s.seq, "unexpected %v frame", f.Kind)
	}
}

// reject fails the request being read after a vetoed chunk. Its response
// becomes an error, written in its turn.
func (s *Server) reject(e *serverExchange, rej *proto.HookRejection) {
	log.Warnf("request %v: %v", e.seq, rej)
	s.conn.Router.Fail(0, rej)
	s.reading = nil
	s.discarding = true
	if !e.headSent {
		e.pending = proto.Failed(rej)
	}
}

// respond writes the settling response, then moves on to the next one only
// once it is fully written.
func (s *Server) respond() (progress bool, err error) {
	for len(s.queue) > 0 {
		e := s.queue[0]
		if !e.headSent {
			msg, perr := e.pending.Poll()
			if proto.IsNotReady(perr) {
				return progress, nil
			}
			f := proto.ErrorFrame(0, perr)
			if perr == nil {
				f = proto.MessageFrame(0, msg.Head, msg.Body != nil)
			}
			if err = s.conn.Write(f); err != nil {
				if proto.IsNotReady(err) {
					return progress, nil
				}
				return progress, err
			}
			progress = true
			e.headSent = true
			if perr == nil && msg.Body != nil {
				s.conn.Router.Attach(0, msg.Body)
			} else {
				e.respDone = true
			}
		}
		for i := 0; !e.respDone && i < s.conn.Config.MaxFramesPerStep; i++ {
			p, err := s.conn.Router.PollWrite(s.conn.Transport.WriteReady, s.writeBody)
			if err != nil {
				return progress, err
			}
			if !p {
				break
			}
			progress = true
		}
		if !e.respDone {
			return progress, nil
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
		log.Debugf("response %v written", e.seq)
	}
	return progress, nil
}

func (s *Server) writeBody(id uint64, chunk []byte, end bool, err error) error {
	if werr := s.conn.WriteBody(id, chunk, end, err); werr != nil {
		return werr
	}
	if (end || err != nil) && len(s.queue) > 0 {
		s.queue[0].respDone = true
	}
	return nil
}

// Cancel abandons the settling response. The client still receives a
// response for that request, as an error frame, so that later responses
// stay in step with their requests; if the response was already partly
// written the error frame terminates it. If that request's body is still
// arriving, the rest of it is skipped.
func (s *Server) Cancel() error {
	if err := s.conn.Err(); err != nil {
		return err
	}
	if len(s.queue) == 0 {
		return nil
	}
	e := s.queue[0]
	if s.reading == e {
		s.conn.Router.Fail(0, proto.ErrCancelled)
		s.reading = nil
		s.discarding = true
	}
	if e.headSent {
		s.conn.Router.Detach(0)
		if !e.respDone {
			s.conn.Control(proto.ErrorFrame(0, proto.ErrCancelled))
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
	} else {
		e.pending = proto.Failed(proto.ErrCancelled)
	}
	log.Debugf("response %v cancelled", e.seq)
	if err := s.conn.Transport.Cancel(0); err != nil {
		return s.fail(&proto.TransportError{Op: "cancel", Err: err})
	}
	return nil
}

func (s *Server) fail(err error) error {
	err = s.conn.Latch(err)
	if s.reading != nil {
		s.conn.Router.Fail(0, err)
		s.reading = nil
	}
	s.conn.Router.Detach(0)
	s.queue = nil
	return err
}
