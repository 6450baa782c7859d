package proto

import (
	"github.com/cbeuw/streamproto/internal/body"
	log "github.com/sirupsen/logrus"
)

const (
	defaultBodyCapacity      = body.DefaultCapacity
	defaultMaxBufferedFrames = 16
	defaultMaxFramesPerStep  = 64
)

// Config tunes a dispatcher. Zero fields take their defaults.
type Config struct {
	// BodyCapacity is how many chunks an inbound body holds before its
	// consumer has to catch up.
	BodyCapacity int
	// MaxBufferedFrames is how many further chunks are parked per exchange
	// when its consumer is behind. Only when that is used up too does the
	// dispatcher stop reading from the transport.
	MaxBufferedFrames int
	// MaxFramesPerStep bounds how many frames one Step reads.
	MaxFramesPerStep int
}

func (c Config) withDefaults() Config {
	if c.BodyCapacity <= 0 {
		c.BodyCapacity = defaultBodyCapacity
	}
	if c.MaxBufferedFrames <= 0 {
		c.MaxBufferedFrames = defaultMaxBufferedFrames
	}
	if c.MaxFramesPerStep <= 0 {
		c.MaxFramesPerStep = defaultMaxFramesPerStep
	}
	return c
}

// Conn is the per-transport state every dispatcher needs: the body router,
// a frame the dispatcher could not accept yet, control frames waiting to be
// written ahead of everything else, and the latched fatal error.
type Conn struct {
	Transport Transport
	Router    *body.Router
	Config    Config

	stalled *Frame
	control []*Frame
	err     error
}

func NewConn(t Transport, config Config) *Conn {
	config = config.withDefaults()
	return &Conn{
		Transport: t,
		Router:    body.NewRouter(config.BodyCapacity, config.MaxBufferedFrames),
		Config:    config,
	}
}

// Err returns the fatal error that ended the connection, if any.
func (c *Conn) Err() error { return c.err }

// Latch records err as the connection's fatal error and returns whichever
// fatal error is now in force.
func (c *Conn) Latch(err error) error {
	if c.err == nil {
		c.err = err
		log.Errorf("connection terminated: %v", err)
	}
	return c.err
}

// ReadFrames reads up to MaxFramesPerStep frames and hands each to handle.
// If handle reports ErrNotReady the frame is kept and handed over again, with
// retry set, on the next call before anything new is read.
func (c *Conn) ReadFrames(handle func(f *Frame, retry bool) error) (progress bool, err error) {
	for i := 0; i < c.Config.MaxFramesPerStep; i++ {
		f, retry := c.stalled, c.stalled != nil
		if f == nil {
			f, err = c.Transport.ReadFrame()
			if IsNotReady(err) {
				return progress, nil
			}
			if err != nil {
				return progress, &TransportError{Op: "read", Err: err}
			}
		}
		err = handle(f, retry)
		if IsNotReady(err) {
			c.stalled = f
			return progress, nil
		}
		c.stalled = nil
		if err != nil {
			return progress, err
		}
		progress = true
	}
	return progress, nil
}

// Control queues f to be written before any other frame.
func (c *Conn) Control(f *Frame) {
	c.control = append(c.control, f)
}

// WriteControl writes queued control frames in order.
func (c *Conn) WriteControl() (progress bool, err error) {
	for len(c.control) > 0 {
		if err = c.Write(c.control[0]); err != nil {
			if IsNotReady(err) {
				return progress, nil
			}
			return progress, err
		}
		c.control = c.control[1:]
		progress = true
	}
	return progress, nil
}

// Write hands f to the transport. I/O failures come back as TransportError;
// ErrNotReady is passed through.
func (c *Conn) Write(f *Frame) error {
	err := c.Transport.WriteFrame(f)
	if err == nil || IsNotReady(err) {
		return err
	}
	return &TransportError{Op: "write", Err: err}
}

// WriteBody is a body.Emit writing through c.
func (c *Conn) WriteBody(id uint64, chunk []byte, end bool, err error) error {
	switch {
	case err != nil:
		return c.Write(ErrorFrame(id, err))
	case end:
		return c.Write(EndFrame(id))
	default:
		return c.Write(BodyFrame(id, chunk))
	}
}

func (c *Conn) Flush() error {
	err := c.Transport.Flush()
	if err == nil || IsNotReady(err) {
		return nil
	}
	return &TransportError{Op: "flush", Err: err}
}
