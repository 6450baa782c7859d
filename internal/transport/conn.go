// Package transport provides a reference wire format for frames and a
// proto.Transport over any byte stream, such as a net.Conn or a WebSocket.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/cbeuw/streamproto/internal/proto"
	log "github.com/sirupsen/logrus"
)

const (
	frameQueueLen = 64
	readBufLen    = 16 * 1024
)

var ErrClosed = errors.New("transport closed")

// Conn is a proto.Transport over a byte stream. A reader and a writer
// goroutine move records between the stream and two bounded queues, so the
// dispatcher side never blocks: ReadFrame reports not ready when nothing has
// arrived and WriteFrame when the outgoing queue is full.
type Conn struct {
	proto.Hooks

	conn  io.ReadWriteCloser
	codec *Codec
	valve *Valve
	log   *log.Entry

	inQ  lfq.SPSC[*proto.Frame]
	outQ lfq.SPSC[[]byte]

	queued  atomix.Uint64
	written atomix.Uint64

	closed     atomix.Uint32
	writerDone chan struct{}

	errM     sync.Mutex
	readErr  error
	writeErr error
}

// NewConn starts moving frames over conn. A nil valve means unlimited.
func NewConn(conn io.ReadWriteCloser, codec *Codec, valve *Valve, hooks proto.Hooks) *Conn {
	if valve == nil {
		valve = UnlimitedValve()
	}
	c := &Conn{
		Hooks:      hooks,
		conn:       conn,
		codec:      codec,
		valve:      valve,
		log:        log.WithField("conn", describe(conn)),
		writerDone: make(chan struct{}),
	}
	c.inQ.Init(frameQueueLen)
	c.outQ.Init(frameQueueLen)
	go c.readLoop()
	go c.writeLoop()
	return c
}

func describe(conn io.ReadWriteCloser) string {
	if nc, ok := conn.(net.Conn); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return fmt.Sprintf("%T", conn)
}

func (c *Conn) isClosed() bool { return c.closed.Load() != 0 }

func (c *Conn) setReadErr(err error) {
	c.errM.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.errM.Unlock()
}

func (c *Conn) setWriteErr(err error) {
	c.errM.Lock()
	if c.writeErr == nil {
		c.writeErr = err
	}
	c.errM.Unlock()
}

func (c *Conn) errs() (readErr, writeErr error) {
	c.errM.Lock()
	defer c.errM.Unlock()
	return c.readErr, c.writeErr
}

func (c *Conn) readLoop() {
	buf := make([]byte, readBufLen)
	var bo iox.Backoff
	for {
		rec, err := ReadRecord(c.conn, buf)
		if err != nil {
			if c.isClosed() {
				err = ErrClosed
			}
			c.log.Tracef("reader stopped: %v", err)
			c.setReadErr(err)
			return
		}
		c.valve.AddRx(int64(recordHeaderLen + len(rec)))
		f, err := c.codec.Decode(rec)
		if err != nil {
			c.log.Warnf("malformed record: %v", err)
			c.setReadErr(fmt.Errorf("malformed record: %w", err))
			return
		}
		for {
			err = c.inQ.Enqueue(&f)
			if err == nil {
				break
			}
			if c.isClosed() {
				c.setReadErr(ErrClosed)
				return
			}
			bo.Wait()
		}
		bo.Reset()
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	var bo iox.Backoff
	for {
		rec, err := c.outQ.Dequeue()
		if err != nil {
			if c.isClosed() {
				return
			}
			bo.Wait()
			continue
		}
		bo.Reset()
		if _, err = c.conn.Write(rec); err != nil {
			c.log.Tracef("writer stopped: %v", err)
			c.setWriteErr(err)
			return
		}
		c.written.Add(1)
	}
}

// ReadFrame returns the next frame that arrived. Once the stream has
// failed, the failure is returned after every frame read before it.
func (c *Conn) ReadFrame() (*proto.Frame, error) {
	f, err := c.inQ.Dequeue()
	if err == nil {
		return f, nil
	}
	if readErr, _ := c.errs(); readErr != nil {
		// the reader may have queued a frame just before failing
		if f, err = c.inQ.Dequeue(); err == nil {
			return f, nil
		}
		return nil, readErr
	}
	return nil, proto.ErrNotReady
}

func (c *Conn) WriteFrame(f *proto.Frame) error {
	if _, writeErr := c.errs(); writeErr != nil {
		return writeErr
	}
	if c.isClosed() {
		return ErrClosed
	}
	payload, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	rec := AddRecordLayer(payload)
	if err = c.outQ.Enqueue(&rec); err != nil {
		if iox.IsWouldBlock(err) {
			return proto.ErrNotReady
		}
		return err
	}
	c.queued.Add(1)
	c.valve.AddTx(int64(len(rec)))
	c.valve.spend(len(rec))
	return nil
}

// Flush reports not ready while written frames are still queued.
func (c *Conn) Flush() error {
	if _, writeErr := c.errs(); writeErr != nil {
		return writeErr
	}
	if c.written.Load() < c.queued.Load() {
		return proto.ErrNotReady
	}
	return nil
}

// WriteReady holds back every exchange while the valve is dry, then defers
// to the configured hook.
func (c *Conn) WriteReady(id uint64) bool {
	return c.valve.TxReady() && c.Hooks.WriteReady(id)
}

func (c *Conn) Cancel(id uint64) error {
	c.log.Tracef("exchange %v cancelled", id)
	return c.Hooks.Cancel(id)
}

func (c *Conn) Valve() *Valve { return c.valve }

// Close stops accepting frames, waits for queued ones to be written, then
// closes the underlying stream.
func (c *Conn) Close() error {
	if c.closed.Add(1) != 1 {
		return nil
	}
	<-c.writerDone
	return c.conn.Close()
}
