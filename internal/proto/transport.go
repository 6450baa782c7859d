package proto

// Transport is a non-blocking bidirectional channel of frames. Every method
// returns immediately; ErrNotReady means the call should be repeated on a
// later cycle. Any other error from ReadFrame, WriteFrame or Flush is an I/O
// failure.
//
// Implementations usually embed Hooks to get the default behaviour of Tick,
// Cancel, WriteReady and DispatchBody.
type Transport interface {
	// ReadFrame returns the next frame received from the peer.
	ReadFrame() (*Frame, error)
	// WriteFrame queues f for the peer. On ErrNotReady f was not accepted.
	WriteFrame(f *Frame) error
	// Flush pushes queued frames towards the peer.
	Flush() error

	// Tick gives the transport a chance to do maintenance unrelated to any
	// exchange, such as heartbeats. It is called once per dispatcher cycle.
	Tick()
	// Cancel tells the transport to stop delivering frames for id.
	Cancel(id uint64) error
	// WriteReady reports whether a body frame for id may be written now.
	WriteReady(id uint64) bool
	// DispatchBody is called before a received body chunk is routed to its
	// exchange. A non-nil error vetoes the chunk and fails the exchange.
	DispatchBody(id uint64, chunk []byte) error
}

// Hooks is the set of optional transport callbacks. A nil callback falls
// back to the default: Tick does nothing, Cancel succeeds, every exchange is
// always write-ready and every body chunk is allowed.
type Hooks struct {
	OnTick         func()
	OnCancel       func(id uint64) error
	OnWriteReady   func(id uint64) bool
	OnDispatchBody func(id uint64, chunk []byte) error
}

func (h Hooks) Tick() {
	if h.OnTick != nil {
		h.OnTick()
	}
}

func (h Hooks) Cancel(id uint64) error {
	if h.OnCancel == nil {
		return nil
	}
	return h.OnCancel(id)
}

func (h Hooks) WriteReady(id uint64) bool {
	if h.OnWriteReady == nil {
		return true
	}
	return h.OnWriteReady(id)
}

func (h Hooks) DispatchBody(id uint64, chunk []byte) error {
	if h.OnDispatchBody == nil {
		return nil
	}
	return h.OnDispatchBody(id, chunk)
}
