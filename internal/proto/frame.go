package proto

import "fmt"

// Kind tags the variant carried by a Frame.
type Kind uint8

const (
	// KindMessage carries a request or response head. If Body is set, body
	// frames for the same exchange follow until one with End set.
	KindMessage Kind = iota + 1
	// KindBody carries one chunk of a body stream, or the end-of-body marker.
	KindBody
	// KindError terminates an exchange with an error.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindBody:
		return "body"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is the unit exchanged with a Transport. ID is the correlation id of
// the exchange under multiplexing and is always 0 under pipelining.
type Frame struct {
	ID   uint64
	Kind Kind

	Head any
	Body bool

	Chunk []byte
	End   bool

	Err error
}

func MessageFrame(id uint64, head any, hasBody bool) *Frame {
	return &Frame{ID: id, Kind: KindMessage, Head: head, Body: hasBody}
}

func BodyFrame(id uint64, chunk []byte) *Frame {
	return &Frame{ID: id, Kind: KindBody, Chunk: chunk}
}

func EndFrame(id uint64) *Frame {
	return &Frame{ID: id, Kind: KindBody, End: true}
}

func ErrorFrame(id uint64, err error) *Frame {
	return &Frame{ID: id, Kind: KindError, Err: err}
}

// Terminal reports whether nothing else follows f for its exchange in
// the same direction.
func (f *Frame) Terminal() bool {
	switch f.Kind {
	case KindMessage:
		return !f.Body
	case KindBody:
		return f.End
	default:
		return true
	}
}

func (f *Frame) String() string {
	switch f.Kind {
	case KindMessage:
		return fmt.Sprintf("message{id=%d body=%v}", f.ID, f.Body)
	case KindBody:
		if f.End {
			return fmt.Sprintf("body{id=%d end}", f.ID)
		}
		return fmt.Sprintf("body{id=%d len=%d}", f.ID, len(f.Chunk))
	case KindError:
		return fmt.Sprintf("error{id=%d %v}", f.ID, f.Err)
	default:
		return fmt.Sprintf("%v{id=%d}", f.Kind, f.ID)
	}
}
