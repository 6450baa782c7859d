package prototest

import (
	"io"
	"testing"

	"github.com/cbeuw/streamproto/internal/body"
	"github.com/cbeuw/streamproto/internal/proto"
)

const maxRounds = 10000

// Pump steps every dispatcher in turn until done reports true. It fails the
// test on a fatal step error or if done never comes true.
func Pump(t testing.TB, done func() bool, ds ...proto.Dispatcher) {
	t.Helper()
	for i := 0; i < maxRounds; i++ {
		if done() {
			return
		}
		for _, d := range ds {
			if err := d.Step(); err != nil && !proto.IsNotReady(err) {
				t.Fatalf("step failed: %v", err)
			}
		}
	}
	t.Fatalf("gave up after %d rounds", maxRounds)
}

// ReadBody reads s to its end while stepping ds, and returns the chunks.
func ReadBody(t testing.TB, s *body.Stream, ds ...proto.Dispatcher) [][]byte {
	t.Helper()
	var chunks [][]byte
	finished := false
	Pump(t, func() bool {
		for !finished {
			chunk, err := s.Next()
			switch {
			case err == nil:
				chunks = append(chunks, chunk)
			case err == io.EOF:
				finished = true
			case proto.IsNotReady(err):
				return false
			default:
				t.Fatalf("body failed: %v", err)
			}
		}
		return true
	}, ds...)
	return chunks
}

// Settled reports whether p has settled.
func Settled(p proto.Pending) func() bool {
	return func() bool {
		_, err := p.Poll()
		return !proto.IsNotReady(err)
	}
}

// Echo answers every request with its own head and body.
func Echo() proto.Service {
	return proto.ServiceFunc(func(req proto.Message) proto.Pending {
		return proto.Ready(req)
	})
}

// Chunks converts strings into body chunks.
func Chunks(ss ...string) [][]byte {
	cs := make([][]byte, len(ss))
	for i, s := range ss {
		cs[i] = []byte(s)
	}
	return cs
}
