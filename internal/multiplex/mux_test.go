package multiplex

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cbeuw/streamproto/internal/body"
	"github.com/cbeuw/streamproto/internal/proto"
	"github.com/cbeuw/streamproto/internal/prototest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makePair(svc proto.Service) (*Client, *Server, *prototest.Transport, *prototest.Transport) {
	ct, st := prototest.Pipe(proto.Hooks{}, proto.Hooks{})
	return NewClient(ct, proto.Config{}), NewServer(st, svc, proto.Config{}), ct, st
}

func TestMultiplex_EchoBody(t *testing.T) {
	client, server, _, _ := makePair(prototest.Echo())

	chunks := prototest.Chunks("c1", "c2", "c3")
	call, err := client.Call(proto.Message{Head: "echo", Body: body.FromChunks(chunks...)})
	require.NoError(t, err)

	prototest.Pump(t, prototest.Settled(call), client, server)
	resp, err := call.Poll()
	require.NoError(t, err)
	assert.Equal(t, "echo", resp.Head)
	require.NotNil(t, resp.Body)

	got := prototest.ReadBody(t, resp.Body, client, server)
	assert.Equal(t, chunks, got)

	prototest.Pump(t, func() bool { return client.InFlight() == 0 && server.InFlight() == 0 }, client, server)
}

// deferred is a service whose responses are released by the test.
type deferred struct {
	pending map[string]*proto.Promise
}

func newDeferred() *deferred {
	return &deferred{pending: map[string]*proto.Promise{}}
}

func (d *deferred) Call(req proto.Message) proto.Pending {
	p := proto.NewPromise()
	d.pending[req.Head.(string)] = p
	return p
}

func (d *deferred) release(head string) {
	d.pending[head].Resolve(proto.Message{Head: "re:" + head})
}

func TestMultiplex_OutOfOrderCompletion(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			svc := newDeferred()
			client, server, _, _ := makePair(svc)

			heads := []string{"a", "b", "c"}
			calls := make([]*Call, len(heads))
			for i, h := range heads {
				call, err := client.Call(proto.Message{Head: h})
				require.NoError(t, err)
				calls[i] = call
			}
			prototest.Pump(t, func() bool { return len(svc.pending) == len(heads) }, client, server)

			for _, i := range order {
				svc.release(heads[i])
				prototest.Pump(t, prototest.Settled(calls[i]), client, server)
			}
			for i, call := range calls {
				resp, err := call.Poll()
				require.NoError(t, err)
				assert.Equal(t, "re:"+heads[i], resp.Head)
			}
			assert.Equal(t, 0, client.InFlight())
		})
	}
}

func TestMultiplex_CancelDiscardsLateFrames(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	client := NewClient(tr, proto.Config{})

	call, err := client.Call(proto.Message{Head: "slow"})
	require.NoError(t, err)
	require.NoError(t, client.Step())
	require.Len(t, tr.Written(), 1)

	require.NoError(t, client.Cancel(call.ID))
	_, err = call.Poll()
	assert.Equal(t, proto.ErrCancelled, err)
	assert.Equal(t, []uint64{call.ID}, tr.Cancelled())
	assert.Equal(t, 0, client.InFlight())

	tr.Inject(
		proto.MessageFrame(call.ID, "late", true),
		proto.BodyFrame(call.ID, []byte("x")),
		proto.EndFrame(call.ID),
	)
	assert.NoError(t, client.Step())
	assert.NoError(t, client.Err())
	_, err = call.Poll()
	assert.Equal(t, proto.ErrCancelled, err, "the caller hears nothing more")
	assert.False(t, client.table.wasCancelled(call.ID), "the end of the response clears the tombstone")
	assert.Empty(t, client.table.cancelled)

	// cancelling again is a no-op
	assert.NoError(t, client.Cancel(call.ID))
	assert.Len(t, tr.Cancelled(), 1)
}

func TestMultiplex_CancelTerminatesRequestBody(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	client := NewClient(tr, proto.Config{})

	tx, rx := body.New(4)
	call, err := client.Call(proto.Message{Head: "upload", Body: rx})
	require.NoError(t, err)
	require.NoError(t, tx.Send([]byte("part")))
	require.NoError(t, client.Step())
	require.Len(t, tr.Written(), 2)

	require.NoError(t, client.Cancel(call.ID))
	assert.True(t, tx.Abandoned())
	require.NoError(t, client.Step())
	written := tr.Written()
	require.Len(t, written, 1)
	assert.Equal(t, proto.KindError, written[0].Kind)
	assert.Equal(t, call.ID, written[0].ID)
}

func TestMultiplex_UnknownIDIsFatal(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	client := NewClient(tr, proto.Config{})
	call, err := client.Call(proto.Message{Head: "q"})
	require.NoError(t, err)

	tr.Inject(proto.MessageFrame(999, "stray", false))
	err = client.Step()
	var pv *proto.ProtocolViolation
	require.ErrorAs(t, err, &pv)
	assert.EqualValues(t, 999, pv.ID)

	_, perr := call.Poll()
	assert.Equal(t, err, perr, "callers in flight see the fatal error")

	tr.Inject(proto.MessageFrame(call.ID, "too late", false))
	assert.Equal(t, err, client.Step(), "the connection is not reused")
	assert.Equal(t, 1, tr.Queued(), "nothing is read after a fatal error")
	_, cerr := client.Call(proto.Message{Head: "again"})
	assert.Equal(t, err, cerr)
}

func TestMultiplex_DuplicateCompletionIsFatal(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	client := NewClient(tr, proto.Config{})
	call, err := client.Call(proto.Message{Head: "q"})
	require.NoError(t, err)
	require.NoError(t, client.Step())

	tr.Inject(proto.MessageFrame(call.ID, "r", false))
	require.NoError(t, client.Step())
	resp, err := call.Poll()
	require.NoError(t, err)
	assert.Equal(t, "r", resp.Head)

	tr.Inject(proto.MessageFrame(call.ID, "r again", false))
	var pv *proto.ProtocolViolation
	assert.ErrorAs(t, client.Step(), &pv)
}

func TestMultiplex_HookRejectionFailsOneExchange(t *testing.T) {
	veto := errors.New("chunk too large")
	tr := prototest.New(proto.Hooks{
		OnDispatchBody: func(id uint64, chunk []byte) error {
			if string(chunk) == "bad" {
				return veto
			}
			return nil
		},
	})
	server := NewServer(tr, prototest.Echo(), proto.Config{})

	tr.Inject(
		proto.MessageFrame(1, "one", true),
		proto.MessageFrame(2, "two", true),
		proto.BodyFrame(1, []byte("bad")),
		proto.BodyFrame(2, []byte("ok")),
		proto.EndFrame(1),
		proto.EndFrame(2),
	)
	require.NoError(t, server.Step())
	prototest.Pump(t, func() bool { return server.InFlight() == 0 }, server)
	require.NoError(t, server.Err())

	var forOne, forTwo []*proto.Frame
	for _, f := range tr.Written() {
		if f.ID == 1 {
			forOne = append(forOne, f)
		} else {
			forTwo = append(forTwo, f)
		}
	}
	require.Len(t, forOne, 1)
	assert.Equal(t, proto.KindError, forOne[0].Kind)
	var rej *proto.HookRejection
	require.ErrorAs(t, forOne[0].Err, &rej)
	assert.Equal(t, veto, rej.Err)

	require.Len(t, forTwo, 3)
	assert.Equal(t, proto.KindMessage, forTwo[0].Kind)
	assert.Equal(t, "ok", string(forTwo[1].Chunk))
	assert.True(t, forTwo[2].End)
}

func TestMultiplex_ClientHookRejection(t *testing.T) {
	veto := errors.New("no")
	tr := prototest.New(proto.Hooks{
		OnDispatchBody: func(id uint64, _ []byte) error {
			if id == 1 {
				return veto
			}
			return nil
		},
	})
	client := NewClient(tr, proto.Config{})
	one, _ := client.Call(proto.Message{Head: "one"})
	two, _ := client.Call(proto.Message{Head: "two"})
	require.NoError(t, client.Step())
	tr.Written()

	tr.Inject(
		proto.MessageFrame(one.ID, "r1", true),
		proto.MessageFrame(two.ID, "r2", true),
		proto.BodyFrame(one.ID, []byte("x")),
		proto.BodyFrame(two.ID, []byte("y")),
		proto.EndFrame(one.ID),
		proto.EndFrame(two.ID),
	)
	require.NoError(t, client.Step())
	require.NoError(t, client.Err())

	r1, err := one.Poll()
	require.NoError(t, err)
	_, err = r1.Body.Next()
	var rej *proto.HookRejection
	assert.ErrorAs(t, err, &rej)
	assert.Contains(t, tr.Cancelled(), one.ID)

	r2, err := two.Poll()
	require.NoError(t, err)
	assert.Equal(t, prototest.Chunks("y"), prototest.ReadBody(t, r2.Body, client))
}

// streaming is a service that answers each request with a body the test
// feeds by hand.
type streaming struct {
	senders map[uint64]*body.Sender
	next    uint64
}

func (s *streaming) Call(req proto.Message) proto.Pending {
	tx, rx := body.New(64)
	s.next++
	s.senders[s.next] = tx
	return proto.Ready(proto.Message{Head: req.Head, Body: rx})
}

func TestMultiplex_ParkedExchangeDoesNotStarveOthers(t *testing.T) {
	askedA := 0
	tr := prototest.New(proto.Hooks{
		OnWriteReady: func(id uint64) bool {
			if id == 1 {
				askedA++
				return false
			}
			return true
		},
	})
	svc := &streaming{senders: map[uint64]*body.Sender{}}
	server := NewServer(tr, svc, proto.Config{})

	tr.Inject(proto.MessageFrame(1, "A", false), proto.MessageFrame(2, "B", false))
	require.NoError(t, server.Step())
	require.Len(t, tr.Written(), 2, "both heads go out")

	for cycle := 1; cycle <= 10; cycle++ {
		require.NoError(t, svc.senders[1].Send([]byte("a")))
		require.NoError(t, svc.senders[2].Send([]byte("b")))
		require.NoError(t, server.Step())

		written := tr.Written()
		require.Len(t, written, 1, "B writes one chunk every cycle")
		assert.EqualValues(t, 2, written[0].ID)
		assert.Equal(t, cycle+1, askedA, "A is retried every cycle")
	}
	assert.Equal(t, 2, server.InFlight())
}

func TestMultiplex_TickEveryCycle(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	server := NewServer(tr, prototest.Echo(), proto.Config{})
	for i := 0; i < 25; i++ {
		assert.True(t, proto.IsNotReady(server.Step()))
	}
	assert.Equal(t, 25, tr.Ticks())

	tr.Inject(proto.MessageFrame(1, "h", false))
	require.NoError(t, server.Step())
	assert.Equal(t, 26, tr.Ticks())
}

func TestMultiplex_TransportErrorReachesEveryCaller(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	client := NewClient(tr, proto.Config{})
	a, _ := client.Call(proto.Message{Head: "a"})
	b, _ := client.Call(proto.Message{Head: "b"})
	require.NoError(t, client.Step())

	tr.FailReads(errors.New("connection reset"))
	err := client.Step()
	var te *proto.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "read", te.Op)

	for _, call := range []*Call{a, b} {
		_, perr := call.Poll()
		assert.Equal(t, err, perr)
	}
	assert.Equal(t, 0, client.InFlight())
}

func TestMultiplex_ServerRejectsDuplicateRequest(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	server := NewServer(tr, newDeferred(), proto.Config{})
	tr.Inject(proto.MessageFrame(5, "x", false), proto.MessageFrame(5, "y", false))
	var pv *proto.ProtocolViolation
	assert.ErrorAs(t, server.Step(), &pv)
}

func TestMultiplex_ServerCancel(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	svc := &streaming{senders: map[uint64]*body.Sender{}}
	server := NewServer(tr, svc, proto.Config{})

	tr.Inject(proto.MessageFrame(4, "req", true), proto.BodyFrame(4, []byte("in")))
	require.NoError(t, server.Step())
	require.NoError(t, svc.senders[1].Send([]byte("out")))
	require.NoError(t, server.Step())
	tr.Written()

	require.NoError(t, server.Cancel(4))
	assert.True(t, svc.senders[1].Abandoned())
	assert.Equal(t, 0, server.InFlight())

	tr.Inject(proto.BodyFrame(4, []byte("more")), proto.EndFrame(4))
	require.NoError(t, server.Step())
	require.NoError(t, server.Err())
	assert.Empty(t, server.table.cancelled, "the end of the request body clears the tombstone")

	written := tr.Written()
	require.Len(t, written, 1)
	assert.Equal(t, proto.KindError, written[0].Kind)
	assert.ErrorIs(t, written[0].Err, proto.ErrCancelled)

	// the id may be reused once cancelled
	tr.Inject(proto.MessageFrame(4, "again", false))
	require.NoError(t, server.Step())
	assert.Equal(t, 1, server.InFlight())
}

func TestMultiplex_ServerCancelBeforeHead(t *testing.T) {
	svc := newDeferred()
	client, server, _, _ := makePair(svc)

	tx, rx := body.New(4)
	waiting, err := client.Call(proto.Message{Head: "waiting"})
	require.NoError(t, err)
	uploading, err := client.Call(proto.Message{Head: "uploading", Body: rx})
	require.NoError(t, err)
	require.NoError(t, tx.Send([]byte("part")))
	prototest.Pump(t, func() bool { return len(svc.pending) == 2 }, client, server)

	require.NoError(t, server.Cancel(waiting.ID))
	require.NoError(t, server.Cancel(uploading.ID))
	assert.Equal(t, 0, server.InFlight())

	prototest.Pump(t, func() bool {
		return prototest.Settled(waiting)() && prototest.Settled(uploading)() && client.InFlight() == 0
	}, client, server)
	for _, call := range []*Call{waiting, uploading} {
		_, err = call.Poll()
		assert.ErrorIs(t, err, proto.ErrRemote)
	}
	assert.True(t, tx.Abandoned(), "the client stops sending the request body")

	prototest.Pump(t, func() bool { return len(server.table.cancelled) == 0 }, client, server)
	require.NoError(t, client.Err())
	require.NoError(t, server.Err())
	assert.Empty(t, client.table.cancelled)
}

func TestMultiplex_ServerCancelAfterRequestLeavesNoTombstone(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	server := NewServer(tr, newDeferred(), proto.Config{})

	tr.Inject(proto.MessageFrame(3, "q", false))
	require.NoError(t, server.Step())
	require.NoError(t, server.Cancel(3))
	assert.Empty(t, server.table.cancelled, "the client has nothing more to send for 3")

	require.NoError(t, server.Step())
	written := tr.Written()
	require.Len(t, written, 1)
	assert.Equal(t, proto.KindError, written[0].Kind)
	assert.EqualValues(t, 3, written[0].ID)
}

func TestMultiplex_CancelBeforeHeadSentLeavesNoTombstone(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	client := NewClient(tr, proto.Config{})

	call, err := client.Call(proto.Message{Head: "never sent"})
	require.NoError(t, err)
	require.NoError(t, client.Cancel(call.ID))
	_, err = call.Poll()
	assert.Equal(t, proto.ErrCancelled, err)
	assert.Empty(t, client.table.cancelled)

	assert.True(t, proto.IsNotReady(client.Step()))
	assert.Empty(t, tr.Written(), "the server never hears of it")
}

func TestMultiplex_CancelAfterWholeResponseLeavesNoTombstone(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	client := NewClient(tr, proto.Config{})

	tx, rx := body.New(4)
	call, err := client.Call(proto.Message{Head: "upload", Body: rx})
	require.NoError(t, err)
	require.NoError(t, client.Step())
	tr.Written()

	tr.Inject(proto.MessageFrame(call.ID, "early answer", false))
	require.NoError(t, client.Step())
	assert.Equal(t, 1, client.InFlight(), "the request body is still open")

	require.NoError(t, client.Cancel(call.ID))
	assert.Empty(t, client.table.cancelled)
	assert.True(t, tx.Abandoned())
	require.NoError(t, client.Step())
	written := tr.Written()
	require.Len(t, written, 1)
	assert.Equal(t, proto.KindError, written[0].Kind)
}

func TestMultiplex_ReadBackpressure(t *testing.T) {
	tr := prototest.New(proto.Hooks{})
	held := make(chan *body.Stream, 1)
	svc := proto.ServiceFunc(func(req proto.Message) proto.Pending {
		held <- req.Body
		return proto.NewPromise()
	})
	server := NewServer(tr, svc, proto.Config{BodyCapacity: 2, MaxBufferedFrames: 2})

	tr.Inject(proto.MessageFrame(1, "big", true))
	for i := 0; i < 20; i++ {
		tr.Inject(proto.BodyFrame(1, []byte{byte(i)}))
	}
	require.NoError(t, server.Step())
	assert.Greater(t, tr.Queued(), 0, "a full body stops reading")
	assert.True(t, proto.IsNotReady(server.Step()))

	reqBody := <-held
	var got []byte
	prototest.Pump(t, func() bool {
		for {
			chunk, err := reqBody.Next()
			if err != nil {
				return len(got) == 20
			}
			got = append(got, chunk...)
		}
	}, server)
	for i, b := range got {
		assert.Equal(t, byte(i), b)
	}
}
