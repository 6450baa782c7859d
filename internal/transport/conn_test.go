package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cbeuw/connutil"
	"github.com/cbeuw/streamproto/internal/body"
	"github.com/cbeuw/streamproto/internal/multiplex"
	"github.com/cbeuw/streamproto/internal/pipeline"
	"github.com/cbeuw/streamproto/internal/proto"
	"github.com/cbeuw/streamproto/internal/prototest"
	gmux "github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plainCodec(t *testing.T) *Codec {
	codec, err := GenerateCodec(E_METHOD_PLAIN, nil)
	require.NoError(t, err)
	return codec
}

// waitFrame polls c until a frame or a failure comes out.
func waitFrame(t *testing.T, c *Conn) (*proto.Frame, error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f, err := c.ReadFrame()
		if !proto.IsNotReady(err) {
			return f, err
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no frame arrived")
	return nil, nil
}

func TestConn_FramesCrossTheStream(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	codec, err := GenerateCodec(E_METHOD_AES_GCM, makeKey(t))
	require.NoError(t, err)
	a := NewConn(local, codec, nil, proto.Hooks{})
	b := NewConn(remote, codec, nil, proto.Hooks{})
	defer a.Close()
	defer b.Close()

	_, err = b.ReadFrame()
	assert.True(t, proto.IsNotReady(err), "nothing sent yet")

	require.NoError(t, a.WriteFrame(proto.MessageFrame(1, "head", true)))
	require.NoError(t, a.WriteFrame(proto.BodyFrame(1, []byte("chunk"))))
	require.NoError(t, a.WriteFrame(proto.EndFrame(1)))

	f, err := waitFrame(t, b)
	require.NoError(t, err)
	assert.Equal(t, proto.KindMessage, f.Kind)
	assert.Equal(t, []byte("head"), f.Head)
	f, err = waitFrame(t, b)
	require.NoError(t, err)
	assert.Equal(t, "chunk", string(f.Chunk))
	f, err = waitFrame(t, b)
	require.NoError(t, err)
	assert.True(t, f.End)

	assert.Eventually(t, func() bool { return a.Flush() == nil }, 5*time.Second, time.Millisecond)
	assert.Equal(t, a.Valve().GetTx(), b.Valve().GetRx())
}

func TestConn_ReadErrorAfterQueuedFrames(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	a := NewConn(local, plainCodec(t), nil, proto.Hooks{})
	b := NewConn(remote, plainCodec(t), nil, proto.Hooks{})
	defer b.Close()

	require.NoError(t, a.WriteFrame(proto.MessageFrame(1, "last words", false)))
	require.NoError(t, a.Close())

	f, err := waitFrame(t, b)
	require.NoError(t, err)
	assert.Equal(t, []byte("last words"), f.Head)
	_, err = waitFrame(t, b)
	assert.Error(t, err)

	assert.Error(t, a.WriteFrame(proto.EndFrame(1)), "a closed conn takes no frames")
}

func TestConn_ValveHoldsBackWrites(t *testing.T) {
	local, remote := connutil.AsyncPipe()
	peer := NewConn(remote, plainCodec(t), nil, proto.Hooks{})
	defer peer.Close()
	tooSlow := false
	c := NewConn(local, plainCodec(t), MakeValve(64), proto.Hooks{
		OnWriteReady: func(id uint64) bool { return id != 2 || !tooSlow },
	})
	defer c.Close()

	assert.True(t, c.WriteReady(1))
	tooSlow = true
	assert.False(t, c.WriteReady(2), "the hook still has a say")

	require.NoError(t, c.WriteFrame(proto.BodyFrame(1, make([]byte, 200))))
	assert.False(t, c.WriteReady(1), "the bucket is dry")
	assert.Eventually(t, func() bool { return c.WriteReady(1) }, 5*time.Second, 10*time.Millisecond)
}

// drive runs d on its own goroutine until ctx is done or d fails.
func drive(ctx context.Context, d proto.Dispatcher) {
	go func() { _ = proto.Drive(ctx, d) }()
}

// readAll reads s to its end while client drives its connection.
func readAll(t *testing.T, ctx context.Context, client proto.Dispatcher, s *body.Stream) [][]byte {
	t.Helper()
	var chunks [][]byte
	var failure error
	err := proto.DriveUntil(ctx, client, func() bool {
		for {
			chunk, err := s.Next()
			switch {
			case err == nil:
				chunks = append(chunks, chunk)
			case err == io.EOF:
				return true
			case proto.IsNotReady(err):
				return false
			default:
				failure = err
				return true
			}
		}
	})
	require.NoError(t, err)
	require.NoError(t, failure)
	return chunks
}

func TestConn_MultiplexEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	local, remote := connutil.AsyncPipe()
	codec, err := GenerateCodec(E_METHOD_CHACHA20_POLY1305, makeKey(t))
	require.NoError(t, err)
	st := NewConn(remote, codec, nil, proto.Hooks{})
	ct := NewConn(local, codec, nil, proto.Hooks{})
	defer st.Close()
	defer ct.Close()

	drive(ctx, multiplex.NewServer(st, prototest.Echo(), proto.Config{}))
	client := multiplex.NewClient(ct, proto.Config{})

	inputs := map[string][][]byte{
		"a": prototest.Chunks("1", "2", "3"),
		"b": prototest.Chunks("only"),
		"c": nil,
	}
	calls := map[string]*multiplex.Call{}
	for head, chunks := range inputs {
		call, err := client.Call(proto.Message{Head: head, Body: body.FromChunks(chunks...)})
		require.NoError(t, err)
		calls[head] = call
	}
	for head, call := range calls {
		require.NoError(t, proto.DriveUntil(ctx, client, prototest.Settled(call)))
		resp, err := call.Poll()
		require.NoError(t, err)
		assert.Equal(t, []byte(head), resp.Head)
		assert.Equal(t, inputs[head], readAll(t, ctx, client, resp.Body))
	}
}

func TestConn_PipelineOverWebSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	codec := plainCodec(t)

	router := gmux.NewRouter()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := UpgradeWebSocket(w, r)
		if err != nil {
			return
		}
		c := NewConn(ws, codec, nil, proto.Hooks{})
		defer c.Close()
		_ = proto.Drive(ctx, pipeline.NewServer(c, prototest.Echo(), proto.Config{}))
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	ws, err := DialWebSocket("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws")
	require.NoError(t, err)
	ct := NewConn(ws, codec, nil, proto.Hooks{})
	defer ct.Close()
	client := pipeline.NewClient(ct, proto.Config{})

	first, err := client.Call(proto.Message{Head: "first", Body: body.FromChunks(prototest.Chunks("x", "y")...)})
	require.NoError(t, err)
	second, err := client.Call(proto.Message{Head: "second"})
	require.NoError(t, err)

	require.NoError(t, proto.DriveUntil(ctx, client, prototest.Settled(first)))
	resp, err := first.Poll()
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), resp.Head)
	assert.Equal(t, prototest.Chunks("x", "y"), readAll(t, ctx, client, resp.Body))

	require.NoError(t, proto.DriveUntil(ctx, client, prototest.Settled(second)))
	resp, err = second.Poll()
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), resp.Head)
	assert.Nil(t, resp.Body)
}
