package proto

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHooks_Defaults(t *testing.T) {
	var h Hooks
	h.Tick()
	assert.NoError(t, h.Cancel(3))
	assert.True(t, h.WriteReady(3))
	assert.NoError(t, h.DispatchBody(3, []byte("x")))
}

func TestHooks_Overrides(t *testing.T) {
	ticks := 0
	veto := errors.New("veto")
	h := Hooks{
		OnTick:         func() { ticks++ },
		OnWriteReady:   func(id uint64) bool { return id%2 == 0 },
		OnDispatchBody: func(uint64, []byte) error { return veto },
	}
	h.Tick()
	h.Tick()
	assert.Equal(t, 2, ticks)
	assert.False(t, h.WriteReady(1))
	assert.True(t, h.WriteReady(2))
	assert.Equal(t, veto, h.DispatchBody(1, nil))
}

func TestPromise(t *testing.T) {
	p := NewPromise()
	_, err := p.Poll()
	assert.True(t, IsNotReady(err))

	assert.True(t, p.Resolve(Message{Head: "ok"}))
	assert.False(t, p.Reject(errors.New("late")), "a promise settles once")

	msg, err := p.Poll()
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Head)

	msg, err = p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Head)
}

func TestAsync(t *testing.T) {
	release := make(chan struct{})
	p := Async(func() (Message, error) {
		<-release
		return Message{Head: 42}, nil
	})
	_, err := p.Poll()
	assert.True(t, IsNotReady(err))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := p.(*Promise).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, msg.Head)
}

func TestErrorTaxonomy(t *testing.T) {
	te := &TransportError{Op: "read", Err: errors.New("reset")}
	pv := Violation(9, "unknown id")
	hr := &HookRejection{ID: 9, Err: errors.New("too big")}

	assert.True(t, IsFatal(te))
	assert.True(t, IsFatal(fmt.Errorf("wrapped: %w", pv)))
	assert.False(t, IsFatal(hr))
	assert.False(t, IsFatal(ErrNotReady))
	assert.False(t, IsFatal(ErrCancelled))

	rerr := RemoteError(errors.New("nope"))
	assert.ErrorIs(t, rerr, ErrRemote)
	assert.Equal(t, rerr, RemoteError(rerr))
}

func TestFrame_Terminal(t *testing.T) {
	assert.True(t, MessageFrame(1, "h", false).Terminal())
	assert.False(t, MessageFrame(1, "h", true).Terminal())
	assert.False(t, BodyFrame(1, []byte("c")).Terminal())
	assert.True(t, EndFrame(1).Terminal())
	assert.True(t, ErrorFrame(1, ErrCancelled).Terminal())
}

type scripted struct {
	results []error
	steps   int
}

func (s *scripted) Step() error {
	s.steps++
	if len(s.results) == 0 {
		return ErrNotReady
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

func TestDrive_StopsOnFatal(t *testing.T) {
	boom := &TransportError{Op: "write", Err: errors.New("broken pipe")}
	d := &scripted{results: []error{nil, ErrNotReady, nil, boom}}
	err := Drive(context.Background(), d)
	assert.Equal(t, boom, err)
	assert.Equal(t, 4, d.steps)
}

func TestDriveUntil(t *testing.T) {
	d := &scripted{results: []error{nil, nil, nil, nil}}
	err := DriveUntil(context.Background(), d, func() bool { return d.steps == 2 })
	assert.NoError(t, err)
	assert.Equal(t, 2, d.steps)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, Drive(ctx, &scripted{}))
}
