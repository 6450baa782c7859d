package client

import (
	"context"
	"io"
	"net"

	"github.com/cbeuw/streamproto/internal/common"
	"github.com/cbeuw/streamproto/internal/multiplex"
	"github.com/cbeuw/streamproto/internal/pipeline"
	"github.com/cbeuw/streamproto/internal/proto"
	"github.com/cbeuw/streamproto/internal/transport"
	log "github.com/sirupsen/logrus"
)

// Caller is a client dispatcher of either discipline.
type Caller interface {
	proto.Dispatcher
	Call(req proto.Message) (proto.Pending, error)
	Err() error
}

type multiplexCaller struct{ *multiplex.Client }

func (c multiplexCaller) Call(req proto.Message) (proto.Pending, error) {
	call, err := c.Client.Call(req)
	if err != nil {
		return nil, err
	}
	return call, nil
}

type pipelineCaller struct{ *pipeline.Client }

func (c pipelineCaller) Call(req proto.Message) (proto.Pending, error) {
	p, err := c.Client.Call(req)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// MakeCaller builds the client dispatcher the configuration asks for over t.
func MakeCaller(sta *State, t proto.Transport) Caller {
	if sta.Discipline == common.Multiplex {
		return multiplexCaller{multiplex.NewClient(t, sta.Dispatch)}
	}
	return pipelineCaller{pipeline.NewClient(t, sta.Dispatch)}
}

func dialStream(ctx context.Context, sta *State) (io.ReadWriteCloser, error) {
	if sta.Transport == common.TransportWebSocket {
		return transport.DialWebSocket("ws://" + sta.RemoteAddr + "/ws")
	}
	d := net.Dialer{Timeout: sta.DialTimeout, KeepAlive: sta.KeepAlive}
	return d.DialContext(ctx, "tcp", sta.RemoteAddr)
}

// Dial connects to the server and returns the connection's transport along
// with a dispatcher over it.
func Dial(ctx context.Context, sta *State, hooks proto.Hooks) (*transport.Conn, Caller, error) {
	stream, err := dialStream(ctx, sta)
	if err != nil {
		log.Errorf("Failed to connect to %v: %v", sta.RemoteAddr, err)
		return nil, nil, err
	}
	log.Debugf("connected to %v over %v", sta.RemoteAddr, sta.Transport)
	conn := transport.NewConn(stream, sta.Codec, sta.Valve, hooks)
	return conn, MakeCaller(sta, conn), nil
}
