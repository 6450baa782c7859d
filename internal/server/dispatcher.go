package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/cbeuw/streamproto/internal/common"
	"github.com/cbeuw/streamproto/internal/multiplex"
	"github.com/cbeuw/streamproto/internal/pipeline"
	"github.com/cbeuw/streamproto/internal/proto"
	"github.com/cbeuw/streamproto/internal/transport"
	gmux "github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// Dispatcher builds the server side dispatcher the configuration asks for.
func (sta *State) Dispatcher(t proto.Transport) proto.Dispatcher {
	if sta.Discipline == common.Multiplex {
		return multiplex.NewServer(t, sta.Service, sta.Dispatch)
	}
	return pipeline.NewServer(t, sta.Service, sta.Dispatch)
}

// ServeConn serves one connection until it fails or ctx is done.
func ServeConn(ctx context.Context, conn io.ReadWriteCloser, sta *State) {
	c := transport.NewConn(conn, sta.Codec, sta.Valve, sta.Hooks())
	defer c.Close()

	sta.active.Add(1)
	sta.served.Add(1)
	defer sta.active.Add(^uint64(0))

	logger := log.WithField("discipline", sta.Discipline)
	if nc, ok := conn.(net.Conn); ok {
		logger = logger.WithField("remote", nc.RemoteAddr())
	}
	logger.Debug("connection accepted")
	err := proto.Drive(ctx, sta.Dispatcher(c))
	var te *proto.TransportError
	switch {
	case ctx.Err() != nil:
		logger.Debug("connection shut down")
	case errors.As(err, &te) && errors.Is(te.Err, io.EOF):
		logger.Debug("connection closed by peer")
	default:
		logger.Warnf("connection terminated: %v", err)
	}
}

func (sta *State) statsHlr(w http.ResponseWriter, r *http.Request) {
	resp, err := json.Marshal(sta.Stats())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

// Router serves /stats and, for WebSocket servers, accepts connections on
// /ws.
func (sta *State) Router(ctx context.Context) *gmux.Router {
	router := gmux.NewRouter()
	router.HandleFunc("/stats", sta.statsHlr).Methods("GET")
	if sta.Transport == common.TransportWebSocket {
		router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ws, err := transport.UpgradeWebSocket(w, r)
			if err != nil {
				log.Warnf("websocket handshake from %v failed: %v", r.RemoteAddr, err)
				return
			}
			ServeConn(ctx, ws, sta)
		}).Methods("GET")
	}
	return router
}

func serveHTTP(ctx context.Context, l net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve accepts connections on l until ctx is done or accepting fails.
func Serve(ctx context.Context, l net.Listener, sta *State) error {
	if sta.Transport == common.TransportWebSocket {
		return serveHTTP(ctx, l, sta.Router(ctx))
	}

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("%v", err)
			return err
		}
		go ServeConn(ctx, conn, sta)
	}
}

// ServeStats serves /stats on l until ctx is done.
func ServeStats(ctx context.Context, l net.Listener, sta *State) error {
	return serveHTTP(ctx, l, sta.Router(ctx))
}
