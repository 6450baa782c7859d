package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cbeuw/streamproto/internal/body"
	"github.com/cbeuw/streamproto/internal/proto"
)

type Stats struct {
	Active uint64
	Served uint64
	Rx     int64
	Tx     int64
}

func (sta *State) Stats() Stats {
	return Stats{
		Active: sta.active.Load(),
		Served: sta.served.Load(),
		Rx:     sta.Valve.GetRx(),
		Tx:     sta.Valve.GetTx(),
	}
}

func headString(head any) string {
	switch h := head.(type) {
	case []byte:
		return string(h)
	case string:
		return h
	default:
		return fmt.Sprint(h)
	}
}

// discard lets go of a request body nobody is going to read.
func discard(s *body.Stream) {
	if s != nil {
		_ = s.Close()
	}
}

// EchoService answers the commands of the echo client. The request head
// names the command and the request body is its input:
//
//	echo   the body comes back as it is
//	upper  the body comes back upper-cased once it has fully arrived
//	stats  a json Stats head, no body
func EchoService(sta *State) proto.Service {
	return proto.ServiceFunc(func(req proto.Message) proto.Pending {
		cmd := strings.ToLower(headString(req.Head))
		switch cmd {
		case "echo":
			return proto.Ready(req)
		case "upper":
			return proto.Async(func() (proto.Message, error) {
				resp := proto.Message{Head: req.Head}
				if req.Body == nil {
					return resp, nil
				}
				chunks, err := body.Collect(context.Background(), req.Body)
				if err != nil {
					return proto.Message{}, err
				}
				for i := range chunks {
					chunks[i] = bytes.ToUpper(chunks[i])
				}
				resp.Body = body.FromChunks(chunks...)
				return resp, nil
			})
		case "stats":
			discard(req.Body)
			stats, err := json.Marshal(sta.Stats())
			if err != nil {
				return proto.Failed(err)
			}
			return proto.Ready(proto.Message{Head: stats})
		default:
			discard(req.Body)
			return proto.Failed(fmt.Errorf("unknown command %q", cmd))
		}
	})
}
