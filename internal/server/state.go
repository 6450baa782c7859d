package server

import (
	"errors"
	"fmt"
	"net"

	"code.hybscloud.com/atomix"
	"github.com/cbeuw/streamproto/internal/common"
	"github.com/cbeuw/streamproto/internal/proto"
)

type RawConfig struct {
	common.RawConnConfig
	BindAddr []string
	// StatsAddr serves /stats for tcp servers. WebSocket servers serve it
	// next to /ws.
	StatsAddr string
	// MaxChunkLen rejects the request owning any larger body chunk. Zero
	// means no limit.
	MaxChunkLen int
}

// State type stores the global state of the program
type State struct {
	common.ConnConfig
	BindAddr    []net.Addr
	StatsAddr   string
	MaxChunkLen int

	Service proto.Service

	active atomix.Uint64
	served atomix.Uint64
}

func parseBindAddr(bindAddrs []string) ([]net.Addr, error) {
	var addrs []net.Addr
	for _, addr := range bindAddrs {
		bindAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, bindAddr)
	}
	return addrs, nil
}

// ParseConfig parses the config (either a path to json or the json itself as argument) into a State variable
func ParseConfig(conf string) (*State, error) {
	var raw RawConfig
	if err := common.ReadConfig(conf, &raw); err != nil {
		return nil, err
	}
	return InitState(raw)
}

func InitState(raw RawConfig) (sta *State, err error) {
	sta = &State{
		StatsAddr:   raw.StatsAddr,
		MaxChunkLen: raw.MaxChunkLen,
	}
	sta.ConnConfig, err = raw.Process()
	if err != nil {
		return nil, err
	}
	sta.BindAddr, err = parseBindAddr(raw.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse BindAddr: %v", err)
	}
	if raw.MaxChunkLen < 0 {
		return nil, errors.New("MaxChunkLen cannot be negative")
	}
	sta.Service = EchoService(sta)
	return sta, nil
}

// Hooks returns the transport hooks of one connection.
func (sta *State) Hooks() proto.Hooks {
	var hooks proto.Hooks
	if sta.MaxChunkLen > 0 {
		limit := sta.MaxChunkLen
		hooks.OnDispatchBody = func(id uint64, chunk []byte) error {
			if len(chunk) > limit {
				return fmt.Errorf("chunk of %v bytes exceeds %v", len(chunk), limit)
			}
			return nil
		}
	}
	return hooks
}
