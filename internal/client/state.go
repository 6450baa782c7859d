package client

import (
	"fmt"
	"net"
	"time"

	"github.com/cbeuw/streamproto/internal/common"
)

// RawConfig represents the fields in the config json file
// nullable means if it's empty, a default value will be chosen in ProcessRawConfig
type RawConfig struct {
	common.RawConnConfig
	RemoteHost string
	RemotePort string

	// defaults set in ProcessRawConfig
	DialTimeout int // nullable, seconds
	KeepAlive   int // nullable, seconds
}

type State struct {
	common.ConnConfig
	RemoteAddr  string
	DialTimeout time.Duration
	KeepAlive   time.Duration
}

func ParseConfig(conf string) (raw *RawConfig, err error) {
	raw = new(RawConfig)
	if err = common.ReadConfig(conf, raw); err != nil {
		return nil, err
	}
	return
}

func (raw *RawConfig) ProcessRawConfig() (sta *State, err error) {
	nullErr := func(field string) (*State, error) {
		return nil, fmt.Errorf("%v cannot be empty", field)
	}
	if raw.RemoteHost == "" {
		return nullErr("RemoteHost")
	}
	if raw.RemotePort == "" {
		return nullErr("RemotePort")
	}

	sta = &State{RemoteAddr: net.JoinHostPort(raw.RemoteHost, raw.RemotePort)}
	sta.ConnConfig, err = raw.Process()
	if err != nil {
		return nil, err
	}

	if raw.DialTimeout <= 0 {
		sta.DialTimeout = 10 * time.Second
	} else {
		sta.DialTimeout = time.Duration(raw.DialTimeout) * time.Second
	}
	if raw.KeepAlive <= 0 {
		sta.KeepAlive = 15 * time.Second
	} else {
		sta.KeepAlive = time.Duration(raw.KeepAlive) * time.Second
	}
	return sta, nil
}
