package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cbeuw/streamproto/internal/proto"
	"github.com/cbeuw/streamproto/internal/transport"
)

type Discipline int

const (
	Pipeline Discipline = iota
	Multiplex
)

func (d Discipline) String() string {
	if d == Multiplex {
		return "multiplex"
	}
	return "pipeline"
}

func ParseDiscipline(s string) (Discipline, error) {
	switch strings.ToLower(s) {
	case "pipeline", "":
		return Pipeline, nil
	case "multiplex":
		return Multiplex, nil
	default:
		return 0, fmt.Errorf("unknown discipline %v", s)
	}
}

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// RawConnConfig holds the json fields both ends of a connection share.
// Empty fields take defaults in Process.
type RawConnConfig struct {
	Transport        string
	Discipline       string
	EncryptionMethod string
	Key              []byte
	TxRate           int64

	BodyCapacity      int
	MaxBufferedFrames int
	MaxFramesPerStep  int
}

type ConnConfig struct {
	Transport  string
	Discipline Discipline
	Codec      *transport.Codec
	// shared by every connection made with this config
	Valve    *transport.Valve
	Dispatch proto.Config
}

func (raw *RawConnConfig) Process() (conf ConnConfig, err error) {
	switch strings.ToLower(raw.Transport) {
	case TransportTCP, "":
		conf.Transport = TransportTCP
	case TransportWebSocket:
		conf.Transport = TransportWebSocket
	default:
		return conf, fmt.Errorf("unknown transport %v", raw.Transport)
	}

	conf.Discipline, err = ParseDiscipline(raw.Discipline)
	if err != nil {
		return
	}

	method, err := transport.ParseEncryptionMethod(strings.ToLower(raw.EncryptionMethod))
	if err != nil {
		return
	}
	if method != transport.E_METHOD_PLAIN && len(raw.Key) != KeyLen {
		return conf, fmt.Errorf("Key must be %v bytes for %v", KeyLen, raw.EncryptionMethod)
	}
	conf.Codec, err = transport.GenerateCodec(method, raw.Key)
	if err != nil {
		return
	}

	if raw.TxRate < 0 {
		return conf, errors.New("TxRate cannot be negative")
	}
	if raw.TxRate == 0 {
		conf.Valve = transport.UnlimitedValve()
	} else {
		conf.Valve = transport.MakeValve(raw.TxRate)
	}

	conf.Dispatch = proto.Config{
		BodyCapacity:      raw.BodyCapacity,
		MaxBufferedFrames: raw.MaxBufferedFrames,
		MaxFramesPerStep:  raw.MaxFramesPerStep,
	}
	return
}

// ReadConfig unmarshals conf, which is either a path to a json file or the
// json itself, into v.
func ReadConfig(conf string, v any) error {
	content, errPath := os.ReadFile(conf)
	if errPath != nil {
		if errJson := json.Unmarshal([]byte(conf), v); errJson != nil {
			return fmt.Errorf("failed to read %v: %v, nor is it valid json: %v", conf, errPath, errJson)
		}
		return nil
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}
	return nil
}
