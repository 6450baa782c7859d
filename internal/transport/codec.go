package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cbeuw/streamproto/internal/proto"
	"golang.org/x/crypto/chacha20poly1305"
)

type Encoder func(*proto.Frame) ([]byte, error)
type Decoder func([]byte) (*proto.Frame, error)

var u64 = binary.BigEndian.Uint64
var putU64 = binary.BigEndian.PutUint64

// header: [ID 8 bytes][Kind 1 byte][flags 1 byte]
const HEADER_LEN = 10

const (
	flagBody = 1 << iota
	flagEnd
)

const (
	E_METHOD_PLAIN = iota
	E_METHOD_AES_GCM
	E_METHOD_CHACHA20_POLY1305
)

var ErrUnsupportedHead = errors.New("message head must be []byte or string")

// Codec turns frames into record payloads and back. Both ends of a
// connection must use the same method and key.
type Codec struct {
	Encode Encoder
	Decode Decoder
	Method byte
}

// ParseEncryptionMethod maps a configuration name to an E_METHOD constant.
func ParseEncryptionMethod(name string) (byte, error) {
	switch name {
	case "plain", "":
		return E_METHOD_PLAIN, nil
	case "aes-gcm":
		return E_METHOD_AES_GCM, nil
	case "chacha20-poly1305":
		return E_METHOD_CHACHA20_POLY1305, nil
	default:
		return 0, fmt.Errorf("unknown encryption method %q", name)
	}
}

func headBytes(head any) ([]byte, error) {
	switch h := head.(type) {
	case nil:
		return nil, nil
	case []byte:
		return h, nil
	case string:
		return []byte(h), nil
	default:
		return nil, fmt.Errorf("%w, got %T", ErrUnsupportedHead, head)
	}
}

func payloadOf(f *proto.Frame) ([]byte, error) {
	switch f.Kind {
	case proto.KindMessage:
		return headBytes(f.Head)
	case proto.KindBody:
		return f.Chunk, nil
	case proto.KindError:
		if f.Err == nil {
			return []byte("unknown error"), nil
		}
		return []byte(f.Err.Error()), nil
	default:
		return nil, fmt.Errorf("cannot encode frame kind %v", f.Kind)
	}
}

func MakeEncoder(payloadCipher cipher.AEAD) Encoder {
	return func(f *proto.Frame) ([]byte, error) {
		payload, err := payloadOf(f)
		if err != nil {
			return nil, err
		}
		var extraLen int
		if payloadCipher != nil {
			extraLen = payloadCipher.NonceSize() + payloadCipher.Overhead()
		}
		out := make([]byte, HEADER_LEN, HEADER_LEN+len(payload)+extraLen)
		header := out[:HEADER_LEN]
		putU64(header[0:8], f.ID)
		header[8] = byte(f.Kind)
		if f.Body {
			header[9] |= flagBody
		}
		if f.End {
			header[9] |= flagEnd
		}

		if payloadCipher == nil {
			return append(out, payload...), nil
		}
		nonce := out[HEADER_LEN : HEADER_LEN+payloadCipher.NonceSize()]
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		// the header is authenticated but stays readable
		return payloadCipher.Seal(out[:HEADER_LEN+len(nonce)], nonce, payload, header), nil
	}
}

func MakeDecoder(payloadCipher cipher.AEAD) Decoder {
	return func(in []byte) (*proto.Frame, error) {
		if len(in) < HEADER_LEN {
			return nil, fmt.Errorf("record of %d bytes is shorter than a frame header", len(in))
		}
		header := in[:HEADER_LEN]
		payload := in[HEADER_LEN:]
		if payloadCipher != nil {
			ns := payloadCipher.NonceSize()
			if len(payload) < ns+payloadCipher.Overhead() {
				return nil, errors.New("sealed payload is shorter than nonce and tag")
			}
			plain, err := payloadCipher.Open(nil, payload[:ns], payload[ns:], header)
			if err != nil {
				return nil, err
			}
			payload = plain
		} else {
			// the record buffer is reused by the reader
			payload = append([]byte(nil), payload...)
		}

		f := &proto.Frame{
			ID:   u64(header[0:8]),
			Kind: proto.Kind(header[8]),
			Body: header[9]&flagBody != 0,
			End:  header[9]&flagEnd != 0,
		}
		switch f.Kind {
		case proto.KindMessage:
			f.Head = payload
		case proto.KindBody:
			if !f.End {
				f.Chunk = payload
			}
		case proto.KindError:
			f.Err = errors.New(string(payload))
		default:
			return nil, fmt.Errorf("unknown frame kind %d", header[8])
		}
		return f, nil
	}
}

// GenerateCodec builds the codec for encryptionMethod. key must be 32 bytes
// unless the method is plain.
func GenerateCodec(encryptionMethod byte, key []byte) (codec *Codec, err error) {
	var payloadCipher cipher.AEAD
	switch encryptionMethod {
	case E_METHOD_PLAIN:
		payloadCipher = nil
	case E_METHOD_AES_GCM:
		if len(key) != 32 {
			return nil, errors.New("key size must be 32 bytes")
		}
		var c cipher.Block
		c, err = aes.NewCipher(key)
		if err != nil {
			return
		}
		payloadCipher, err = cipher.NewGCM(c)
		if err != nil {
			return
		}
	case E_METHOD_CHACHA20_POLY1305:
		if len(key) != 32 {
			return nil, errors.New("key size must be 32 bytes")
		}
		payloadCipher, err = chacha20poly1305.New(key)
		if err != nil {
			return
		}
	default:
		return nil, errors.New("unknown encryption method")
	}

	codec = &Codec{
		Encode: MakeEncoder(payloadCipher),
		Decode: MakeDecoder(payloadCipher),
		Method: encryptionMethod,
	}
	return
}
