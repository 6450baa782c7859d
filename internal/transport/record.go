package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	recordHeaderLen = 4
	MaxRecordLen    = 1 << 20
)

var ErrRecordTooLarge = errors.New("record exceeds the maximum length")

// ReadRecord reads exactly one length-prefixed record from r into buf and
// returns it. A byte stream can deliver several records at once or one
// record in pieces; everything after the record is left unread.
func ReadRecord(r io.Reader, buf []byte) ([]byte, error) {
	var header [recordHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	dataLength := int(binary.BigEndian.Uint32(header[:]))
	if dataLength > MaxRecordLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, dataLength)
	}
	if dataLength > len(buf) {
		buf = make([]byte, dataLength)
	}
	if _, err := io.ReadFull(r, buf[:dataLength]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf[:dataLength], nil
}

// AddRecordLayer prefixes input with its length.
func AddRecordLayer(input []byte) []byte {
	ret := make([]byte, recordHeaderLen+len(input))
	binary.BigEndian.PutUint32(ret, uint32(len(input)))
	copy(ret[recordHeaderLen:], input)
	return ret
}
