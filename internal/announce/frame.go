// Package announce carries join/close announcements between service
// processes. A frame is two datagrams: the 4-byte big-endian length of the
// payload, then the payload itself.
package announce

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// LengthSize is the size of the length datagram.
	LengthSize = 4
	// MaxPayload is the largest payload a single UDP datagram can carry.
	MaxPayload = 65507
)

var (
	ErrFrameMismatch   = errors.New("announce: payload length does not match announced length")
	ErrPayloadTooLarge = errors.New("announce: payload too large")
	ErrClosed          = errors.New("announce: transport closed")
)

// LengthPrefix returns the length datagram for payload.
func LengthPrefix(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	b := make([]byte, LengthSize)
	binary.BigEndian.PutUint32(b, uint32(len(payload)))
	return b, nil
}

// Encode packs the two datagrams into one message for transports that do not
// preserve datagram boundaries.
func Encode(payload []byte) ([]byte, error) {
	prefix, err := LengthPrefix(payload)
	if err != nil {
		return nil, err
	}
	return append(prefix, payload...), nil
}

// Decode unpacks a message built by Encode.
func Decode(msg []byte) ([]byte, error) {
	if len(msg) < LengthSize {
		return nil, fmt.Errorf("%w: short message", ErrFrameMismatch)
	}
	want := int(binary.BigEndian.Uint32(msg[:LengthSize]))
	payload := msg[LengthSize:]
	if len(payload) != want {
		return nil, fmt.Errorf("%w: announced %d, got %d", ErrFrameMismatch, want, len(payload))
	}
	return payload, nil
}

// Reassembler pairs length datagrams with the payload that follows. Keep one
// per sender.
type Reassembler struct {
	want    int
	waiting bool
}

// Feed consumes one datagram. It returns the payload once a frame is
// complete, nil while waiting for the payload datagram.
func (r *Reassembler) Feed(datagram []byte) ([]byte, error) {
	if !r.waiting {
		if len(datagram) != LengthSize {
			return nil, fmt.Errorf("%w: expected length datagram, got %d bytes", ErrFrameMismatch, len(datagram))
		}
		r.want = int(binary.BigEndian.Uint32(datagram))
		r.waiting = true
		return nil, nil
	}

	if len(datagram) != r.want {
		lost := r.want
		r.waiting = false
		// a payload datagram went missing; this one may start the next frame
		if len(datagram) == LengthSize {
			r.want = int(binary.BigEndian.Uint32(datagram))
			r.waiting = true
		}
		return nil, fmt.Errorf("%w: announced %d, got %d", ErrFrameMismatch, lost, len(datagram))
	}
	r.waiting = false
	out := make([]byte, len(datagram))
	copy(out, datagram)
	return out, nil
}
