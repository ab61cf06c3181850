package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxMessageSize bounds a single decoded message (header + bodies),
// sized to comfortably fit an 8-bit microcontroller's frame buffer
// (spec §1 target). Encode/Decode reject anything larger with
// ErrFrameTooLong.
const MaxMessageSize = 256

// Protection is the discriminated-union value carried in the
// unencrypted header: an algorithm id plus the nonce for this frame.
type Protection struct {
	Algorithm Algorithm
	Nonce     []byte
}

func (p Protection) encode() ([]byte, error) {
	nlen, ok := p.Algorithm.NonceLen()
	if !ok {
		return nil, ErrUnknownTag
	}
	if len(p.Nonce) != nlen {
		return nil, fmt.Errorf("wire: nonce length %d does not match algorithm %d (want %d)", len(p.Nonce), p.Algorithm, nlen)
	}
	out := make([]byte, 1+nlen)
	out[0] = byte(p.Algorithm)
	copy(out[1:], p.Nonce)
	return out, nil
}

func decodeProtection(data []byte) (Protection, []byte, error) {
	if len(data) < 1 {
		return Protection{}, nil, ErrTruncated
	}
	algo := Algorithm(data[0])
	nlen, ok := algo.NonceLen()
	if !ok {
		return Protection{}, nil, ErrUnknownTag
	}
	if len(data) < 1+nlen {
		return Protection{}, nil, ErrTruncated
	}
	nonce := make([]byte, nlen)
	copy(nonce, data[1:1+nlen])
	return Protection{Algorithm: algo, Nonce: nonce}, data[1+nlen:], nil
}

// Header is the unencrypted header present on every frame (spec §3/§6):
// version(4) | type(4) | session_id(32) | protection_union.
type Header struct {
	Type       MessageType
	SessionID  uint32
	Protection Protection
}

func (h Header) encode() ([]byte, error) {
	prot, err := h.Protection.encode()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+4+len(prot))
	out = append(out, (Version<<4)|byte(h.Type)&0x0F)
	var sid [4]byte
	binary.BigEndian.PutUint32(sid[:], h.SessionID)
	out = append(out, sid[:]...)
	out = append(out, prot...)
	return out, nil
}

func decodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < 5 {
		return Header{}, nil, ErrTruncated
	}
	version := data[0] >> 4
	if version != Version {
		return Header{}, nil, ErrBadVersion
	}
	typ := MessageType(data[0] & 0x0F)
	sid := binary.BigEndian.Uint32(data[1:5])

	prot, rest, err := decodeProtection(data[5:])
	if err != nil {
		return Header{}, nil, err
	}
	return Header{Type: typ, SessionID: sid, Protection: prot}, rest, nil
}
