package wire

import "encoding/binary"

// HelloEntry is one element of HELLO's protection_algorithms list: a
// candidate algorithm paired with the freshly-minted session key the
// transmitter should adopt if it supports that algorithm (spec §3:
// "HELLO carries an unencrypted freshly-minted candidate session key";
// spec §4.4: "choose the first supported protection_algorithm ... adopt
// its session_key"). The wire format names only "protection_algorithms:
// list<u8 count>" without spelling out the per-element shape; carrying
// the key alongside each algorithm id is the only reading consistent
// with §4.4 choosing a key per adopted algorithm. Recorded in DESIGN.md.
type HelloEntry struct {
	Algorithm Algorithm
	Key       [KeyLen]byte
}

const helloEntrySize = 1 + KeyLen

// HelloBody is HELLO's plaintext-only body (spec §6). SessionID travels
// in the common Header, not repeated here.
type HelloBody struct {
	Algorithms []HelloEntry
	Interfaces []InterfaceType
}

func (b HelloBody) encode() ([]byte, error) {
	if len(b.Algorithms) > 255 || len(b.Interfaces) > 255 {
		return nil, ErrFrameTooLong
	}
	out := make([]byte, 0, 1+len(b.Algorithms)*helloEntrySize+1+len(b.Interfaces))
	out = append(out, byte(len(b.Algorithms)))
	for _, e := range b.Algorithms {
		out = append(out, byte(e.Algorithm))
		out = append(out, e.Key[:]...)
	}
	out = append(out, byte(len(b.Interfaces)))
	for _, it := range b.Interfaces {
		out = append(out, byte(it))
	}
	return out, nil
}

func decodeHelloBody(data []byte) (HelloBody, error) {
	if len(data) < 1 {
		return HelloBody{}, ErrTruncated
	}
	n := int(data[0])
	data = data[1:]
	if len(data) < n*helloEntrySize {
		return HelloBody{}, ErrTruncated
	}
	entries := make([]HelloEntry, n)
	for i := 0; i < n; i++ {
		off := i * helloEntrySize
		entries[i].Algorithm = Algorithm(data[off])
		copy(entries[i].Key[:], data[off+1:off+helloEntrySize])
	}
	data = data[n*helloEntrySize:]

	if len(data) < 1 {
		return HelloBody{}, ErrTruncated
	}
	m := int(data[0])
	data = data[1:]
	if len(data) < m {
		return HelloBody{}, ErrTruncated
	}
	ifaces := make([]InterfaceType, m)
	for i := 0; i < m; i++ {
		ifaces[i] = InterfaceType(data[i])
	}

	return HelloBody{Algorithms: entries, Interfaces: ifaces}, nil
}

// BindUnencrypted is BIND's plaintext body: protection_algorithm_type(8)
// (spec §6).
type BindUnencrypted struct {
	AlgorithmType Algorithm
}

func (b BindUnencrypted) encode() []byte { return []byte{byte(b.AlgorithmType)} }

func decodeBindUnencrypted(data []byte) (BindUnencrypted, error) {
	if len(data) < 1 {
		return BindUnencrypted{}, ErrTruncated
	}
	return BindUnencrypted{AlgorithmType: Algorithm(data[0])}, nil
}

// TransmitterIDLen is the width chosen for the open-question
// transmitter_id field (spec §9: "reference uses 8 bytes").
const TransmitterIDLen = 8

// BindEncrypted is BIND's AEAD-plaintext body (after the sequence
// number): transmitter_id(64) | interface_types: list<u8 count> (spec
// §6).
type BindEncrypted struct {
	TransmitterID  [TransmitterIDLen]byte
	InterfaceTypes []InterfaceType
}

func (b BindEncrypted) encode() ([]byte, error) {
	if len(b.InterfaceTypes) > 255 {
		return nil, ErrFrameTooLong
	}
	out := make([]byte, 0, TransmitterIDLen+1+len(b.InterfaceTypes))
	out = append(out, b.TransmitterID[:]...)
	out = append(out, byte(len(b.InterfaceTypes)))
	for _, it := range b.InterfaceTypes {
		out = append(out, byte(it))
	}
	return out, nil
}

func decodeBindEncrypted(data []byte) (BindEncrypted, error) {
	if len(data) < TransmitterIDLen+1 {
		return BindEncrypted{}, ErrTruncated
	}
	var b BindEncrypted
	copy(b.TransmitterID[:], data[:TransmitterIDLen])
	data = data[TransmitterIDLen:]
	n := int(data[0])
	data = data[1:]
	if len(data) < n {
		return BindEncrypted{}, ErrTruncated
	}
	b.InterfaceTypes = make([]InterfaceType, n)
	for i := 0; i < n; i++ {
		b.InterfaceTypes[i] = InterfaceType(data[i])
	}
	return b, nil
}

// ActBody is ACT's AEAD-plaintext body: interface(8) | parameters union
// (spec §6). Parameters is the extensible union's variant payload,
// preceded on the wire by its own one-byte length (encode/decode
// below), so a receiver that does not recognise Interface can still
// skip it rather than erroring, per spec §4.1's extensible-union rule.
type ActBody struct {
	Interface  InterfaceType
	Parameters []byte
}

func (b ActBody) encode() ([]byte, error) {
	if len(b.Parameters) > 255 {
		return nil, ErrFrameTooLong
	}
	out := make([]byte, 0, 2+len(b.Parameters))
	out = append(out, byte(b.Interface), byte(len(b.Parameters)))
	out = append(out, b.Parameters...)
	return out, nil
}

func decodeActBody(data []byte) (ActBody, error) {
	if len(data) < 2 {
		return ActBody{}, ErrTruncated
	}
	iface := InterfaceType(data[0])
	n := int(data[1])
	data = data[2:]
	if len(data) < n {
		return ActBody{}, ErrTruncated
	}
	var params []byte
	if n > 0 {
		params = make([]byte, n)
		copy(params, data[:n])
	}
	return ActBody{Interface: iface, Parameters: params}, nil
}

// EncryptedHeader is the header that lives inside the AEAD plaintext:
// sequence_number(32) (spec §3/§6), followed by the type-specific body.
type EncryptedHeader struct {
	SequenceNumber uint32
}

func encodeEncryptedHeader(seq uint32, body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], seq)
	copy(out[4:], body)
	return out
}

func decodeEncryptedHeader(plaintext []byte) (uint32, []byte, error) {
	if len(plaintext) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(plaintext[:4]), plaintext[4:], nil
}
