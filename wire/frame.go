package wire

import "encoding/binary"

// plainBodyLen reports the unencrypted-body length a message of this
// type carries before its (possibly absent) encrypted part, or -1 if
// the type has no fixed-length plaintext prefix because its entire body
// is plaintext (HELLO).
func plainBodyLen(t MessageType) int {
	switch t {
	case TypeBind:
		return 1 // protection_algorithm_type
	case TypeHello:
		return -1
	default:
		return 0 // BOUND, UNBIND, CONFIGURE, ACT: empty unencrypted body
	}
}

// Encode serialises a full message: header, unencrypted body, and an
// already-produced (or absent, for HELLO) ciphertext blob. cipherBody is
// opaque to wire; it is whatever package crypto's Seal returned, or nil
// for HELLO, which has no encrypted part.
func Encode(h Header, plainBody, cipherBody []byte) ([]byte, error) {
	hdr, err := h.encode()
	if err != nil {
		return nil, err
	}
	total := len(hdr) + len(plainBody) + len(cipherBody)
	if total > MaxMessageSize {
		return nil, ErrFrameTooLong
	}
	out := make([]byte, 0, total)
	out = append(out, hdr...)
	out = append(out, plainBody...)
	out = append(out, cipherBody...)
	return out, nil
}

// Decode splits a full message into its header, unencrypted body, and
// encrypted blob (empty for HELLO, which is plaintext-only). It does
// not touch cryptography: cipherBody is returned opaque for the caller
// to pass to package crypto's Open.
func Decode(data []byte) (h Header, plainBody, cipherBody []byte, err error) {
	if len(data) > MaxMessageSize {
		return Header{}, nil, nil, ErrFrameTooLong
	}

	h, rest, err := decodeHeader(data)
	if err != nil {
		return Header{}, nil, nil, err
	}

	n := plainBodyLen(h.Type)
	if n < 0 {
		// HELLO: the entire remainder is plaintext body, no ciphertext.
		return h, rest, nil, nil
	}
	if len(rest) < n {
		return Header{}, nil, nil, ErrTruncated
	}
	return h, rest[:n], rest[n:], nil
}

// DecodeHello decodes a full HELLO message in one step, the only type
// whose structured body the codec can parse without help from package
// crypto.
func DecodeHello(data []byte) (Header, HelloBody, error) {
	h, plain, _, err := Decode(data)
	if err != nil {
		return Header{}, HelloBody{}, err
	}
	if h.Type != TypeHello {
		return Header{}, HelloBody{}, ErrUnknownTag
	}
	body, err := decodeHelloBody(plain)
	if err != nil {
		return Header{}, HelloBody{}, err
	}
	return h, body, nil
}

// EncodeHello encodes a full HELLO message.
func EncodeHello(h Header, body HelloBody) ([]byte, error) {
	h.Type = TypeHello
	plain, err := body.encode()
	if err != nil {
		return nil, err
	}
	return Encode(h, plain, nil)
}

// DecodeBindUnencrypted decodes BIND's header and plaintext prefix,
// leaving the ciphertext blob for the caller to open via package
// crypto before calling DecodeBindEncrypted on the resulting plaintext.
func DecodeBindUnencrypted(data []byte) (Header, BindUnencrypted, []byte, error) {
	h, plain, cipher, err := Decode(data)
	if err != nil {
		return Header{}, BindUnencrypted{}, nil, err
	}
	if h.Type != TypeBind {
		return Header{}, BindUnencrypted{}, nil, ErrUnknownTag
	}
	b, err := decodeBindUnencrypted(plain)
	if err != nil {
		return Header{}, BindUnencrypted{}, nil, err
	}
	return h, b, cipher, nil
}

// EncodeBind encodes a full BIND message from its already-sealed
// ciphertext (covering EncryptedHeader + BindEncrypted as AEAD
// plaintext).
func EncodeBind(h Header, unenc BindUnencrypted, ciphertext []byte) ([]byte, error) {
	h.Type = TypeBind
	return Encode(h, unenc.encode(), ciphertext)
}

// DecodeEncryptedEnvelope decodes the header and ciphertext blob of any
// message type whose unencrypted body is empty (BOUND, UNBIND,
// CONFIGURE, ACT).
func DecodeEncryptedEnvelope(data []byte) (Header, []byte, error) {
	h, _, cipher, err := Decode(data)
	if err != nil {
		return Header{}, nil, err
	}
	return h, cipher, nil
}

// EncodeEncryptedEnvelope encodes any message type whose unencrypted
// body is empty, given its already-sealed ciphertext.
func EncodeEncryptedEnvelope(h Header, ciphertext []byte) ([]byte, error) {
	return Encode(h, nil, ciphertext)
}

// DecodeEncryptedHeader parses the sequence number and remaining body
// out of an AEAD plaintext (spec §3: "Sequence number lives inside the
// encrypted header").
func DecodeEncryptedHeader(plaintext []byte) (seq uint32, body []byte, err error) {
	return decodeEncryptedHeader(plaintext)
}

// EncodeEncryptedHeader prepends a sequence number to a type-specific
// body, producing the AEAD plaintext package crypto's Seal will encrypt.
func EncodeEncryptedHeader(seq uint32, body []byte) []byte {
	return encodeEncryptedHeader(seq, body)
}

// EncodeBindUnencrypted encodes BIND's unencrypted prefix alone, for a
// caller that needs its bytes to build associated data before the
// ciphertext exists yet (package crypto's Seal needs the AD before
// EncodeBind can be called with the resulting ciphertext).
func EncodeBindUnencrypted(b BindUnencrypted) []byte { return b.encode() }

// DecodeBindUnencryptedBody decodes BindUnencrypted from an
// already-split plaintext body, for a caller (such as package
// receiver) that obtained plainBody from a generic Decode call instead
// of DecodeBindUnencrypted.
func DecodeBindUnencryptedBody(plainBody []byte) (BindUnencrypted, error) {
	return decodeBindUnencrypted(plainBody)
}

// DecodeBindEncrypted decodes BindEncrypted out of an opened AEAD
// plaintext body (after the sequence number has been stripped).
func DecodeBindEncrypted(body []byte) (BindEncrypted, error) { return decodeBindEncrypted(body) }

// EncodeBindEncrypted encodes BindEncrypted into the AEAD-plaintext body
// that EncodeEncryptedHeader then prefixes with the sequence number.
func EncodeBindEncrypted(b BindEncrypted) ([]byte, error) { return b.encode() }

// DecodeActBody decodes ActBody out of an opened AEAD plaintext body.
func DecodeActBody(body []byte) (ActBody, error) { return decodeActBody(body) }

// EncodeActBody encodes ActBody into an AEAD-plaintext body.
func EncodeActBody(b ActBody) ([]byte, error) { return b.encode() }

// AssociatedData computes the AEAD associated data for a frame: the
// unencrypted header and unencrypted body, in wire order, with the
// nonce field spliced out to zero length (spec §4.2). hdr must be the
// same Header that will be (or was) written to the wire; plainBody is
// the type-specific unencrypted body (possibly empty).
func AssociatedData(h Header, plainBody []byte) ([]byte, error) {
	// version|type byte, session_id, algorithm discriminant byte — the
	// nonce itself is excluded, matching the AD-splicing rule.
	out := make([]byte, 0, 1+4+1+len(plainBody))
	out = append(out, (Version<<4)|byte(h.Type)&0x0F)
	var sid [4]byte
	binary.BigEndian.PutUint32(sid[:], h.SessionID)
	out = append(out, sid[:]...)
	out = append(out, byte(h.Protection.Algorithm))
	out = append(out, plainBody...)
	return out, nil
}
