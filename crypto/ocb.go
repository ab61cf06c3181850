// Package crypto implements the Protection component (spec §4.2): AEAD
// encrypt/decrypt using AES-128-OCB3 (RFC 7253) at both registered tag
// lengths, nonce handling, and associated-data scoping with the nonce
// field spliced out.
//
// No third-party AES-OCB3 implementation is grounded anywhere in the
// pack (checked every example repo and other_examples/ file; only
// ChaCha20-Poly1305/AES-GCM AEAD constructions appear, a different mode
// the spec does not permit substituting), so this is built directly on
// crypto/aes's cipher.Block, the one concern in this module resting on
// the standard library rather than a third-party package. See
// DESIGN.md.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"math/bits"

	"github.com/tommie/openepo/wire"
)

// ErrAuthFailure is returned by Open when the authentication tag does
// not match (spec §7 "AuthFailure"). Tag comparison is constant-time
// (testable property 4).
var ErrAuthFailure = errors.New("crypto: authentication failure")

// ErrBadKeyLength is returned only on programmer error: a key that is
// not wire.KeyLen bytes, or an algorithm with no registered tag length
// (spec §4.2: "Fails only on programmer error").
var ErrBadKeyLength = errors.New("crypto: key must be 16 bytes")

const blockSize = 16

// ocb holds the key-dependent constants derived once per key: L_*, L_$,
// and a lazily grown L_i doubling chain.
type ocb struct {
	block cipher.Block
	lStar [blockSize]byte
	lDoll [blockSize]byte
	ls    [][blockSize]byte // ls[i] == L_i
}

func newOCB(key []byte) (*ocb, error) {
	if len(key) != wire.KeyLen {
		return nil, ErrBadKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	o := &ocb{block: block}

	var zero [blockSize]byte
	var lStar [blockSize]byte
	block.Encrypt(lStar[:], zero[:])
	o.lStar = lStar
	o.lDoll = double(lStar)
	o.ls = [][blockSize]byte{double(o.lDoll)} // ls[0] == L_0
	return o, nil
}

func (o *ocb) l(i int) [blockSize]byte {
	for len(o.ls) <= i {
		o.ls = append(o.ls, double(o.ls[len(o.ls)-1]))
	}
	return o.ls[i]
}

// lForBlockIndex returns L_{ntz(i)} for 1-indexed block i, per RFC 7253.
func (o *ocb) lForBlockIndex(i int) [blockSize]byte {
	return o.l(bits.TrailingZeros(uint(i)))
}

func double(b [blockSize]byte) [blockSize]byte {
	var out [blockSize]byte
	var carry byte
	for i := blockSize - 1; i >= 0; i-- {
		cur := b[i]
		out[i] = (cur << 1) | carry
		carry = cur >> 7
	}
	if b[0]&0x80 != 0 {
		out[blockSize-1] ^= 0x87
	}
	return out
}

func xorBlock(a, b [blockSize]byte) [blockSize]byte {
	var out [blockSize]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func xorBytes(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// nonceBlock builds the RFC 7253 §4 nonce-dependent 128-bit block:
// num2str(TAGLEN mod 128, 7) || zeros(120-bitlen(N)) || 1 || N, laid out
// byte-aligned since every nonce this codec frames (4 or 8 bytes, spec
// §3) is byte-aligned.
func nonceBlock(nonce []byte, tagLenBits int) [blockSize]byte {
	var nb [blockSize]byte
	nb[0] = byte((tagLenBits % 128) << 1)
	nb[blockSize-len(nonce)-1] |= 0x01
	copy(nb[blockSize-len(nonce):], nonce)
	return nb
}

// shiftLeft shifts buf left by n bits (MSB-first), dropping overflow
// bits and filling with zero from the right, returning a same-length
// buffer. Used to extract Offset_0 from the 24-byte Stretch value at an
// arbitrary bit offset ("bottom").
func shiftLeft(buf []byte, n int) []byte {
	byteShift := n / 8
	bitShift := uint(n % 8)
	out := make([]byte, len(buf))
	for i := range out {
		srcIdx := i + byteShift
		if srcIdx >= len(buf) {
			continue
		}
		var b byte
		b = buf[srcIdx] << bitShift
		if bitShift > 0 && srcIdx+1 < len(buf) {
			b |= buf[srcIdx+1] >> (8 - bitShift)
		}
		out[i] = b
	}
	return out
}

// initialOffset computes Offset_0 from the nonce and tag length, per
// RFC 7253 §4's Ktop/Stretch construction.
func (o *ocb) initialOffset(nonce []byte, tagLenBits int) [blockSize]byte {
	nb := nonceBlock(nonce, tagLenBits)
	bottom := int(nb[blockSize-1] & 0x3F)

	var topInput [blockSize]byte
	copy(topInput[:], nb[:])
	topInput[blockSize-1] &^= 0x3F

	var ktop [blockSize]byte
	o.block.Encrypt(ktop[:], topInput[:])

	stretch := make([]byte, 24)
	copy(stretch, ktop[:])
	for i := 0; i < 8; i++ {
		stretch[16+i] = ktop[i] ^ ktop[i+1]
	}

	shifted := shiftLeft(stretch, bottom)
	var offset0 [blockSize]byte
	copy(offset0[:], shifted[:blockSize])
	return offset0
}

// hash computes OCB's HASH(K, A) over associated data a, per RFC 7253
// §4.
func (o *ocb) hash(a []byte) [blockSize]byte {
	var sum, offset [blockSize]byte
	m := len(a) / blockSize
	for i := 1; i <= m; i++ {
		offset = xorBlock(offset, o.lForBlockIndex(i))
		var block [blockSize]byte
		copy(block[:], a[(i-1)*blockSize:i*blockSize])
		xored := xorBlock(block, offset)
		var enc [blockSize]byte
		o.block.Encrypt(enc[:], xored[:])
		sum = xorBlock(sum, enc)
	}

	if r := len(a) % blockSize; r > 0 {
		offsetStar := xorBlock(offset, o.lStar)
		var padded [blockSize]byte
		copy(padded[:], a[m*blockSize:])
		padded[r] = 0x80
		xored := xorBlock(padded, offsetStar)
		var enc [blockSize]byte
		o.block.Encrypt(enc[:], xored[:])
		sum = xorBlock(sum, enc)
	}

	return sum
}

// crypt runs the shared OCB block-chaining loop used by both Seal and
// Open: encipher is true for sealing (plaintext -> ciphertext blocks),
// false for opening (ciphertext -> plaintext blocks). The partial-block
// pad step and checksum accumulation are identical either direction
// (spec §4.2: "Plaintext = encrypted body").
func (o *ocb) crypt(nonce []byte, tagLenBits int, in []byte, encipher bool) (out []byte, checksum [blockSize]byte, finalOffset [blockSize]byte) {
	offset := o.initialOffset(nonce, tagLenBits)
	out = make([]byte, len(in))

	m := len(in) / blockSize
	for i := 1; i <= m; i++ {
		offset = xorBlock(offset, o.lForBlockIndex(i))
		var block [blockSize]byte
		copy(block[:], in[(i-1)*blockSize:i*blockSize])

		var result [blockSize]byte
		if encipher {
			xored := xorBlock(block, offset)
			var enc [blockSize]byte
			o.block.Encrypt(enc[:], xored[:])
			result = xorBlock(enc, offset)
			checksum = xorBlock(checksum, block)
		} else {
			xored := xorBlock(block, offset)
			var dec [blockSize]byte
			o.block.Decrypt(dec[:], xored[:])
			result = xorBlock(dec, offset)
			checksum = xorBlock(checksum, result)
		}
		copy(out[(i-1)*blockSize:i*blockSize], result[:])
	}

	r := len(in) % blockSize
	if r > 0 {
		offsetStar := xorBlock(offset, o.lStar)
		var pad [blockSize]byte
		o.block.Encrypt(pad[:], offsetStar[:])

		tail := make([]byte, r)
		xorBytes(tail, in[m*blockSize:], pad[:r])
		copy(out[m*blockSize:], tail)

		var padded [blockSize]byte
		if encipher {
			copy(padded[:], in[m*blockSize:])
		} else {
			copy(padded[:], tail)
		}
		padded[r] = 0x80
		checksum = xorBlock(checksum, padded)
		finalOffset = offsetStar
	} else {
		finalOffset = offset
	}

	return out, checksum, finalOffset
}

func (o *ocb) tag(checksum, finalOffset [blockSize]byte, ad []byte, tagLenBits int) []byte {
	sumInput := xorBlock(checksum, finalOffset)
	sumInput = xorBlock(sumInput, o.lDoll)
	var encSum [blockSize]byte
	o.block.Encrypt(encSum[:], sumInput[:])
	hashA := o.hash(ad)
	full := xorBlock(encSum, hashA)
	return full[:tagLenBits/8]
}

// Seal encrypts plaintext under key/nonce, authenticating ad as
// associated data, and returns ciphertext||tag (spec §4.2). It fails
// only with ErrBadKeyLength, on a wrong key length or an unregistered
// algorithm.
func Seal(algo wire.Algorithm, key, nonce, ad, plaintext []byte) ([]byte, error) {
	tagLen, ok := algo.TagLen()
	if !ok {
		return nil, ErrBadKeyLength
	}
	o, err := newOCB(key)
	if err != nil {
		return nil, err
	}

	ciphertext, checksum, finalOffset := o.crypt(nonce, tagLen*8, plaintext, true)
	tag := o.tag(checksum, finalOffset, ad, tagLen*8)
	return append(ciphertext, tag...), nil
}

// Open decrypts ciphertext||tag under key/nonce, verifying ad as
// associated data, and returns the plaintext, or ErrAuthFailure if the
// tag does not match. Tag comparison is constant-time.
func Open(algo wire.Algorithm, key, nonce, ad, ciphertextAndTag []byte) ([]byte, error) {
	tagLen, ok := algo.TagLen()
	if !ok {
		return nil, ErrBadKeyLength
	}
	if len(ciphertextAndTag) < tagLen {
		return nil, ErrAuthFailure
	}
	ciphertext := ciphertextAndTag[:len(ciphertextAndTag)-tagLen]
	receivedTag := ciphertextAndTag[len(ciphertextAndTag)-tagLen:]

	o, err := newOCB(key)
	if err != nil {
		return nil, err
	}

	plaintext, checksum, finalOffset := o.crypt(nonce, tagLen*8, ciphertext, false)
	wantTag := o.tag(checksum, finalOffset, ad, tagLen*8)

	if subtle.ConstantTimeCompare(wantTag, receivedTag) != 1 {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
