// Package signer provides the ECDSA P-256 signing collaborator the
// uploader uses to authenticate the session-reset challenge and every
// upload batch. The underlying curve arithmetic and hashing are treated as
// out-of-scope primitives, consumed here only through the standard
// library's crypto/ecdsa and crypto/sha256.
package signer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
)

// Signer produces a detached ECDSA P-256 signature over a 32-byte digest,
// and exposes the public key the backend verifies against.
type Signer interface {
	// Sign returns the (r, s) components of a signature over digest.
	Sign(digest [32]byte) (r, s [32]byte, err error)
	// PublicKey returns the signer's long-term public key.
	PublicKey() *ecdsa.PublicKey
}

// ECDSASigner is the default Signer, backed by a P-256 private key held in
// memory for the lifetime of the process.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

// New wraps an existing P-256 private key.
func New(key *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key}
}

// Generate creates a fresh P-256 key pair, for use where no provisioned
// device key is available (development, tests).
func Generate() (*ECDSASigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.WithMessage(err, "signer: generate key")
	}
	return New(key), nil
}

func (s *ECDSASigner) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Sign signs digest and returns its r and s components as fixed-width
// 32-byte big-endian integers, zero-padded on the left as needed -
// matching the fixed-width hex encoding the wire protocol requires.
func (s *ECDSASigner) Sign(digest [32]byte) (r, s32 [32]byte, err error) {
	r1, s1, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return r, s32, errors.WithMessage(err, "signer: sign")
	}
	putBigEndian32(&r, r1)
	putBigEndian32(&s32, s1)
	return r, s32, nil
}

func putBigEndian32(out *[32]byte, v *big.Int) {
	b := v.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(out[32-len(b):], b)
}

// Verify reports whether sig (r, s) is a valid signature over digest under
// pub. It exists for tests and for the backend-side analogue of property
// P6; the device itself never verifies its own signatures.
func Verify(pub *ecdsa.PublicKey, digest [32]byte, r, s [32]byte) bool {
	rInt := new(big.Int).SetBytes(r[:])
	sInt := new(big.Int).SetBytes(s[:])
	return ecdsa.Verify(pub, digest[:], rInt, sInt)
}

// EncodeLittleEndianWords renders a 32-byte big-endian integer (as
// produced by Sign) as 64 hex characters using little-endian, 4-byte-word
// order - the encoding the reset-handshake POST body uses for the
// signature's r and s fields, confirmed against the boot sequence's own
// to_chars<uint32_t>(..., std::endian::little) call sites.
func EncodeLittleEndianWords(b [32]byte) string {
	var words [8]uint32
	for i := range words {
		words[i] = binary.BigEndian.Uint32(b[i*4 : i*4+4])
	}
	out := make([]byte, 0, 64)
	for _, w := range words {
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], w)
		out = appendHex(out, le[:])
	}
	return string(out)
}

const hexDigits = "0123456789abcdef"

func appendHex(dst []byte, src []byte) []byte {
	for _, b := range src {
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return dst
}
