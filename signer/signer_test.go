package signer

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("reset challenge payload"))
	r, sig, err := s.Sign(digest)
	require.NoError(t, err)

	assert.True(t, Verify(s.PublicKey(), digest, r, sig))
}

func TestVerifyRejectsTamperedDigest(t *testing.T) {
	s, err := Generate()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("original"))
	r, sig, err := s.Sign(digest)
	require.NoError(t, err)

	tampered := sha256.Sum256([]byte("tampered"))
	assert.False(t, Verify(s.PublicKey(), tampered, r, sig))
}

func TestEncodeLittleEndianWordsLength(t *testing.T) {
	var b [32]byte
	for i := range b {
		b[i] = byte(i)
	}
	hex := EncodeLittleEndianWords(b)
	assert.Len(t, hex, 64)
}

func TestEncodeLittleEndianWordsByteOrderPerWord(t *testing.T) {
	var b [32]byte
	// first word = 0x00010203 big-endian; little-endian word encoding
	// should render its bytes reversed: "03020100".
	b[0], b[1], b[2], b[3] = 0x00, 0x01, 0x02, 0x03
	hex := EncodeLittleEndianWords(b)
	assert.Equal(t, "03020100", hex[:8])
}

func TestEncodeLittleEndianWordsAllZero(t *testing.T) {
	var b [32]byte
	hex := EncodeLittleEndianWords(b)
	assert.Equal(t, 64, len(hex))
	for _, c := range hex {
		assert.Equal(t, byte('0'), byte(c))
	}
}
