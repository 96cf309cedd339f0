package keystore

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyBlobRoundTrip(t *testing.T) {
	pub := []byte("public area bytes")
	priv := []byte("wrapped private blob")

	gotPub, gotPriv, err := decodeKeyBlob(encodeKeyBlob(pub, priv))
	require.NoError(t, err)
	assert.Equal(t, pub, gotPub)
	assert.Equal(t, priv, gotPriv)
}

func TestDecodeKeyBlobRejectsCorruptLengths(t *testing.T) {
	valid := encodeKeyBlob([]byte("pub"), []byte("priv"))

	truncated := valid[:len(valid)-2]

	// A public length near MaxUint32 used to wrap the offset arithmetic
	// and slice out of bounds instead of failing cleanly.
	hugePubLen := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(hugePubLen[0:4], 0xfffffffd)

	hugePrivLen := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(hugePrivLen[4+3:], 0xfffffffd)

	cases := map[string][]byte{
		"empty":              nil,
		"short":              {0, 0, 0},
		"truncated":          truncated,
		"huge public len":    hugePubLen,
		"huge private len":   hugePrivLen,
		"public len exceeds": append([]byte{0, 0, 0, 9}, "pub-priv"...),
	}
	for name, blob := range cases {
		_, _, err := decodeKeyBlob(blob)
		assert.ErrorIs(t, err, errTPMKeyCorrupt, name)
	}
}
