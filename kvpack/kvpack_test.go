package kvpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmoor/gletscher/crypt"
	"github.com/pmoor/gletscher/gerrors"
)

func testCrypter(t *testing.T) *crypt.Crypter {
	t.Helper()
	key := make([]byte, crypt.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := crypt.New(key)
	require.NoError(t, err)
	return c
}

func TestPackUnpackRoundTrip(t *testing.T) {
	c := testCrypter(t)
	files := []File{
		{
			Name:  "index",
			Order: []string{"a", "b"},
			Pairs: map[string][]byte{"a": []byte("1"), "b": []byte("2")},
		},
		{
			Name:  "catalog",
			Order: []string{"/path/a"},
			Pairs: map[string][]byte{"/path/a": []byte("entry-bytes")},
		},
	}

	packed, err := Pack(c, files)
	require.NoError(t, err)

	got, err := Unpack(c, packed)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "index", got[0].Name)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, got[0].Pairs)
	assert.Equal(t, "catalog", got[1].Name)
	assert.Equal(t, map[string][]byte{"/path/a": []byte("entry-bytes")}, got[1].Pairs)
}

func TestPackUnpackEmptyFile(t *testing.T) {
	c := testCrypter(t)
	files := []File{{Name: "empty", Pairs: map[string][]byte{}}}

	packed, err := Pack(c, files)
	require.NoError(t, err)

	got, err := Unpack(c, packed)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Pairs)
}

func TestUnpackDetectsTampering(t *testing.T) {
	c := testCrypter(t)
	files := []File{{Name: "f", Order: []string{"k"}, Pairs: map[string][]byte{"k": []byte("v")}}}
	packed, err := Pack(c, files)
	require.NoError(t, err)

	for i := 22; i < len(packed); i++ {
		tampered := append([]byte(nil), packed...)
		tampered[i] ^= 0xFF
		_, err := Unpack(c, tampered)
		assert.Error(t, err, "byte %d should be covered by MAC or compression integrity", i)
	}
}

func TestUnpackRejectsBadVersionString(t *testing.T) {
	c := testCrypter(t)
	packed, err := Pack(c, []File{{Name: "f", Pairs: map[string][]byte{}}})
	require.NoError(t, err)

	tampered := append([]byte(nil), packed...)
	tampered[0] ^= 0xFF
	_, err = Unpack(c, tampered)
	require.Error(t, err)
	assert.ErrorIs(t, err, gerrors.ErrIntegrity)
}

func TestUnpackRejectsWrongKey(t *testing.T) {
	c := testCrypter(t)
	packed, err := Pack(c, []File{{Name: "f", Order: []string{"k"}, Pairs: map[string][]byte{"k": []byte("v")}}})
	require.NoError(t, err)

	otherKey := make([]byte, crypt.KeySize)
	for i := range otherKey {
		otherKey[i] = byte(255 - i)
	}
	other, err := crypt.New(otherKey)
	require.NoError(t, err)

	_, err = Unpack(other, packed)
	require.Error(t, err)
}

func TestUnpackRejectsMissingSignature(t *testing.T) {
	c := testCrypter(t)

	// Hand-build a stream with a NEW_FILE record but no SIGNATURE.
	var plain []byte
	name := []byte("f")
	body := append([]byte{0, byte(len(name))}, name...)
	rec := append([]byte{0, 0, 0, byte(1 + len(body))}, recNewFile)
	rec = append(rec, body...)
	plain = append(plain, rec...)

	compressed, err := bzip2Compress(plain)
	require.NoError(t, err)

	iv, stream, err := c.StreamCipher()
	require.NoError(t, err)
	ciphertext := make([]byte, len(compressed))
	stream.XORKeyStream(ciphertext, compressed)

	out := append([]byte(nil), versionString...)
	out = append(out, iv...)
	out = append(out, ciphertext...)

	_, err = Unpack(c, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, gerrors.ErrIntegrity)
}
