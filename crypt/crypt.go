// Package crypt implements Gletscher's Crypter: the HMAC-SHA-256
// content digest, the per-chunk AES-256-CFB8 encryption with
// digest-derived keys, and the opportunistic bzip2 compression heuristic
// applied before encryption.
//
// bzip2 is supplied by github.com/dsnet/compress/bzip2, since Go's
// standard library only offers a bzip2 *decoder*.
package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"

	"github.com/pmoor/gletscher/gerrors"
)

const (
	// KeySize is the length of the backup's secret key.
	KeySize = 32

	// ivSize is the AES block size, and therefore the IV size for CFB8.
	ivSize = aes.BlockSize

	prefixRaw   byte = 0
	prefixBzip2 byte = 1

	// StorageVersionLegacy is the pre-digest-derivation chunk encoding:
	// 4-byte big-endian length, 16-byte IV, then
	// AES-CFB8(secret_key, bz2(plaintext)) with no compression prefix
	// byte. Legacy chunks are always bzip2-compressed.
	StorageVersionLegacy = 1

	// StorageVersionCurrent is the only version new writes may use.
	StorageVersionCurrent = 2

	// smallChunkThreshold is the cutoff below which the whole plaintext is
	// compressed and measured; at or above it, only a 64 KiB sample from
	// the middle is tried first.
	smallChunkThreshold = 128 * 1024

	sampleSize        = 64 * 1024
	sampleAcceptRatio = 0.90
)

// Crypter holds the backup's secret key and derives every cryptographic
// operation from it.
type Crypter struct {
	secretKey [KeySize]byte
}

// New returns a Crypter keyed by secretKey, which must be KeySize bytes.
func New(secretKey []byte) (*Crypter, error) {
	if len(secretKey) != KeySize {
		return nil, fmt.Errorf("crypt: secret key must be %d bytes, got %d: %w", KeySize, len(secretKey), gerrors.ErrConfig)
	}
	c := &Crypter{}
	copy(c.secretKey[:], secretKey)
	return c, nil
}

// Hash returns HMAC-SHA-256(secret_key, data), the chunk digest.
func (c *Crypter) Hash(data []byte) [32]byte {
	mac := hmac.New(sha256.New, c.secretKey[:])
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// chunkKey derives the per-chunk AES key: secret_key XOR digest.
func chunkKey(secretKey [KeySize]byte, digest [32]byte) [KeySize]byte {
	var key [KeySize]byte
	for i := range key {
		key[i] = secretKey[i] ^ digest[i]
	}
	return key
}

// EncryptChunk derives the per-chunk key, picks a random IV, compresses
// opportunistically, and encrypts with AES-256-CFB8. The returned bytes
// are IV ‖ ciphertext (storage version 2).
func (c *Crypter) EncryptChunk(digest [32]byte, plaintext []byte) ([]byte, error) {
	key := chunkKey(c.secretKey, digest)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: new AES cipher: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("crypt: reading random IV: %w", err)
	}

	body, err := compressOrLeaveAlone(plaintext)
	if err != nil {
		return nil, err
	}

	stream := newCFB8(block, iv, false)
	out := make([]byte, len(body))
	stream.XORKeyStream(out, body)

	return append(iv, out...), nil
}

// DecryptChunk inverts EncryptChunk, honoring the storage version
// recorded in the Index (including legacy version 1).
func (c *Crypter) DecryptChunk(storageVersion uint8, digest [32]byte, data []byte) ([]byte, error) {
	switch storageVersion {
	case StorageVersionCurrent:
		return c.decryptV2(digest, data)
	case StorageVersionLegacy:
		return c.decryptV1(data)
	default:
		return nil, fmt.Errorf("crypt: unknown storage version %d: %w", storageVersion, gerrors.ErrIntegrity)
	}
}

func (c *Crypter) decryptV2(digest [32]byte, data []byte) ([]byte, error) {
	if len(data) < ivSize+1 {
		return nil, fmt.Errorf("crypt: record too short (%d bytes): %w", len(data), gerrors.ErrIntegrity)
	}
	key := chunkKey(c.secretKey, digest)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: new AES cipher: %w", err)
	}
	iv, ciphertext := data[:ivSize], data[ivSize:]
	stream := newCFB8(block, iv, true)
	body := make([]byte, len(ciphertext))
	stream.XORKeyStream(body, ciphertext)
	return decompressOrLeaveAlone(body)
}

// decryptV1 decodes the legacy (pre-digest-derivation) chunk layout:
// 4-byte length ‖ 16-byte IV ‖ AES-CFB8(secret_key, bz2(plaintext)). The
// length prefix is part of the historical on-disk record and is not part
// of what decryptV1 is handed; callers pass the IV+ciphertext slice.
func (c *Crypter) decryptV1(data []byte) ([]byte, error) {
	if len(data) < ivSize {
		return nil, fmt.Errorf("crypt: legacy record too short (%d bytes): %w", len(data), gerrors.ErrIntegrity)
	}
	block, err := aes.NewCipher(c.secretKey[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: new AES cipher: %w", err)
	}
	iv, ciphertext := data[:ivSize], data[ivSize:]
	stream := newCFB8(block, iv, true)
	compressed := make([]byte, len(ciphertext))
	stream.XORKeyStream(compressed, ciphertext)
	return bunzip2(compressed)
}

// StreamCipher returns a fresh random IV and an AES-256-CFB8 keystream
// keyed directly by the secret key,
// used by the kv-pack container.
func (c *Crypter) StreamCipher() (iv []byte, stream cipher.Stream, err error) {
	block, err := aes.NewCipher(c.secretKey[:])
	if err != nil {
		return nil, nil, fmt.Errorf("crypt: new AES cipher: %w", err)
	}
	iv = make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("crypt: reading random IV: %w", err)
	}
	return iv, newCFB8(block, iv, false), nil
}

// StreamDecipher returns the decrypting counterpart of StreamCipher for a
// known IV.
func (c *Crypter) StreamDecipher(iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(c.secretKey[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: new AES cipher: %w", err)
	}
	return newCFB8(block, iv, true), nil
}

// compressOrLeaveAlone decides whether a chunk is worth compressing:
// plaintexts under 128 KiB are compressed wholesale and kept only if
// shorter; larger plaintexts are judged by a 64 KiB sample from the
// middle, accepting bzip2 only if the sample shrinks below 90% of its
// size.
func compressOrLeaveAlone(plaintext []byte) ([]byte, error) {
	if len(plaintext) < smallChunkThreshold {
		compressed, err := bzip2Compress(plaintext)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(plaintext) {
			return append([]byte{prefixBzip2}, compressed...), nil
		}
		return append([]byte{prefixRaw}, plaintext...), nil
	}

	middle := len(plaintext) / 2
	lo, hi := middle-sampleSize/2, middle+sampleSize/2
	if lo < 0 {
		lo = 0
	}
	if hi > len(plaintext) {
		hi = len(plaintext)
	}
	sample := plaintext[lo:hi]
	compressedSample, err := bzip2Compress(sample)
	if err != nil {
		return nil, err
	}
	if float64(len(compressedSample)) < sampleAcceptRatio*float64(len(sample)) {
		compressed, err := bzip2Compress(plaintext)
		if err != nil {
			return nil, err
		}
		return append([]byte{prefixBzip2}, compressed...), nil
	}
	return append([]byte{prefixRaw}, plaintext...), nil
}

func decompressOrLeaveAlone(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("crypt: empty compression-prefixed body: %w", gerrors.ErrIntegrity)
	}
	switch body[0] {
	case prefixRaw:
		if len(body) == 1 {
			return nil, nil
		}
		return body[1:], nil
	case prefixBzip2:
		return bunzip2(body[1:])
	default:
		return nil, fmt.Errorf("crypt: unknown compression prefix %d: %w", body[0], gerrors.ErrIntegrity)
	}
}

func bzip2Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		return nil, fmt.Errorf("crypt: bzip2 writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("crypt: bzip2 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("crypt: bzip2 close: %w", err)
	}
	return buf.Bytes(), nil
}

func bunzip2(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("crypt: bzip2 reader: %w: %w", err, gerrors.ErrIntegrity)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("crypt: bzip2 decompress: %w: %w", err, gerrors.ErrIntegrity)
	}
	return out, nil
}
