// Package kvpack implements gletscher's framed, encrypted, MAC'd
// container used to ship the Index and Catalog databases
// inside a single cold-store archive. Multiple logical "files" (named
// key/value streams) are concatenated into one body:
//
//	VERSION_STRING(22) ‖ IV(16) ‖ AES-CFB8(bzip2(records...))
//
//	record = length(u32 big-endian) ‖ type(u8) ‖ body
//	  type 1 NEW_FILE  : name_len(u16) ‖ name_bytes
//	  type 2 KV_PAIR   : key_len(u32) ‖ val_len(u32) ‖ key_bytes ‖ val_bytes
//	  type 3 SIGNATURE : 32B HMAC-SHA-256 closing the current file
//
// Each file's SIGNATURE covers the VERSION_STRING and IV in addition to
// that file's own NEW_FILE/KV_PAIR record bytes. The reader rejects a
// damaged version string by its magic compare before any MAC check, and a
// damaged IV usually garbles the stream enough that decompression fails
// first; every such failure is reported as gerrors.ErrIntegrity. Compression runs on the
// plaintext record stream, encryption on the compressed bytes; a wrong
// key or IV then shows up first as a stream that fails to decompress.
package kvpack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"

	"github.com/pmoor/gletscher/crypt"
	"github.com/pmoor/gletscher/gerrors"
)

// versionString is the fixed 22-byte magic prefix identifying this
// container's wire format.
var versionString = []byte("GLETSCHER-KVPACK-V0002")

const (
	recNewFile   uint8 = 1
	recKVPair    uint8 = 2
	recSignature uint8 = 3
)

func init() {
	if len(versionString) != 22 {
		panic("kvpack: versionString must be exactly 22 bytes")
	}
}

// File is one named key/value stream packed into the container.
type File struct {
	Name  string
	Pairs map[string][]byte

	// Order preserves insertion order for deterministic packing; if nil,
	// map iteration order is used (fine for round-tripping, not for
	// byte-identical repacking).
	Order []string
}

func (f File) order() []string {
	if f.Order != nil {
		return f.Order
	}
	order := make([]string, 0, len(f.Pairs))
	for k := range f.Pairs {
		order = append(order, k)
	}
	return order
}

func appendRecord(buf *bytes.Buffer, typ uint8, body []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(1+len(body)))
	buf.Write(lenBuf[:])
	buf.WriteByte(typ)
	buf.Write(body)
}

// Pack serializes files into the container body, encrypted and MAC'd
// under crypter's key. The IV is drawn first so each file's SIGNATURE can
// cover it (see package doc), then reused as the actual encryption IV.
func Pack(crypter *crypt.Crypter, files []File) ([]byte, error) {
	iv, stream, err := crypter.StreamCipher()
	if err != nil {
		return nil, fmt.Errorf("kvpack: stream cipher: %w", err)
	}

	var plain bytes.Buffer
	for _, f := range files {
		start := plain.Len()

		nameBytes := []byte(f.Name)
		var nameLen [2]byte
		binary.BigEndian.PutUint16(nameLen[:], uint16(len(nameBytes)))
		appendRecord(&plain, recNewFile, append(nameLen[:], nameBytes...))

		for _, k := range f.order() {
			v := f.Pairs[k]
			body := make([]byte, 0, 8+len(k)+len(v))
			var kl, vl [4]byte
			binary.BigEndian.PutUint32(kl[:], uint32(len(k)))
			binary.BigEndian.PutUint32(vl[:], uint32(len(v)))
			body = append(body, kl[:]...)
			body = append(body, vl[:]...)
			body = append(body, []byte(k)...)
			body = append(body, v...)
			appendRecord(&plain, recKVPair, body)
		}

		fileBytes := plain.Bytes()[start:plain.Len()]
		sig := signFileWithIV(crypter, iv, fileBytes)
		appendRecord(&plain, recSignature, sig[:])
	}

	compressed, err := bzip2Compress(plain.Bytes())
	if err != nil {
		return nil, fmt.Errorf("kvpack: compress: %w", err)
	}

	ciphertext := make([]byte, len(compressed))
	stream.XORKeyStream(ciphertext, compressed)

	out := make([]byte, 0, 22+16+len(ciphertext))
	out = append(out, versionString...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// signFileWithIV computes the HMAC closing one file's records, covering
// the VERSION_STRING and IV ahead of the file's own NEW_FILE/KV_PAIR
// bytes (see package doc's MAC-coverage extension).
func signFileWithIV(crypter *crypt.Crypter, iv, fileBytes []byte) [32]byte {
	input := make([]byte, 0, len(versionString)+len(iv)+len(fileBytes))
	input = append(input, versionString...)
	input = append(input, iv...)
	input = append(input, fileBytes...)
	return crypter.Hash(input)
}

// Unpack parses and verifies a container produced by Pack, returning its
// files in order. Any tampering between the IV and the last SIGNATURE
// causes Unpack to fail with gerrors.ErrIntegrity.
func Unpack(crypter *crypt.Crypter, data []byte) ([]File, error) {
	if len(data) < len(versionString)+16 {
		return nil, fmt.Errorf("kvpack: container too short: %w", gerrors.ErrIntegrity)
	}
	if !bytes.Equal(data[:len(versionString)], versionString) {
		return nil, fmt.Errorf("kvpack: bad version string: %w", gerrors.ErrIntegrity)
	}
	iv := data[len(versionString) : len(versionString)+16]
	ciphertext := data[len(versionString)+16:]

	stream, err := crypter.StreamDecipher(iv)
	if err != nil {
		return nil, fmt.Errorf("kvpack: stream decipher: %w", err)
	}
	compressed := make([]byte, len(ciphertext))
	stream.XORKeyStream(compressed, ciphertext)

	plain, err := bunzip2(compressed)
	if err != nil {
		return nil, fmt.Errorf("kvpack: decompress: %w: %w", err, gerrors.ErrIntegrity)
	}

	return parseRecords(crypter, iv, plain)
}

func parseRecords(crypter *crypt.Crypter, iv []byte, plain []byte) ([]File, error) {
	var files []File
	pos := 0
	var cur *File
	fileStart := 0

	for pos < len(plain) {
		if pos+5 > len(plain) {
			return nil, fmt.Errorf("kvpack: truncated record header: %w", gerrors.ErrIntegrity)
		}
		length := binary.BigEndian.Uint32(plain[pos : pos+4])
		typ := plain[pos+4]
		bodyStart := pos + 5
		bodyEnd := bodyStart + int(length) - 1
		if length == 0 || bodyEnd > len(plain) {
			return nil, fmt.Errorf("kvpack: corrupt record length: %w", gerrors.ErrIntegrity)
		}
		body := plain[bodyStart:bodyEnd]
		recordEnd := bodyEnd

		switch typ {
		case recNewFile:
			if cur != nil {
				return nil, fmt.Errorf("kvpack: NEW_FILE before previous file's SIGNATURE: %w", gerrors.ErrIntegrity)
			}
			if len(body) < 2 {
				return nil, fmt.Errorf("kvpack: truncated NEW_FILE body: %w", gerrors.ErrIntegrity)
			}
			nameLen := binary.BigEndian.Uint16(body[:2])
			if int(nameLen) != len(body)-2 {
				return nil, fmt.Errorf("kvpack: NEW_FILE name length mismatch: %w", gerrors.ErrIntegrity)
			}
			files = append(files, File{Name: string(body[2:]), Pairs: map[string][]byte{}})
			cur = &files[len(files)-1]
			fileStart = pos

		case recKVPair:
			if cur == nil {
				return nil, fmt.Errorf("kvpack: KV_PAIR outside a file: %w", gerrors.ErrIntegrity)
			}
			if len(body) < 8 {
				return nil, fmt.Errorf("kvpack: truncated KV_PAIR body: %w", gerrors.ErrIntegrity)
			}
			keyLen := binary.BigEndian.Uint32(body[0:4])
			valLen := binary.BigEndian.Uint32(body[4:8])
			rest := body[8:]
			if uint64(keyLen)+uint64(valLen) != uint64(len(rest)) {
				return nil, fmt.Errorf("kvpack: KV_PAIR length mismatch: %w", gerrors.ErrIntegrity)
			}
			key := rest[:keyLen]
			val := append([]byte(nil), rest[keyLen:]...)
			cur.Pairs[string(key)] = val
			cur.Order = append(cur.Order, string(key))

		case recSignature:
			if cur == nil {
				return nil, fmt.Errorf("kvpack: SIGNATURE outside a file: %w", gerrors.ErrIntegrity)
			}
			if len(body) != 32 {
				return nil, fmt.Errorf("kvpack: bad SIGNATURE length: %w", gerrors.ErrIntegrity)
			}
			want := signFileWithIV(crypter, iv, plain[fileStart:bodyStart-5])
			if !bytes.Equal(want[:], body) {
				return nil, fmt.Errorf("kvpack: signature mismatch for file %q: %w", cur.Name, gerrors.ErrIntegrity)
			}
			cur = nil

		default:
			return nil, fmt.Errorf("kvpack: unknown record type %d: %w", typ, gerrors.ErrIntegrity)
		}

		pos = recordEnd
	}
	if cur != nil {
		return nil, fmt.Errorf("kvpack: stream ended mid-file without SIGNATURE: %w", gerrors.ErrIntegrity)
	}
	return files, nil
}

func bzip2Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bunzip2(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
