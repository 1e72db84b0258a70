package crypt

import "crypto/cipher"

// cfb8 implements AES-CFB8 (NIST SP 800-38A §6.3, segment size 8 bits):
// one byte of keystream is produced per output byte by encrypting a
// 16-byte shift register and taking its first byte, then shifting the
// ciphertext byte into the register. The standard library's
// cipher.NewCFBEncrypter/Decrypter implement full-block (128-bit
// segment) CFB, a different mode entirely, so this is built directly on
// the crypto/aes block cipher, the same layering crypto/cipher itself
// uses for CFB-128.
type cfb8 struct {
	block     cipher.Block
	register  []byte // current shift register, len == block size
	decrypt   bool
	blockSize int
}

func newCFB8(block cipher.Block, iv []byte, decrypt bool) *cfb8 {
	bs := block.BlockSize()
	if len(iv) != bs {
		panic("crypt: IV length must equal block size")
	}
	register := make([]byte, bs)
	copy(register, iv)
	return &cfb8{block: block, register: register, decrypt: decrypt, blockSize: bs}
}

// XORKeyStream encrypts or decrypts src into dst, one byte at a time.
// dst and src may overlap exactly.
func (c *cfb8) XORKeyStream(dst, src []byte) {
	out := make([]byte, c.blockSize)
	for i := 0; i < len(src); i++ {
		c.block.Encrypt(out, c.register)
		var cipherByte byte
		if c.decrypt {
			cipherByte = src[i]
			dst[i] = src[i] ^ out[0]
		} else {
			dst[i] = src[i] ^ out[0]
			cipherByte = dst[i]
		}
		copy(c.register, c.register[1:])
		c.register[c.blockSize-1] = cipherByte
	}
}
