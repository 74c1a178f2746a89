package cryptoengine

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// counterIV builds the 16-byte CTR-mode IV as (sequence<<32)|nonce_lo,
// left-padded into the block size per spec.md §4.3.
func counterIV(sequence uint32, nonceLo uint32) []byte {
	iv := make([]byte, aes.BlockSize)
	counter := uint64(sequence)<<32 | uint64(nonceLo)
	for i := 0; i < 8; i++ {
		iv[aes.BlockSize-1-i] = byte(counter >> (8 * i))
	}
	return iv
}

// Encrypt seals plaintext into a newly allocated slice using key in
// AES-CTR mode with the sequence/nonce-derived counter; plaintext is
// left unmodified.
func Encrypt(key *Key, sequence uint32, nonceLo uint32, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key.Bytes.Bytes())
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: new AES cipher: %w", err)
	}
	stream := cipher.NewCTR(block, counterIV(sequence, nonceLo))
	out := make([]byte, len(plaintext))
	stream.XORKeyStream(out, plaintext)
	return out, nil
}

// Decrypt is the CTR-mode inverse of Encrypt; CTR mode makes this
// identical to Encrypt, but the name documents intent at call sites
// and is where an authentication tag check would be added if the
// wire format grows one.
func Decrypt(key *Key, sequence uint32, nonceLo uint32, ciphertext []byte) ([]byte, error) {
	return Encrypt(key, sequence, nonceLo, ciphertext)
}
