package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// JoinCodeGenerator mints the human-shareable campaign codes: always
// 10 characters, first a digit, then a letter, then 8 characters from
// the combined pool. A random 64-bit sequence is pushed through a
// single AES block keyed off the configured secret; the campaigns
// table's unique constraint on join_code backs up the generator.
type JoinCodeGenerator struct {
	block cipher.Block
}

var (
	codeDigits  = []rune("0123456789")
	codeLetters = []rune("ABCDEFGHJKMNPQRSTUVWXYZ") // no I, L, O: they read like 1/0
	codePool    = append(append([]rune{}, codeDigits...), codeLetters...)
)

// NewJoinCodeGenerator derives a 128-bit AES key from the secret.
func NewJoinCodeGenerator(secret string) (*JoinCodeGenerator, error) {
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:16])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return &JoinCodeGenerator{block: block}, nil
}

// Generate returns a fresh 10-character code.
func (g *JoinCodeGenerator) Generate() (string, error) {
	// 128-bit plaintext: upper 64 bits zero, lower 64 bits random
	var plain [16]byte
	if _, err := rand.Read(plain[8:]); err != nil {
		return "", fmt.Errorf("failed to draw code sequence: %w", err)
	}

	var enc [16]byte
	g.block.Encrypt(enc[:], plain[:])

	// forced leading digit + letter
	digit := codeDigits[enc[0]%uint8(len(codeDigits))]
	letter := codeLetters[enc[1]%uint8(len(codeLetters))]

	// 8-character body from a 64-bit integer
	base := uint64(len(codePool))
	v := binary.BigEndian.Uint64(enc[8:])
	body := make([]rune, 8)
	for i := 7; i >= 0; i-- {
		body[i] = codePool[v%base]
		v /= base
	}

	return string([]rune{digit, letter}) + string(body), nil
}
