package multiauth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// NonceCharset is the alphabet nonces are drawn from
const NonceCharset = "0123456789ABCDEFGHIJKLMNOPQRSTUVXYZabcdefghijklmnopqrstuvwxyz-._"

// DefaultNonceLength is the nonce length used for Apple requests
const DefaultNonceLength = 32

// RandomNonce returns length characters drawn uniformly from NonceCharset.
// Bytes are read from r in batches of 16 and any byte outside the alphabet
// is discarded, so no character is favoured.
func RandomNonce(r io.Reader, length int) (string, error) {
	if length <= 0 {
		return "", errors.New("nonce length must be positive")
	}
	var sb strings.Builder
	sb.Grow(length)
	remaining := length
	batch := make([]byte, 16)
	for remaining > 0 {
		if _, err := io.ReadFull(r, batch); err != nil {
			return "", fmt.Errorf("unable to generate nonce: %w", err)
		}
		for _, b := range batch {
			if remaining == 0 {
				break
			}
			if int(b) < len(NonceCharset) {
				sb.WriteByte(NonceCharset[b])
				remaining--
			}
		}
	}
	return sb.String(), nil
}

// HashNonce returns the lowercase hex SHA-256 of the nonce's UTF-8 bytes
func HashNonce(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}
