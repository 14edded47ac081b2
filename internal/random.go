package internal

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	minTransactionIDLen = 12
	maxTransactionIDLen = 40
	serialSuffixBytes   = 4
)

// NewTransactionID returns a fixed-length decimal transaction id.
func NewTransactionID(length int) (string, error) {
	if length < minTransactionIDLen || length > maxTransactionIDLen {
		return "", errors.New("invalid transaction id length")
	}
	return RandomFrom("0123456789", length)
}

// NewSerial returns prefix followed by 8 upper-case hex characters taken
// from the random bits of a version 4 UUID.
func NewSerial(prefix string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	// Bytes 0-3 carry no version or variant bits.
	suffix := hex.EncodeToString(id[:serialSuffixBytes])
	return strings.ToUpper(prefix) + strings.ToUpper(suffix), nil
}

// RandomFrom draws n characters uniformly from alphabet.
func RandomFrom(alphabet string, n int) (string, error) {
	if alphabet == "" {
		return "", errors.New("empty alphabet")
	}
	if n < 0 {
		return "", errors.New("negative length")
	}

	var b strings.Builder
	b.Grow(n)

	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[idx.Int64()])
	}

	out := b.String()
	if len(out) != n {
		return "", fmt.Errorf("invalid random string length")
	}
	return out, nil
}

// Shuffle permutes b in place with crypto/rand.
func Shuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		k := j.Int64()
		b[i], b[k] = b[k], b[i]
	}
	return nil
}
