package otp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// Supported HMAC hash algorithms.
const (
	SHA1   = "sha1"
	SHA256 = "sha256"
	SHA512 = "sha512"
)

const (
	minDigits = 4
	maxDigits = 10
)

var (
	// ErrUnsupportedHash is returned for an unknown HMAC algorithm name.
	ErrUnsupportedHash = errors.New("unsupported otp hash algorithm")
	// ErrInvalidDigits is returned when the configured OTP length is out of range.
	ErrInvalidDigits = errors.New("invalid otp length")
	// ErrEmptySecret is returned when a generator has no key material.
	ErrEmptySecret = errors.New("empty otp secret")
)

// Generator computes the one-time code for a counter value.
//
// Implementations own the secret; verification code only sees codes.
type Generator interface {
	At(counter int64) (string, error)
	Digits() int
}

// HOTP computes the RFC 4226 code for secret and counter, left-zero-padded to digits.
func HOTP(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	if digits < minDigits || digits > maxDigits {
		return "", ErrInvalidDigits
	}
	if counter < 0 {
		return "", fmt.Errorf("negative otp counter %d", counter)
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := HashFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int64(sum[offset])&0x7f)<<24 |
		(int64(sum[offset+1])&0xff)<<16 |
		(int64(sum[offset+2])&0xff)<<8 |
		(int64(sum[offset+3]) & 0xff)

	mod := int64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

// HashFunc maps an algorithm name to its hash constructor.
func HashFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", SHA1:
		return sha1.New, nil
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, ErrUnsupportedHash
	}
}

// KeyGenerator is a Generator over an in-memory secret.
type KeyGenerator struct {
	secret    []byte
	digits    int
	algorithm string
}

// NewKeyGenerator validates the parameters and returns a generator for secret.
func NewKeyGenerator(secret []byte, digits int, algorithm string) (*KeyGenerator, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if digits < minDigits || digits > maxDigits {
		return nil, ErrInvalidDigits
	}
	if _, err := HashFunc(algorithm); err != nil {
		return nil, err
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &KeyGenerator{secret: key, digits: digits, algorithm: algorithm}, nil
}

// At returns the code for counter.
func (g *KeyGenerator) At(counter int64) (string, error) {
	return HOTP(g.secret, counter, g.digits, g.algorithm)
}

// Digits returns the code length.
func (g *KeyGenerator) Digits() int {
	return g.digits
}
