// Package pin stores, checks and generates token PINs. A PIN is kept either
// as an argon2id PHC string or, when the enroll policy asks for it, sealed
// reversibly behind an "enc:" prefix.
package pin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	algorithmID           = "argon2id"
	encryptedTag          = "enc:"
)

var (
	// ErrInvalidEncoding is returned for stored PINs that cannot be parsed.
	ErrInvalidEncoding = errors.New("pin: invalid stored encoding")
	// ErrNoCrypter is returned when a reversible PIN is stored or read without a crypter.
	ErrNoCrypter = errors.New("pin: reversible encryption not configured")
)

// Params are the argon2id cost parameters.
type Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams are moderate costs suitable for short PINs checked on every authentication.
func DefaultParams() Params {
	return Params{Memory: 32 * 1024, Time: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

// Crypter reversibly encrypts short strings. secrets.Keeper implements it.
type Crypter interface {
	EncryptString(string) (string, error)
	DecryptString(string) (string, error)
}

// Codec encodes PINs for storage and checks presented PINs against them.
type Codec struct {
	params  Params
	crypter Crypter
}

// NewCodec validates p and returns a Codec. crypter may be nil when no
// policy asks for reversible PINs.
func NewCodec(p Params, crypter Crypter) (*Codec, error) {
	if err := validateParams(p); err != nil {
		return nil, err
	}
	return &Codec{params: p, crypter: crypter}, nil
}

// Encode returns the stored form of pin. An empty PIN stays empty.
func (c *Codec) Encode(pin string, reversible bool) (string, error) {
	if pin == "" {
		return "", nil
	}
	if reversible {
		if c.crypter == nil {
			return "", ErrNoCrypter
		}
		enc, err := c.crypter.EncryptString(pin)
		if err != nil {
			return "", err
		}
		return encryptedTag + enc, nil
	}

	salt := make([]byte, c.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(pin), salt, c.params.Time, c.params.Memory, c.params.Parallelism, c.params.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		c.params.Memory,
		c.params.Time,
		c.params.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	), nil
}

// Check reports whether presented matches the stored PIN. A token without a
// stored PIN matches only the empty PIN.
func (c *Codec) Check(stored, presented string) (bool, error) {
	if stored == "" {
		return presented == "", nil
	}
	if strings.HasPrefix(stored, encryptedTag) {
		plain, err := c.Reveal(stored)
		if err != nil {
			return false, err
		}
		return subtle.ConstantTimeCompare([]byte(plain), []byte(presented)) == 1, nil
	}

	parsed, err := parsePHC(stored)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(presented), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.hash)))
	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

// Reveal decrypts a reversibly stored PIN.
func (c *Codec) Reveal(stored string) (string, error) {
	if !strings.HasPrefix(stored, encryptedTag) {
		return "", ErrInvalidEncoding
	}
	if c.crypter == nil {
		return "", ErrNoCrypter
	}
	return c.crypter.DecryptString(strings.TrimPrefix(stored, encryptedTag))
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func parsePHC(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, ErrInvalidEncoding
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, fmt.Errorf("%w: unsupported argon2 version", ErrInvalidEncoding)
	}

	var out phc
	var seen int
	for _, pair := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, ErrInvalidEncoding
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, ErrInvalidEncoding
		}
		switch k {
		case "m":
			out.memory = uint32(n)
		case "t":
			out.time = uint32(n)
		case "p":
			if n > 255 {
				return nil, ErrInvalidEncoding
			}
			out.parallelism = uint8(n)
		default:
			return nil, ErrInvalidEncoding
		}
		seen++
	}
	if seen != 3 || out.memory < minMemoryKB || out.time < minTimeCost || out.parallelism < minParallelism {
		return nil, ErrInvalidEncoding
	}

	var err error
	if out.salt, err = base64.StdEncoding.DecodeString(parts[4]); err != nil || len(out.salt) < int(minSaltLength) {
		return nil, ErrInvalidEncoding
	}
	if out.hash, err = base64.StdEncoding.DecodeString(parts[5]); err != nil || len(out.hash) == 0 {
		return nil, ErrInvalidEncoding
	}
	return &out, nil
}

func validateParams(p Params) error {
	if p.Memory < minMemoryKB {
		return errors.New("pin memory must be >= 8192 KB")
	}
	if p.Time < minTimeCost {
		return errors.New("pin time must be >= 1")
	}
	if p.Parallelism < minParallelism {
		return errors.New("pin parallelism must be >= 1")
	}
	if p.SaltLength < minSaltLength {
		return errors.New("pin salt length must be >= 16")
	}
	if p.KeyLength < minKeyLength {
		return errors.New("pin key length must be >= 16")
	}
	return nil
}
