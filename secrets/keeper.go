// Package secrets owns token key material. Secrets are stored sealed with
// AES-256-GCM and are only ever opened inside this package; callers receive an
// otp.Generator that computes codes at a given counter.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"github.com/MrEthical07/goMFA/otp"
)

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

var (
	// ErrInvalidKey is returned when the sealing key is not 32 bytes.
	ErrInvalidKey = errors.New("secrets: key must be 32 bytes")
	// ErrDecryption is returned when sealed data cannot be opened.
	ErrDecryption = errors.New("secrets: decryption failed")
)

// Sealed is nonce||ciphertext as produced by Keeper.Seal.
type Sealed []byte

// String hides the sealed bytes from fmt and log output.
func (Sealed) String() string { return "[sealed]" }

// Keeper seals and opens token secrets.
type Keeper struct {
	aead cipher.AEAD
}

// NewKeeper returns a Keeper for a 32-byte key.
func NewKeeper(key []byte) (*Keeper, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Keeper{aead: gcm}, nil
}

// NewKeeperHex decodes a hex key and returns a Keeper for it.
func NewKeeperHex(hexKey string) (*Keeper, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, ErrInvalidKey
	}
	return NewKeeper(key)
}

// Seal encrypts raw key material.
func (k *Keeper) Seal(raw []byte) (Sealed, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return Sealed(k.aead.Seal(nonce, nonce, raw, nil)), nil
}

func (k *Keeper) open(s Sealed) ([]byte, error) {
	n := k.aead.NonceSize()
	if len(s) < n {
		return nil, ErrDecryption
	}
	plain, err := k.aead.Open(nil, s[:n], s[n:], nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plain, nil
}

// Generator opens s and returns a code generator bound to it.
func (k *Keeper) Generator(s Sealed, digits int, algorithm string) (otp.Generator, error) {
	raw, err := k.open(s)
	if err != nil {
		return nil, err
	}
	defer wipe(raw)
	return otp.NewKeyGenerator(raw, digits, algorithm)
}

// EncryptString seals a short value and returns it hex encoded.
func (k *Keeper) EncryptString(v string) (string, error) {
	sealed, err := k.Seal([]byte(v))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func (k *Keeper) DecryptString(v string) (string, error) {
	raw, err := hex.DecodeString(v)
	if err != nil {
		return "", ErrDecryption
	}
	plain, err := k.open(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
