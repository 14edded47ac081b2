package otp

import (
	"encoding/base32"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	pqotp "github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

// Kinds accepted by NewKey.
const (
	KindHOTP = "hotp"
	KindTOTP = "totp"
)

const secretSize = 20

// KeyOptions describes a new OTP key.
type KeyOptions struct {
	Kind      string
	Issuer    string
	Account   string
	Digits    int
	Algorithm string
	Period    int
	Counter   int64
	// Secret is optional; a random secret is generated when empty.
	Secret []byte
}

// Key is freshly generated key material and its otpauth:// provisioning URI.
type Key struct {
	Secret []byte
	URI    string
}

// NewKey generates an HOTP or TOTP key and its provisioning URI.
func NewKey(opts KeyOptions) (*Key, error) {
	if opts.Digits < minDigits || opts.Digits > maxDigits {
		return nil, ErrInvalidDigits
	}
	alg, err := pqAlgorithm(opts.Algorithm)
	if err != nil {
		return nil, err
	}
	if opts.Issuer == "" || opts.Account == "" {
		return nil, fmt.Errorf("otp key requires issuer and account")
	}

	var key *pqotp.Key
	switch strings.ToLower(opts.Kind) {
	case KindHOTP:
		key, err = hotp.Generate(hotp.GenerateOpts{
			Issuer:      opts.Issuer,
			AccountName: opts.Account,
			SecretSize:  secretSize,
			Secret:      opts.Secret,
			Digits:      pqotp.Digits(opts.Digits),
			Algorithm:   alg,
		})
	case KindTOTP:
		period := opts.Period
		if period <= 0 {
			period = DefaultTimeStep
		}
		key, err = totp.Generate(totp.GenerateOpts{
			Issuer:      opts.Issuer,
			AccountName: opts.Account,
			Period:      uint(period),
			SecretSize:  secretSize,
			Secret:      opts.Secret,
			Digits:      pqotp.Digits(opts.Digits),
			Algorithm:   alg,
		})
	default:
		return nil, fmt.Errorf("unsupported otp key kind %q", opts.Kind)
	}
	if err != nil {
		return nil, err
	}

	raw, err := DecodeSecret(key.Secret())
	if err != nil {
		return nil, err
	}

	uri := key.URL()
	if strings.ToLower(opts.Kind) == KindHOTP {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("counter", strconv.FormatInt(opts.Counter, 10))
		u.RawQuery = q.Encode()
		uri = u.String()
	}

	return &Key{Secret: raw, URI: uri}, nil
}

// DecodeSecret decodes an unpadded or padded base32 secret.
func DecodeSecret(s string) ([]byte, error) {
	s = strings.ToUpper(strings.TrimRight(strings.TrimSpace(s), "="))
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode otp secret: %w", err)
	}
	return raw, nil
}

// EncodeSecret returns the unpadded base32 form used in provisioning URIs.
func EncodeSecret(raw []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
}

// ParseURI extracts the secret and parameters from an otpauth:// URI.
func ParseURI(uri string) (KeyOptions, error) {
	key, err := pqotp.NewKeyFromURL(uri)
	if err != nil {
		return KeyOptions{}, err
	}
	raw, err := DecodeSecret(key.Secret())
	if err != nil {
		return KeyOptions{}, err
	}
	opts := KeyOptions{
		Kind:    key.Type(),
		Issuer:  key.Issuer(),
		Account: key.AccountName(),
		Digits:  key.Digits().Length(),
		Period:  int(key.Period()),
		Secret:  raw,
	}
	switch key.Algorithm() {
	case pqotp.AlgorithmSHA256:
		opts.Algorithm = SHA256
	case pqotp.AlgorithmSHA512:
		opts.Algorithm = SHA512
	default:
		opts.Algorithm = SHA1
	}
	if u, err := url.Parse(uri); err == nil {
		if c := u.Query().Get("counter"); c != "" {
			opts.Counter, _ = strconv.ParseInt(c, 10, 64)
		}
	}
	return opts, nil
}

func pqAlgorithm(algorithm string) (pqotp.Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", SHA1:
		return pqotp.AlgorithmSHA1, nil
	case SHA256:
		return pqotp.AlgorithmSHA256, nil
	case SHA512:
		return pqotp.AlgorithmSHA512, nil
	default:
		return 0, ErrUnsupportedHash
	}
}
