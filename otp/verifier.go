package otp

import (
	"crypto/subtle"
	"strings"
	"time"
)

// NotFound is the matched counter reported when no offset in range matches.
const NotFound int64 = -1

// DefaultTimeStep is the TOTP step in seconds when none is configured.
const DefaultTimeStep = 30

// CheckHOTP searches counter, counter+1, …, counter+window for presented and
// returns the first matching counter, or NotFound.
func CheckHOTP(gen Generator, presented string, counter int64, window int) (int64, error) {
	code, ok := normalize(presented, gen.Digits())
	if !ok {
		return NotFound, nil
	}
	if counter < 0 {
		counter = 0
	}
	if window < 0 {
		window = 0
	}

	for c := counter; c <= counter+int64(window); c++ {
		generated, err := gen.At(c)
		if err != nil {
			return NotFound, err
		}
		if equal(generated, code) {
			return c, nil
		}
	}
	return NotFound, nil
}

// TimeCounter returns the TOTP step counter for now.
func TimeCounter(now time.Time, step int) int64 {
	if step <= 0 {
		step = DefaultTimeStep
	}
	return now.Unix() / int64(step)
}

// CheckTOTP verifies presented against the time steps around now. Offsets are
// tried as 0, -1, +1, -2, +2, … up to ±window. Steps below notBefore are
// skipped so an accepted step can never be presented again.
func CheckTOTP(gen Generator, presented string, now time.Time, step, window int, notBefore int64) (int64, error) {
	code, ok := normalize(presented, gen.Digits())
	if !ok {
		return NotFound, nil
	}
	if window < 0 {
		window = 0
	}

	base := TimeCounter(now, step)
	for _, off := range driftOffsets(window) {
		c := base + int64(off)
		if c < 0 || c < notBefore {
			continue
		}
		generated, err := gen.At(c)
		if err != nil {
			return NotFound, err
		}
		if equal(generated, code) {
			return c, nil
		}
	}
	return NotFound, nil
}

func driftOffsets(window int) []int {
	out := make([]int, 0, 2*window+1)
	out = append(out, 0)
	for i := 1; i <= window; i++ {
		out = append(out, -i, i)
	}
	return out
}

func normalize(presented string, digits int) (string, bool) {
	trimmed := strings.TrimSpace(presented)
	if len(trimmed) != digits || !isNumeric(trimmed) {
		return "", false
	}
	return trimmed, true
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
