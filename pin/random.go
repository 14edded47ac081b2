package pin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrEthical07/goMFA/internal"
)

// Character groups accepted in a random PIN content description.
const (
	GroupLower   = 'c'
	GroupUpper   = 'C'
	GroupDigits  = 'n'
	GroupSpecial = 's'
)

// DefaultContent is used when no otp_pin_random_content policy applies.
const DefaultContent = "cCn"

var groups = map[rune]string{
	GroupLower:   "abcdefghijklmnopqrstuvwxyz",
	GroupUpper:   "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
	GroupDigits:  "0123456789",
	GroupSpecial: ".:,;_<>+*!/()[]{}#$%&=?-",
}

// ErrInvalidContent is returned for an unparseable content description.
var ErrInvalidContent = errors.New("pin: invalid random content")

// Random generates a PIN of length characters.
//
// content lists character groups (c, C, n, s). A leading "+" requires at
// least one character from every listed group; a leading "-" removes the
// listed groups from DefaultContent. An empty content means DefaultContent.
func Random(length int, content string) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("%w: length must be positive", ErrInvalidContent)
	}
	chosen, require, err := parseContent(content)
	if err != nil {
		return "", err
	}
	if require && len(chosen) > length {
		return "", fmt.Errorf("%w: %d required groups exceed length %d", ErrInvalidContent, len(chosen), length)
	}

	var alphabet strings.Builder
	for _, g := range chosen {
		alphabet.WriteString(groups[g])
	}

	out := make([]byte, 0, length)
	if require {
		for _, g := range chosen {
			c, err := internal.RandomFrom(groups[g], 1)
			if err != nil {
				return "", err
			}
			out = append(out, c...)
		}
	}
	rest, err := internal.RandomFrom(alphabet.String(), length-len(out))
	if err != nil {
		return "", err
	}
	out = append(out, rest...)
	if require {
		if err := internal.Shuffle(out); err != nil {
			return "", err
		}
	}
	return string(out), nil
}

func parseContent(content string) ([]rune, bool, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		content = DefaultContent
	}

	mode := content[0]
	body := content
	if mode == '+' || mode == '-' {
		body = content[1:]
	}
	if body == "" {
		return nil, false, ErrInvalidContent
	}

	listed := map[rune]bool{}
	for _, r := range body {
		if _, ok := groups[r]; !ok {
			return nil, false, fmt.Errorf("%w: unknown group %q", ErrInvalidContent, r)
		}
		listed[r] = true
	}

	var chosen []rune
	if mode == '-' {
		for _, r := range DefaultContent {
			if !listed[r] {
				chosen = append(chosen, r)
			}
		}
		if len(chosen) == 0 {
			return nil, false, fmt.Errorf("%w: every group excluded", ErrInvalidContent)
		}
		return chosen, false, nil
	}

	for _, r := range []rune{GroupLower, GroupUpper, GroupDigits, GroupSpecial} {
		if listed[r] {
			chosen = append(chosen, r)
		}
	}
	return chosen, mode == '+', nil
}

// Alphabet returns every character Random may draw for content.
func Alphabet(content string) (string, error) {
	chosen, _, err := parseContent(content)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, g := range chosen {
		b.WriteString(groups[g])
	}
	return b.String(), nil
}
