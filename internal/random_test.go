package internal

import (
	"strings"
	"testing"
)

func TestNewTransactionIDIsFixedLengthDecimal(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := NewTransactionID(20)
		if err != nil {
			t.Fatalf("NewTransactionID: %v", err)
		}
		if len(id) != 20 {
			t.Fatalf("expected 20 chars, got %d", len(id))
		}
		if strings.Trim(id, "0123456789") != "" {
			t.Fatalf("non-decimal transaction id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate transaction id %q", id)
		}
		seen[id] = true
	}

	if _, err := NewTransactionID(4); err == nil {
		t.Fatal("expected error for short transaction id")
	}
}

func TestNewSerialFormat(t *testing.T) {
	s, err := NewSerial("oath")
	if err != nil {
		t.Fatalf("NewSerial: %v", err)
	}
	if !strings.HasPrefix(s, "OATH") || len(s) != 12 {
		t.Fatalf("unexpected serial %q", s)
	}
	if strings.Trim(s[4:], "0123456789ABCDEF") != "" {
		t.Fatalf("serial suffix is not upper hex: %q", s)
	}
}

func TestRandomFromStaysInAlphabet(t *testing.T) {
	out, err := RandomFrom("ab", 64)
	if err != nil {
		t.Fatalf("RandomFrom: %v", err)
	}
	if strings.Trim(out, "ab") != "" {
		t.Fatalf("unexpected characters in %q", out)
	}
	if _, err := RandomFrom("", 3); err == nil {
		t.Fatal("expected error for empty alphabet")
	}
}

func TestShuffleKeepsElements(t *testing.T) {
	b := []byte("abcdef")
	if err := Shuffle(b); err != nil {
		t.Fatalf("Shuffle: %v", err)
	}
	for _, c := range "abcdef" {
		if !strings.ContainsRune(string(b), c) {
			t.Fatalf("lost %q after shuffle: %q", c, b)
		}
	}
}

func TestHashKeyPartIsStable(t *testing.T) {
	a := HashKeyPart("alice@realm")
	if a != HashKeyPart("alice@realm") || len(a) != 32 {
		t.Fatalf("unexpected digest %q", a)
	}
	if a == HashKeyPart("bob@realm") {
		t.Fatal("distinct inputs produced the same digest")
	}
}
