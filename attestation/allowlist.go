package attestation

import (
	"crypto/x509"
	"fmt"
	"regexp"
	"strings"
)

// Allow-list fields.
const (
	FieldSubject = "subject"
	FieldIssuer  = "issuer"
	FieldSerial  = "serial"
)

// AllowList restricts attestation certificates and authenticator models.
// Entries for different fields must all hold; entries for the same field
// are alternatives.
type AllowList struct {
	fields  map[string][]*regexp.Regexp
	aaguids map[string]struct{}
}

// ParseAllowList builds an allow-list from "field/regex/" requirements and
// a list of permitted AAGUIDs.
func ParseAllowList(requirements, aaguids []string) (*AllowList, error) {
	a := &AllowList{fields: map[string][]*regexp.Regexp{}, aaguids: map[string]struct{}{}}
	for _, raw := range requirements {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		field, rest, ok := strings.Cut(raw, "/")
		if !ok || !strings.HasSuffix(rest, "/") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAllowList, raw)
		}
		field = strings.ToLower(strings.TrimSpace(field))
		switch field {
		case FieldSubject, FieldIssuer, FieldSerial:
		default:
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidAllowList, field)
		}
		re, err := regexp.Compile(strings.TrimSuffix(rest, "/"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAllowList, err)
		}
		a.fields[field] = append(a.fields[field], re)
	}
	for _, id := range aaguids {
		if id = normalizeAAGUID(id); id != "" {
			a.aaguids[id] = struct{}{}
		}
	}
	return a, nil
}

// Empty reports whether the list places no restriction.
func (a *AllowList) Empty() bool {
	return a == nil || (len(a.fields) == 0 && len(a.aaguids) == 0)
}

// RequiresCertificate reports whether any certificate field is restricted.
func (a *AllowList) RequiresCertificate() bool {
	return a != nil && len(a.fields) > 0
}

// Check tests the leaf certificate and the AAGUID. leaf may be nil only when
// no certificate field is restricted.
func (a *AllowList) Check(leaf *x509.Certificate, aaguid string) error {
	if a.Empty() {
		return nil
	}
	if len(a.aaguids) > 0 {
		if _, ok := a.aaguids[normalizeAAGUID(aaguid)]; !ok {
			return reject(ErrNotAllowed, "aaguid "+aaguid)
		}
	}
	if len(a.fields) == 0 {
		return nil
	}
	if leaf == nil {
		return reject(ErrMissingAttestation, "allow-list requires an attestation certificate")
	}
	for field, res := range a.fields {
		value := certField(leaf, field)
		matched := false
		for _, re := range res {
			if re.MatchString(value) {
				matched = true
				break
			}
		}
		if !matched {
			return reject(ErrNotAllowed, field+" "+value)
		}
	}
	return nil
}

func certField(c *x509.Certificate, field string) string {
	switch field {
	case FieldSubject:
		return c.Subject.String()
	case FieldIssuer:
		return c.Issuer.String()
	case FieldSerial:
		return strings.ToLower(c.SerialNumber.Text(16))
	}
	return ""
}

func normalizeAAGUID(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
}
