package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

var (
	// ErrConflict is matched by every ConflictError.
	ErrConflict = errors.New("policy conflict")
	// ErrInvalidPolicy is returned when a policy definition is malformed.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrNotFound is returned by stores for an unknown policy name.
	ErrNotFound = errors.New("policy not found")
	// ErrMissingData is returned when a condition needs data that is absent
	// and the condition asks for an error in that case.
	ErrMissingData = errors.New("policy condition data missing")
)

// ConflictError reports equal-priority policies that disagree on a value
// that had to be unique.
type ConflictError struct {
	Action   string
	Policies []string
	Values   []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("policy conflict: action %q has contending values %q from policies %q", e.Action, e.Values, e.Policies)
}

// Is makes errors.Is(err, ErrConflict) hold.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// Policy is one rule. A zero restriction list means "no restriction".
type Policy struct {
	Name        string
	Scope       Scope
	Action      map[string]Value
	Realms      []string
	Resolvers   []string
	Users       []string
	Clients     []string
	Time        string
	Priority    int
	AdminRealms []string
	AdminUsers  []string
	PINodes     []string
	UserAgents  []string
	Active      bool
	Conditions  []Condition
	Description string
}

// Validate checks structural correctness.
func (p *Policy) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	if !nameRe.MatchString(p.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidPolicy, p.Name)
	}
	if !p.Scope.Valid() {
		return fmt.Errorf("%w: scope %q", ErrInvalidPolicy, p.Scope)
	}
	if p.Priority < 1 {
		return fmt.Errorf("%w: priority must be >= 1", ErrInvalidPolicy)
	}
	for name, v := range p.Action {
		if v.IsZero() {
			return fmt.Errorf("%w: action %q has no value", ErrInvalidPolicy, name)
		}
		if kind, ok := KindOf(name); ok && kind != v.Kind() {
			return fmt.Errorf("%w: action %q must be %s, got %s", ErrInvalidPolicy, name, kind, v.Kind())
		}
	}
	for _, c := range p.Clients {
		if _, err := parseClient(strings.TrimPrefix(strings.TrimSpace(c), "-")); err != nil {
			return fmt.Errorf("%w: client %q", ErrInvalidPolicy, c)
		}
	}
	if p.Time != "" {
		if _, err := ParseTimeSpec(p.Time); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
	}
	for i, c := range p.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: condition %d: %v", ErrInvalidPolicy, i, err)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	out := *p
	out.Action = make(map[string]Value, len(p.Action))
	for k, v := range p.Action {
		if l, ok := v.AsList(); ok {
			v = List(l...)
		}
		out.Action[k] = v
	}
	out.Realms = cloneStrings(p.Realms)
	out.Resolvers = cloneStrings(p.Resolvers)
	out.Users = cloneStrings(p.Users)
	out.Clients = cloneStrings(p.Clients)
	out.AdminRealms = cloneStrings(p.AdminRealms)
	out.AdminUsers = cloneStrings(p.AdminUsers)
	out.PINodes = cloneStrings(p.PINodes)
	out.UserAgents = cloneStrings(p.UserAgents)
	if p.Conditions != nil {
		out.Conditions = make([]Condition, len(p.Conditions))
		copy(out.Conditions, p.Conditions)
	}
	return &out
}

// HasAction reports whether the policy sets action.
func (p *Policy) HasAction(action string) bool {
	_, ok := p.Action[action]
	return ok
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func parseClient(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}
