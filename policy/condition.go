package policy

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Section names the data source a condition reads from.
type Section string

// Condition sections.
const (
	SectionUserInfo  Section = "userinfo"
	SectionTokenInfo Section = "tokeninfo"
	SectionToken     Section = "token"
	SectionHeader    Section = "HTTP Request header"
	SectionRequest   Section = "request"
)

// Comparator is a condition operator.
type Comparator string

// Comparators. A leading "!" negates.
const (
	CompareEquals      Comparator = "equals"
	CompareNotEquals   Comparator = "!equals"
	CompareContains    Comparator = "contains"
	CompareNotContains Comparator = "!contains"
	CompareMatches     Comparator = "matches"
	CompareNotMatches  Comparator = "!matches"
	CompareIn          Comparator = "in"
	CompareNotIn       Comparator = "!in"
	CompareLess        Comparator = "<"
	CompareGreater     Comparator = ">"
)

// MissingMode says what a condition evaluates to when its data is absent.
type MissingMode string

// Missing-data modes. The zero value behaves as MissingRaise.
const (
	MissingRaise MissingMode = "raise_error"
	MissingFalse MissingMode = "condition_is_false"
	MissingTrue  MissingMode = "condition_is_true"
)

// Condition restricts a policy by request, user or token data.
type Condition struct {
	Section       Section
	Key           string
	Comparator    Comparator
	Value         string
	Active        bool
	HandleMissing MissingMode
}

// Validate checks the condition definition.
func (c Condition) Validate() error {
	switch c.Section {
	case SectionUserInfo, SectionTokenInfo, SectionToken, SectionHeader, SectionRequest:
	default:
		return fmt.Errorf("unknown section %q", c.Section)
	}
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("empty key")
	}
	switch c.Comparator {
	case CompareEquals, CompareNotEquals, CompareContains, CompareNotContains,
		CompareIn, CompareNotIn, CompareLess, CompareGreater:
	case CompareMatches, CompareNotMatches:
		if _, err := regexp.Compile(c.Value); err != nil {
			return fmt.Errorf("bad pattern: %w", err)
		}
	default:
		return fmt.Errorf("unknown comparator %q", c.Comparator)
	}
	switch c.HandleMissing {
	case "", MissingRaise, MissingFalse, MissingTrue:
	default:
		return fmt.Errorf("unknown missing-data mode %q", c.HandleMissing)
	}
	return nil
}

// DataSource supplies condition data. ok is false when the key is absent.
type DataSource interface {
	Lookup(ctx context.Context, section Section, key string) (value string, ok bool, err error)
}

// ConditionData is the per-request DataSource. UserInfo is called at most
// once and only if a condition reads the userinfo section.
type ConditionData struct {
	UserInfo  func(ctx context.Context) (map[string]string, error)
	TokenInfo map[string]string
	Token     map[string]string
	Headers   map[string]string
	Request   map[string]string

	once     sync.Once
	userInfo map[string]string
	userErr  error
}

// Lookup implements DataSource.
func (d *ConditionData) Lookup(ctx context.Context, section Section, key string) (string, bool, error) {
	if d == nil {
		return "", false, nil
	}
	switch section {
	case SectionUserInfo:
		if d.UserInfo == nil {
			return "", false, nil
		}
		d.once.Do(func() {
			d.userInfo, d.userErr = d.UserInfo(ctx)
		})
		if d.userErr != nil {
			return "", false, d.userErr
		}
		v, ok := d.userInfo[key]
		return v, ok, nil
	case SectionTokenInfo:
		v, ok := d.TokenInfo[key]
		return v, ok, nil
	case SectionToken:
		v, ok := d.Token[key]
		return v, ok, nil
	case SectionHeader:
		for k, v := range d.Headers {
			if strings.EqualFold(k, key) {
				return v, true, nil
			}
		}
		return "", false, nil
	case SectionRequest:
		v, ok := d.Request[key]
		return v, ok, nil
	}
	return "", false, nil
}

// EvaluateCondition evaluates one condition. Inactive conditions are true.
func EvaluateCondition(ctx context.Context, c Condition, data DataSource) (bool, error) {
	if !c.Active {
		return true, nil
	}
	var (
		actual string
		ok     bool
		err    error
	)
	if data != nil {
		actual, ok, err = data.Lookup(ctx, c.Section, c.Key)
		if err != nil {
			return false, err
		}
	}
	if !ok {
		switch c.HandleMissing {
		case MissingFalse:
			return false, nil
		case MissingTrue:
			return true, nil
		default:
			return false, fmt.Errorf("%w: %s/%s", ErrMissingData, c.Section, c.Key)
		}
	}
	return compare(actual, c.Comparator, c.Value)
}

func compare(actual string, cmp Comparator, want string) (bool, error) {
	negate := strings.HasPrefix(string(cmp), "!")
	base := Comparator(strings.TrimPrefix(string(cmp), "!"))

	var res bool
	switch base {
	case CompareEquals:
		res = actual == want
	case CompareContains:
		res = containsItem(actual, want)
	case CompareMatches:
		re, err := regexp.Compile("^(?:" + want + ")$")
		if err != nil {
			return false, fmt.Errorf("%w: pattern %q", ErrInvalidPolicy, want)
		}
		res = re.MatchString(actual)
	case CompareIn:
		res = false
		for _, it := range strings.Split(want, ",") {
			if strings.TrimSpace(it) == actual {
				res = true
				break
			}
		}
	case CompareLess, CompareGreater:
		a, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		w, errW := strconv.ParseFloat(strings.TrimSpace(want), 64)
		if errA != nil || errW != nil {
			return false, fmt.Errorf("%w: %q %s %q is not numeric", ErrInvalidPolicy, actual, cmp, want)
		}
		if base == CompareLess {
			res = a < w
		} else {
			res = a > w
		}
	default:
		return false, fmt.Errorf("%w: comparator %q", ErrInvalidPolicy, cmp)
	}
	if negate {
		return !res, nil
	}
	return res, nil
}

// containsItem treats comma-separated data as a list and anything else as a
// string to search.
func containsItem(actual, want string) bool {
	if strings.Contains(actual, ",") {
		for _, it := range strings.Split(actual, ",") {
			if strings.TrimSpace(it) == want {
				return true
			}
		}
		return false
	}
	return strings.Contains(actual, want)
}
