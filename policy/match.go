package policy

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"
)

// Context carries the request attributes policies are matched against. A
// zero field is "unknown": policies restricted on it do not match.
type Context struct {
	Realm      string
	Resolver   string
	User       string
	AdminRealm string
	AdminUser  string
	Client     netip.Addr
	Node       string
	UserAgent  string
	Time       time.Time
	Data       DataSource
}

// Filter selects policies from a snapshot.
type Filter struct {
	Scope Scope
	// Action, when set, requires the policy to carry this action.
	Action string
	// ActionOnly matches on scope, action, activity, time and conditions
	// only, ignoring every identity and client restriction. Used for
	// settings that are not tied to a user.
	ActionOnly bool
}

// Set is an ordered list of matched policies: priority ascending, then name.
type Set []*Policy

// Names returns the policy names in order.
func (s Set) Names() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.Name
	}
	return out
}

// Snapshot is an immutable view of the active policies used for one request.
type Snapshot struct {
	policies []*Policy
	scopes   map[Scope]int
}

// NewSnapshot copies the active policies into a snapshot.
func NewSnapshot(policies []*Policy) *Snapshot {
	s := &Snapshot{scopes: map[Scope]int{}}
	for _, p := range policies {
		if p == nil || !p.Active {
			continue
		}
		s.policies = append(s.policies, p.Clone())
		s.scopes[p.Scope]++
	}
	sortSet(s.policies)
	return s
}

// Load reads all active policies from store into a snapshot.
func Load(ctx context.Context, store Store) (*Snapshot, error) {
	policies, err := store.ListActive(ctx, "")
	if err != nil {
		return nil, err
	}
	return NewSnapshot(policies), nil
}

// Len returns the number of active policies.
func (s *Snapshot) Len() int { return len(s.policies) }

// ScopeDefined reports whether any active policy exists in scope.
func (s *Snapshot) ScopeDefined(scope Scope) bool {
	return s.scopes[scope] > 0
}

// Match returns the policies that satisfy f for req, in precedence order.
func (s *Snapshot) Match(ctx context.Context, req Context, f Filter) (Set, error) {
	var out Set
	for _, p := range s.policies {
		if p.Scope != f.Scope {
			continue
		}
		if f.Action != "" && !p.HasAction(f.Action) {
			continue
		}
		if !f.ActionOnly && !matchIdentity(p, req) {
			continue
		}
		if p.Time != "" {
			spec, err := ParseTimeSpec(p.Time)
			if err != nil {
				continue
			}
			when := req.Time
			if when.IsZero() {
				when = time.Now()
			}
			if !spec.Contains(when) {
				continue
			}
		}
		ok, err := conditionsHold(ctx, p, req.Data)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		if !ok {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Allowed reports whether at least one policy in scope carries action for req.
func (s *Snapshot) Allowed(ctx context.Context, req Context, scope Scope, action string) (bool, error) {
	set, err := s.Match(ctx, req, Filter{Scope: scope, Action: action})
	if err != nil {
		return false, err
	}
	return len(set) > 0, nil
}

// ValueGroup is one distinct action value and the policies that set it.
type ValueGroup struct {
	Value    Value
	Priority int
	Policies []string
}

// ActionValues groups the matched policies by their value for action.
//
// Only the best (lowest) priority among policies carrying the action is
// kept when unique is set; if more than one distinct value remains a
// *ConflictError is returned. Without unique every group is returned,
// best priority first.
func (s Set) ActionValues(action string, unique bool) ([]ValueGroup, error) {
	var groups []ValueGroup
	index := map[string]int{}
	best := 0
	for _, p := range s {
		v, ok := p.Action[action]
		if !ok {
			continue
		}
		if best == 0 || p.Priority < best {
			best = p.Priority
		}
		key := v.Kind().String() + ":" + v.String()
		if i, seen := index[key]; seen {
			groups[i].Policies = append(groups[i].Policies, p.Name)
			if p.Priority < groups[i].Priority {
				groups[i].Priority = p.Priority
			}
			continue
		}
		index[key] = len(groups)
		groups = append(groups, ValueGroup{Value: v, Priority: p.Priority, Policies: []string{p.Name}})
	}
	if len(groups) == 0 {
		return nil, nil
	}
	if !unique {
		sort.SliceStable(groups, func(i, j int) bool { return groups[i].Priority < groups[j].Priority })
		return groups, nil
	}

	var top []ValueGroup
	for _, g := range groups {
		var names []string
		for _, name := range g.Policies {
			if s.priorityOf(name) == best {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			top = append(top, ValueGroup{Value: g.Value, Priority: best, Policies: names})
		}
	}
	if len(top) > 1 {
		conflict := &ConflictError{Action: action}
		for _, g := range top {
			conflict.Values = append(conflict.Values, g.Value.String())
			conflict.Policies = append(conflict.Policies, g.Policies...)
		}
		sort.Strings(conflict.Policies)
		return nil, conflict
	}
	return top, nil
}

func (s Set) priorityOf(name string) int {
	for _, p := range s {
		if p.Name == name {
			return p.Priority
		}
	}
	return 0
}

// Value returns the unique value for action. ok is false when no matched
// policy sets it.
func (s Set) Value(action string) (v Value, ok bool, err error) {
	groups, err := s.ActionValues(action, true)
	if err != nil || len(groups) == 0 {
		return Value{}, false, err
	}
	return groups[0].Value, true, nil
}

// Decision is the resolved outcome for one action.
type Decision struct {
	Action  string
	Allowed bool
	// Values maps each contributing policy to the value it set.
	Values map[string]Value
	// Fired lists the contributing policies, in precedence order.
	Fired []string
}

// Resolve turns a matched set into a decision for action. Allowed is
// presence only; values are the unique-resolved winners.
func Resolve(set Set, action string, unique bool) (Decision, error) {
	d := Decision{Action: action, Values: map[string]Value{}}
	groups, err := set.ActionValues(action, unique)
	if err != nil {
		return d, err
	}
	for _, g := range groups {
		for _, name := range g.Policies {
			d.Values[name] = g.Value
			d.Fired = append(d.Fired, name)
		}
	}
	d.Allowed = len(d.Fired) > 0
	return d, nil
}

func matchIdentity(p *Policy, req Context) bool {
	if !matchList(p.Realms, req.Realm, true) ||
		!matchList(p.Resolvers, req.Resolver, true) ||
		!matchList(p.Users, req.User, false) ||
		!matchList(p.PINodes, req.Node, true) ||
		!matchList(p.UserAgents, userAgentProduct(req.UserAgent), true) ||
		!matchClients(p.Clients, req.Client) {
		return false
	}
	if p.Scope == ScopeAdmin {
		if !matchList(p.AdminRealms, req.AdminRealm, true) || !matchList(p.AdminUsers, req.AdminUser, false) {
			return false
		}
	}
	return true
}

func conditionsHold(ctx context.Context, p *Policy, data DataSource) (bool, error) {
	for _, c := range p.Conditions {
		ok, err := EvaluateCondition(ctx, c, data)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func sortSet(ps []*Policy) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority < ps[j].Priority
		}
		return strings.Compare(ps[i].Name, ps[j].Name) < 0
	})
}
