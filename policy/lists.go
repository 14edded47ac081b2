package policy

import (
	"net/netip"
	"path"
	"strings"
)

// matchList applies the list semantics shared by realms, resolvers, users,
// nodes and user agents. An empty list places no restriction. A negated
// entry ("-x" or "!x") that matches excludes the value outright. Otherwise
// the value must match a positive entry, unless the list holds only
// negations, in which case everything else matches. Entries may use
// shell-style wildcards.
func matchList(list []string, value string, fold bool) bool {
	if len(list) == 0 {
		return true
	}
	if fold {
		value = strings.ToLower(value)
	}

	positives := 0
	matched := false
	for _, raw := range list {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		negated := entry[0] == '-' || entry[0] == '!'
		if negated {
			entry = strings.TrimSpace(entry[1:])
		} else {
			positives++
		}
		if fold {
			entry = strings.ToLower(entry)
		}
		if !globMatch(entry, value) {
			continue
		}
		if negated {
			return false
		}
		matched = true
	}
	if positives == 0 {
		return value != ""
	}
	return matched
}

func globMatch(pattern, value string) bool {
	if pattern == "*" {
		return value != ""
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == value
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// matchClients applies the same semantics to CIDR and address entries.
func matchClients(list []string, addr netip.Addr) bool {
	if len(list) == 0 {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()

	positives := 0
	matched := false
	for _, raw := range list {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		negated := entry[0] == '-' || entry[0] == '!'
		if negated {
			entry = strings.TrimSpace(entry[1:])
		} else {
			positives++
		}
		prefix, err := parseClient(entry)
		if err != nil || !prefix.Contains(addr) {
			continue
		}
		if negated {
			return false
		}
		matched = true
	}
	if positives == 0 {
		return true
	}
	return matched
}

// userAgentProduct reduces "privacyIDEA-LDAP-Proxy/1.2 (x)" to its product token.
func userAgentProduct(ua string) string {
	ua = strings.TrimSpace(ua)
	if i := strings.IndexAny(ua, "/ "); i >= 0 {
		ua = ua[:i]
	}
	return ua
}
