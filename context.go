package goMFA

import (
	"context"
	"net/netip"
	"strings"
)

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type nodeContextKey struct{}
type adminContextKey struct{}
type headersContextKey struct{}

// Admin identifies the administrator performing a request in the admin
// scope.
type Admin struct {
	User  string
	Realm string
}

// WithClientIP attaches the caller's IP address to ctx. Policies restricted
// by client network match against it and audit events record it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx for user_agents
// policy restrictions.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithNode names the server node handling the request for pinode policy
// restrictions.
func WithNode(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, nodeContextKey{}, node)
}

// WithAdmin marks the request as an administrative one. Token management
// calls then check the admin scope instead of the user scope.
func WithAdmin(ctx context.Context, admin Admin) context.Context {
	return context.WithValue(ctx, adminContextKey{}, admin)
}

// WithHeaders attaches request headers for policy conditions on the
// HTTP Request headers section.
func WithHeaders(ctx context.Context, headers map[string]string) context.Context {
	return context.WithValue(ctx, headersContextKey{}, headers)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func clientAddrFromContext(ctx context.Context) netip.Addr {
	raw := strings.TrimSpace(clientIPFromContext(ctx))
	if raw == "" {
		return netip.Addr{}
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		if ap, perr := netip.ParseAddrPort(raw); perr == nil {
			return ap.Addr().Unmap()
		}
		return netip.Addr{}
	}
	return addr.Unmap()
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

func nodeFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	node, _ := ctx.Value(nodeContextKey{}).(string)
	return node
}

func adminFromContext(ctx context.Context) (Admin, bool) {
	if ctx == nil {
		return Admin{}, false
	}
	admin, ok := ctx.Value(adminContextKey{}).(Admin)
	return admin, ok && admin.User != ""
}

func headersFromContext(ctx context.Context) map[string]string {
	if ctx == nil {
		return nil
	}
	headers, _ := ctx.Value(headersContextKey{}).(map[string]string)
	return headers
}
