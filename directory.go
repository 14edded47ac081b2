package goMFA

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
)

// DirectoryUser is a user resolved by a Directory. Tokens reference users
// by Login, Realm and Resolver.
type DirectoryUser struct {
	Login    string
	Realm    string
	Resolver string
	UID      string
}

// Directory is the read-only user store. Resolve reports ok=false for an
// unknown login. Attributes feeds the userinfo section of policy
// conditions and is only called when a condition reads it.
type Directory interface {
	Resolve(ctx context.Context, login, realm string) (DirectoryUser, bool, error)
	Attributes(ctx context.Context, user DirectoryUser) (map[string]string, error)
	CheckPassword(ctx context.Context, user DirectoryUser, password string) (bool, error)
}

// StaticDirectory is an in-memory Directory for tests and small setups.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]staticUser
}

type staticUser struct {
	user       DirectoryUser
	password   string
	attributes map[string]string
}

// NewStaticDirectory returns an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{users: map[string]staticUser{}}
}

// Add registers user with a password and attributes.
func (d *StaticDirectory) Add(user DirectoryUser, password string, attributes map[string]string) {
	if user.UID == "" {
		user.UID = user.Login
	}
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	d.mu.Lock()
	d.users[directoryKey(user.Login, user.Realm)] = staticUser{user: user, password: password, attributes: attrs}
	d.mu.Unlock()
}

func (d *StaticDirectory) Resolve(_ context.Context, login, realm string) (DirectoryUser, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[directoryKey(login, realm)]
	return u.user, ok, nil
}

func (d *StaticDirectory) Attributes(_ context.Context, user DirectoryUser) (map[string]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[directoryKey(user.Login, user.Realm)]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := make(map[string]string, len(u.attributes))
	for k, v := range u.attributes {
		out[k] = v
	}
	return out, nil
}

func (d *StaticDirectory) CheckPassword(_ context.Context, user DirectoryUser, password string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[directoryKey(user.Login, user.Realm)]
	if !ok || u.password == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(u.password), []byte(password)) == 1, nil
}

func directoryKey(login, realm string) string {
	return strings.ToLower(realm) + "\x00" + login
}
