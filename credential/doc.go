// Package credential issues the signed session credential handed out after a
// successful interactive login. The credential carries the subject, realm,
// role, the rights and menus resolved from policy, and an expiry taken from
// the logout time.
package credential
