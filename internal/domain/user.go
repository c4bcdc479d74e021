// Package domain contains core domain types for the agent governance client.
package domain

// UserIdentity is the authenticated principal. A nil *UserIdentity means
// the session is unauthenticated.
type UserIdentity struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	IsAdmin         bool   `json:"is_admin"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

// Clone returns a copy safe to hand to other components.
func (u *UserIdentity) Clone() *UserIdentity {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// Trusted reports whether the identity claims to be authenticated.
func (u *UserIdentity) Trusted() bool {
	return u != nil && u.IsAuthenticated && u.Username != ""
}
