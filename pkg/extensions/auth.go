// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned when authentication fails.
// Implementations should wrap this error with additional context.
//
// Example:
//
//	if !validToken {
//	    return nil, fmt.Errorf("unknown token: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after authentication.
//
// An empty UserID means the provider does not establish identity; callers
// then take the user from the request itself. Token is the credential the
// request presented and is forwarded to the message store unchanged.
type AuthInfo struct {
	// UserID is the authenticated user, or empty when the provider does not
	// authenticate.
	UserID string

	// Token is the bearer token the request carried. May be empty.
	Token string

	// Roles contains the user's role memberships.
	Roles []string
}

// Authenticated reports whether the provider established an identity.
func (a *AuthInfo) Authenticated() bool {
	return a != nil && a.UserID != ""
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Open Source Behavior
//
// The default NopAuthProvider accepts every request and establishes no
// identity. StaticTokenAuthProvider maps a fixed set of tokens to users.
type AuthProvider interface {
	// Validate checks the token and returns the caller's identity.
	//
	// Returns ErrUnauthorized (or wrapped) if the token is invalid; other
	// errors indicate provider failures.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider is the default authentication provider.
//
// It accepts any token, including none, and returns an AuthInfo with no
// UserID so the request body's userId is trusted.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always succeeds and passes the token through.
func (p *NopAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	return &AuthInfo{Token: token}, nil
}

// StaticTokenAuthProvider authenticates against a fixed token table.
//
// # Description
//
// Each configured token maps to exactly one user. Lookups compare every
// configured token in constant time.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type StaticTokenAuthProvider struct {
	tokens []staticToken
}

type staticToken struct {
	token  []byte
	userID string
}

// NewStaticTokenAuthProvider parses a table of the form
// "token1:user1,token2:user2".
//
// # Inputs
//
//   - table: Comma-separated token:user pairs. Whitespace around entries
//     is ignored.
//
// # Outputs
//
//   - *StaticTokenAuthProvider: Ready for use.
//   - error: Non-nil if the table is empty or an entry is malformed.
//
// # Examples
//
//	p, err := NewStaticTokenAuthProvider("s3cret:alice,0ther:bob")
func NewStaticTokenAuthProvider(table string) (*StaticTokenAuthProvider, error) {
	p := &StaticTokenAuthProvider{}
	seen := make(map[string]bool)
	for _, entry := range strings.Split(table, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, user, ok := strings.Cut(entry, ":")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("malformed auth token entry %q: want token:user", redact(entry))
		}
		if seen[token] {
			return nil, fmt.Errorf("duplicate auth token for user %q", user)
		}
		seen[token] = true
		p.tokens = append(p.tokens, staticToken{token: []byte(token), userID: user})
	}
	if len(p.tokens) == 0 {
		return nil, errors.New("auth token table is empty")
	}
	return p, nil
}

// Validate returns the user the token maps to.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	presented := []byte(token)
	userID := ""
	for _, t := range p.tokens {
		if subtle.ConstantTimeCompare(presented, t.token) == 1 {
			userID = t.userID
		}
	}
	if userID == "" {
		return nil, fmt.Errorf("unknown bearer token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: userID, Token: token}, nil
}

// redact keeps the user half of a token:user entry.
func redact(entry string) string {
	if _, user, ok := strings.Cut(entry, ":"); ok {
		return "***:" + user
	}
	return "***"
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
)
