// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions holds the pluggable authentication hook used by the
// membrane HTTP API.
//
// The open source build ships NopAuthProvider, which admits every caller
// as a local admin, and TokenAuthProvider, which checks one shared bearer
// token. Deployments with an identity provider implement AuthProvider.
package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations wrap it with context.
var ErrUnauthorized = errors.New("unauthorized")

// Roles understood by the membrane API.
const (
	// RoleAdmin satisfies every role check.
	RoleAdmin = "admin"

	// RoleOperator may change membrane state, e.g. recalibrate.
	RoleOperator = "operator"

	// RoleViewer may read snapshots and the audit log.
	RoleViewer = "viewer"
)

// AuthInfo is the identity returned after successful authentication.
type AuthInfo struct {
	// UserID is never empty.
	UserID string

	Roles []string
}

// HasRole reports whether the identity holds role. Admins hold every role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role) || slices.Contains(a.Roles, RoleAdmin)
}

// AuthProvider validates tokens and returns the caller's identity.
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate returns ErrUnauthorized (or a wrap of it) for a bad token.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider admits every caller as a local admin.
//
// Thread-safe: no mutable state.
type NopAuthProvider struct{}

// Validate ignores token and returns the local admin.
func (NopAuthProvider) Validate(context.Context, string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{RoleAdmin}}, nil
}

// TokenAuthProvider accepts one shared token and grants it fixed roles.
//
// Thread-safe: immutable after construction.
type TokenAuthProvider struct {
	token []byte
	user  string
	roles []string
}

// NewTokenAuthProvider returns a provider for token. With no roles the
// token holder is an operator.
func NewTokenAuthProvider(token, user string, roles ...string) (*TokenAuthProvider, error) {
	if token == "" {
		return nil, errors.New("token must not be empty")
	}
	if user == "" {
		user = "token-user"
	}
	if len(roles) == 0 {
		roles = []string{RoleOperator, RoleViewer}
	}
	return &TokenAuthProvider{token: []byte(token), user: user, roles: slices.Clone(roles)}, nil
}

// Validate compares token in constant time.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(token), p.token) != 1 {
		return nil, fmt.Errorf("token mismatch: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: p.user, Roles: slices.Clone(p.roles)}, nil
}

var (
	_ AuthProvider = NopAuthProvider{}
	_ AuthProvider = (*TokenAuthProvider)(nil)
)
