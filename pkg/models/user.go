// Package models contains shared data models used across the Tollgate codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ScopeAdmin grants access to the /api/v1/admin route group and lets a caller
// read and cancel jobs owned by other users.
const ScopeAdmin = "admin"

// User is a billable account. Balance is a credit amount; every metered call
// deducts the endpoint's cost from it atomically.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Email     string    `db:"email"      json:"email"`
	Name      string    `db:"name"       json:"name"`
	Balance   float64   `db:"balance"    json:"balance"`
	Scopes    []string  `db:"scopes"     json:"scopes"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasScope reports whether the user carries the given scope.
func (u *User) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user holds the admin scope.
func (u *User) IsAdmin() bool { return u.HasScope(ScopeAdmin) }
