package model

import "time"

// Role is a user's permission level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleEditor || r == RoleViewer
}

// User is a credential-free view of a stored user document. Password
// material never leaves the auth subsystem.
type User struct {
	ID        string
	Username  string
	Role      Role
	LastLogin time.Time
}

// LoginResult is the outcome of a login attempt. Failed attempts carry a
// Reason and are not errors: they are a routine outcome of bad credentials.
type LoginResult struct {
	Success  bool
	Reason   string
	UserID   string
	Username string
	Role     Role
	Token    string
}

// SessionValidation is the outcome of validating a bearer token. Invalid
// sessions carry a Reason and are not errors.
type SessionValidation struct {
	Valid    bool
	Reason   string
	UserID   string
	Username string
	Role     Role
}
