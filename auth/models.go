package auth

import "time"

type Role string

const (
	RoleParty         Role = "party"
	RoleAdministrator Role = "administrator"
)

// Principal is a registered caller identity. It mirrors the principals table.
type Principal struct {
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Principal string `json:"principal"`
	Password  string `json:"password"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Principal string `json:"principal"`
	Password  string `json:"password"`
}
