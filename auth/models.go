package auth

import "time"

// User is the domain representation of an account holder. It mirrors the
// users table and carries no JSON annotations so it can be reused by
// different presentation layers. The balance is never written through this
// package; only escrow transitions move money.
type User struct {
	ID           string
	Email        string
	FullName     string
	Phone        *string
	PasswordHash string
	Balance      float64
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone_number"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
