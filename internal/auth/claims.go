package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// DeviceID distinguishes sessions when one user signs in from more than one
// device; the newest device wins the live transport connection.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	TokenType TokenType `json:"token_type"`
}
