// Package domain contains entity without logic, just meta-data
package domain

// UserID is the stable identity returned by the identity service.
type UserID string

// Identity is the authenticated party behind a connection.
type Identity struct {
	ID    UserID `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
