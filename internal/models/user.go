package models

import "time"

// User is the slim account record backing identity resolution and primary
// credential verification. Profile and tenant CRUD live outside this service.
type User struct {
	ID           string
	TenantID     string
	Email        string
	PasswordHash string
	Role         string // "user", "admin"
	Status       string // "active", "suspended", "disabled"
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
