package models

import "time"

// Identity is the authenticated caller attached to a request or connection.
// Issued by the external identity service; gigchat only reads it.
type Identity struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Profile converts the identity's display fields to a Profile.
func (i *Identity) Profile() Profile {
	return Profile{
		ID:     i.UserID,
		Name:   i.Name,
		Avatar: i.Avatar,
	}
}

// Profile is the display information cached for a user id
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}
