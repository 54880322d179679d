package client

import (
	"encoding/json"
	"time"
)

// User is the account the current session belongs to.
type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	ProfileImage *string   `json:"profileImage,omitempty"`
}

// UnmarshalJSON accepts either a roles list or a single role string.
func (u *User) UnmarshalJSON(data []byte) error {
	type Alias User
	aux := &struct {
		Role string `json:"role"`
		*Alias
	}{
		Alias: (*Alias)(u),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(u.Roles) == 0 && aux.Role != "" {
		u.Roles = []string{aux.Role}
	}
	if u.Roles == nil {
		u.Roles = []string{}
	}
	return nil
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// BasicUser is the short form returned by the user listing.
type BasicUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Ticket is a support ticket.
type Ticket struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	StatusID   int64     `json:"statusId"`
	PriorityID int64     `json:"priorityId"`
	AssignedTo *int64    `json:"assignedTo,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Priority is one of the configured ticket priorities.
type Priority struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Level       int    `json:"level"`
	Description string `json:"description"`
}

// NewTicket is the payload for creating a ticket.
type NewTicket struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	PriorityID int64  `json:"priorityId"`
}

// Message is a reply posted on a ticket.
type Message struct {
	ID        int64     `json:"id"`
	TicketID  int64     `json:"ticketId"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}
