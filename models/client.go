package models

import (
	"time"

	"github.com/google/uuid"
)

// Client is the organisation projects are delivered for.
type Client struct {
	Versioned
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	ContactEmail string    `json:"contact_email"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

func (c *Client) GetID() uuid.UUID { return c.ID }
