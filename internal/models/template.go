package models

import "time"

// Template is a user-authored message template. Body and subject are
// validated by the sandbox before every create or update.
type Template struct {
	ID          string      `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	Subject     string      `json:"subject" db:"subject"`
	Body        string      `json:"body" db:"body"`
	ChannelType ChannelType `json:"channelType" db:"channel_type"`
	Variables   []string    `json:"variables" db:"variables"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time   `json:"updatedAt" db:"updated_at"`
}
