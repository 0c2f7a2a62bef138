package graph

import "github.com/google/uuid"

// NewThreadID returns a fresh random thread identifier.
func NewThreadID() string {
	return uuid.NewString()
}
