package shared

import "github.com/google/uuid"

// NewConnID generates the per-connection id used to follow one accepted
// hook connection through the logs.
func NewConnID() string {
	return uuid.NewString()
}
