package helpers

import (
	"github.com/google/uuid"
)

// GenerateUUID returns a new random UUID string.
func GenerateUUID() string {
	return uuid.New().String()
}

// ShortID returns the first block of a UUID, handy for tagging log lines.
func ShortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
