package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// FileStatusKey scopes the status mirror by owner so one tenant can never
// read another's entry by guessing a file id.
func FileStatusKey(ownerID, fileID uuid.UUID) string {
	return fmt.Sprintf("file:status:%s:%s", ownerID, fileID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
