package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// RateLimitKey scopes a fixed-window counter to a caller identity.
func RateLimitKey(identity string) string {
	return fmt.Sprintf("ratelimit:%s", identity)
}
