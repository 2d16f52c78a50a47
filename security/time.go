package security

import "time"

// IsExpired reports whether the deadline has passed. The boundary instant
// itself counts as expired, so a code checked at exactly its expiry time is
// rejected. A zero deadline means no expiry.
func IsExpired(expiresAt time.Time, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}
