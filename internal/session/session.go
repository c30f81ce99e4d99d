// Package session maps session identifiers to execution engines and owns
// their lifecycle: creation, exclusive leasing, idle eviction, destroy.
package session

import "time"

// Status describes where a session is in its lifecycle.
type Status string

const (
	// StatusActive sessions accept execute calls.
	StatusActive Status = "active"
	// StatusExpired sessions were invalidated by a forced timeout
	// termination. They reject execute but may still serve file downloads
	// until the sweep or an explicit destroy reclaims them.
	StatusExpired Status = "expired"
)

// Session is a caller-visible snapshot of one session's bookkeeping state.
// A session owns exactly one engine for its whole lifetime and is destroyed
// exactly once, by explicit request or by idle eviction.
type Session struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}
