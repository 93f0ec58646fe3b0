package registry

import "time"

// State is the lifecycle position of a transfer entry.
type State string

const (
	StateActive   State = "ACTIVE"
	StateConsumed State = "CONSUMED"
	StateExpired  State = "EXPIRED"
)

// Metadata describes a stored blob before it has been given a code.
type Metadata struct {
	OriginalName string
	ContentType  string
	SizeBytes    int64
	Handle       string
}

// Entry is one successfully stored upload. Entries handed out by the registry are copies;
// only the registry's index holds the authoritative ACTIVE entry.
type Entry struct {
	Code         string
	OriginalName string
	ContentType  string
	SizeBytes    int64
	Handle       string
	CreatedAt    time.Time
	State        State
}

// Age is how long the entry has existed at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Expired reports whether the entry outlived ttl at now. An entry exactly ttl old is still live.
func (e Entry) Expired(now time.Time, ttl time.Duration) bool {
	return e.Age(now) > ttl
}

// Candidate is the part of an entry the reaper needs to decide on expiry.
type Candidate struct {
	Code      string
	CreatedAt time.Time
}
