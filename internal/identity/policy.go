package identity

import "time"

const (
	// DefaultMaxPasswordAge is how long a password stays valid after its
	// last change.
	DefaultMaxPasswordAge = 100 * 24 * time.Hour
	// DefaultReuseWindow is how many of the most recent historical hashes a
	// new password is checked against.
	DefaultReuseWindow = 3
)

// Decision is the outcome of a policy check.
type Decision int

const (
	DecisionAllowed Decision = iota
	DecisionExpired
	DecisionReused
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionExpired:
		return "expired"
	case DecisionReused:
		return "reused"
	default:
		return "unknown"
	}
}

// Policy evaluates password rotation rules against a user's history. It is a
// pure decision component: it never touches the store and has no side
// effects. History slices must be ordered newest first, which is the order
// PasswordHistoryStore.HistoryFor guarantees.
type Policy struct {
	MaxPasswordAge time.Duration
	ReuseWindow    int
}

// DefaultPolicy returns the rotation policy used in production deployments.
func DefaultPolicy() Policy {
	return Policy{
		MaxPasswordAge: DefaultMaxPasswordAge,
		ReuseWindow:    DefaultReuseWindow,
	}
}

// CheckExpiry reports whether the password is past its maximum age at the
// given instant. A user with no history has never rotated a password and is
// exempt (first-time and seed accounts). The boundary is exclusive: a
// password changed exactly MaxPasswordAge ago is still allowed.
func (p Policy) CheckExpiry(history []PasswordHistoryEntry, now time.Time) Decision {
	if len(history) == 0 {
		return DecisionAllowed
	}
	lastChanged := history[0].ChangedAt
	if now.Sub(lastChanged) > p.MaxPasswordAge {
		return DecisionExpired
	}
	return DecisionAllowed
}

// CheckReuse tests a candidate new password against the ReuseWindow most
// recent historical hashes. The window starts at the newest entry; it does
// not skip it.
func (p Policy) CheckReuse(history []PasswordHistoryEntry, candidate string) Decision {
	window := history
	if p.ReuseWindow >= 0 && len(window) > p.ReuseWindow {
		window = window[:p.ReuseWindow]
	}
	for _, entry := range window {
		if VerifyPassword(entry.PasswordHash, candidate) {
			return DecisionReused
		}
	}
	return DecisionAllowed
}
