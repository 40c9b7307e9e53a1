package ratelimit

import "time"

// Clock abstracts time for the limiter and for the periodic background
// tasks (nonce sweeping, STUN rechecks) so tests can drive time
// explicitly.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
