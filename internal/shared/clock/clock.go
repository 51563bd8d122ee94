package clock

import "time"

// Clock abstracts time so bid timestamps and completion stamps can be pinned in tests.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by the system clock, always in UTC.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// Mock is a Clock that always returns a fixed time.
type Mock struct {
	T time.Time
}

// Now returns the fixed time.
func (m Mock) Now() time.Time { return m.T }
