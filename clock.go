package authcore

import "time"

// Clock abstracts wall-clock reads so expiry and lockout math are testable
// without sleeping. Every now() in the engine and its collaborators goes
// through this interface.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real-time [Clock] used by default.
func SystemClock() Clock { return systemClock{} }
