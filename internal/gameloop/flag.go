package gameloop

import "sync/atomic"

// ShutdownFlag is the one piece of state shared between the simulation
// goroutine and signal handling. The zero value is an unset flag.
type ShutdownFlag struct {
	set atomic.Bool
}

// Set raises the flag. Safe to call from any goroutine, any number of times.
func (f *ShutdownFlag) Set() {
	f.set.Store(true)
}

// IsSet reports whether the flag has been raised.
func (f *ShutdownFlag) IsSet() bool {
	return f.set.Load()
}
