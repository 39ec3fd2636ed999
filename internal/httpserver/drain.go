package httpserver

import "sync/atomic"

var draining atomic.Bool

// SetDraining flips the health endpoint to 503 so load balancers stop
// routing to a process that is shutting down.
func SetDraining(on bool) { draining.Store(on) }
func IsDraining() bool    { return draining.Load() }
