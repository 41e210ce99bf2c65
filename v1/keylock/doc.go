// Package keylock provides an in-process registry of locks identified by
// arbitrary comparable keys. Each key is an independent mutex whose
// waiters are granted strictly in arrival order. A key occupies memory
// only while it is locked.
//
// A Registry must be shared by every goroutine that needs exclusion on the
// same key space. Two registries never coordinate, so construct one at
// start-up and pass it around.
//
// Every successful Acquire must be paired with exactly one Release,
// including on error paths. WithLock does this for you. State transitions
// can be observed through a syncbus.Bus, Prometheus metrics, OpenTelemetry
// spans and per-key stats. None of these affect locking.
package keylock
