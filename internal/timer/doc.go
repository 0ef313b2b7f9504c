// Package timer implements a single-threaded cooperative timer registry.
//
// A Registry holds one-shot and repeating entries keyed by ID and fires the
// due ones when the host calls RunPending. Nothing runs on its own: a Loop
// (or any other driver) decides when a pass happens and what "now" is.
//
// Registry is not safe for concurrent use. Hosts with more than one
// goroutine route every mutation through Loop.Do.
package timer
