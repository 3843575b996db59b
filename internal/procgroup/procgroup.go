// Package procgroup starts subprocesses as independently killable process
// groups and terminates whole trees with one call.
package procgroup

import "time"

// pollInterval is how often Terminate checks whether the group has exited during the grace period.
const pollInterval = 50 * time.Millisecond

// Killer terminates a process tree. The pool depends on this rather than on
// the platform functions so tests can observe kills without real processes.
type Killer interface {
	Terminate(pid int, grace time.Duration) error
}

// KillerFunc adapts a function to Killer.
type KillerFunc func(pid int, grace time.Duration) error

// Terminate calls f.
func (f KillerFunc) Terminate(pid int, grace time.Duration) error {
	return f(pid, grace)
}

// Default is the platform implementation.
var Default Killer = KillerFunc(Terminate)
