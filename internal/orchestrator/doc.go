// Package orchestrator runs a bounded pool of worker processes against the
// task backlog.
//
// An Orchestrator resolves the scope of a run, checks that git (and,
// optionally, gh) are usable, then spawns up to Config.MaxAgents workers
// through an AgentPool. Each worker is a separate process in its own
// process group that claims tasks from the shared backlog until none are
// left. The pool decodes the workers' JSON-line protocol, watches their
// heartbeats and kills stale ones; the orchestrator returns tasks held by
// dead agents to the backlog and applies the worktree cleanup policy once
// the pool has drained.
//
// Lifecycle events are delivered to Observers synchronously and, through
// an EventEmitter, on a buffered channel.
package orchestrator
