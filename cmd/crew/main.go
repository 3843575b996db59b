// Command crew works a task backlog with parallel AI agents, each in its own
// git worktree and worker process.
package main

func main() {
	Execute()
}
