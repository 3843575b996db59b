//go:build windows

package procgroup

import (
	"os"
	"os/exec"
	"time"
)

// Configure is a no-op on Windows.
func Configure(cmd *exec.Cmd) {}

// Terminate kills the process. Descendants are not tracked on Windows.
func Terminate(pid int, _ time.Duration) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
