//go:build !windows

package discovery

import (
	"fmt"
	"syscall"
)

// Kill sends SIGTERM to a discovered master/worker process, for
// `snapfuzz kill`.
func Kill(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("discovery: killing pid %d: %w", pid, err)
	}
	return nil
}
