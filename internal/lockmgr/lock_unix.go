//go:build unix

package lockmgr

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// tryLockFile attempts a non-blocking exclusive flock. ok=false (no error)
// means the lock is currently held by another process.
func tryLockFile(file *os.File) (bool, error) {
	err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
		return false, nil
	}

	return false, fmt.Errorf("flock: %w", err)
}

func unlockFile(file *os.File) error {
	err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	if err != nil {
		return fmt.Errorf("funlock: %w", err)
	}

	return nil
}

// processAlive probes liveness with a signal-0 kill: ESRCH means the
// process does not exist; EPERM means it exists but we lack permission to
// signal it (still alive, from our point of view); nil means alive.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}

	return errors.Is(err, unix.EPERM)
}
