//go:build windows

package lockmgr

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// lockRangeBytes is how much of the file LockFileEx claims; one byte is
// enough to serialize holders since the whole file is otherwise unused.
const lockRangeBytes = 1

// tryLockFile attempts a non-blocking exclusive byte-range lock.
func tryLockFile(file *os.File) (bool, error) {
	handle := windows.Handle(file.Fd())

	overlapped := new(windows.Overlapped)

	err := windows.LockFileEx(
		handle,
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		lockRangeBytes,
		0,
		overlapped,
	)
	if err == nil {
		return true, nil
	}

	if err == windows.ERROR_LOCK_VIOLATION || err == windows.ERROR_IO_PENDING {
		return false, nil
	}

	return false, fmt.Errorf("lockfileex: %w", err)
}

func unlockFile(file *os.File) error {
	handle := windows.Handle(file.Fd())
	overlapped := new(windows.Overlapped)

	err := windows.UnlockFileEx(handle, 0, lockRangeBytes, 0, overlapped)
	if err != nil {
		return fmt.Errorf("unlockfileex: %w", err)
	}

	return nil
}

// processAlive probes liveness by opening the process with the least
// privilege needed to query its exit code; STILL_ACTIVE means alive.
func processAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(handle) }()

	var exitCode uint32

	err = windows.GetExitCodeProcess(handle, &exitCode)
	if err != nil {
		return false
	}

	return exitCode == 259 // STILL_ACTIVE
}
