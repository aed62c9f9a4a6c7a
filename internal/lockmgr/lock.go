// Package lockmgr implements the cross-process exclusive lock that
// serializes all mutating operations and compaction: an OS-level exclusive
// lock on a stable file path, with the holder's PID written into the file
// so a waiter can detect and break a lock left by a crashed process.
package lockmgr

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout is the default deadline for a blocking Acquire.
const DefaultTimeout = 30 * time.Second

// spinInterval is how long Acquire sleeps between trylock attempts while
// the current holder is still alive.
const spinInterval = 10 * time.Millisecond

// ErrLockTimeout reports that Acquire's deadline elapsed while the lock was
// held by a live process.
var ErrLockTimeout = errors.New("lockmgr: lock timeout")

// ErrLockFailed reports that the lock file itself could not be created or
// manipulated (permissions, disk full, and similar fatal conditions).
var ErrLockFailed = errors.New("lockmgr: lock failed")

// Metrics records what an acquisition or release observed, for the
// transaction log and any diagnostics surfaced to the CLI.
type Metrics struct {
	WaitTime    time.Duration
	Contended   bool
	StaleBreaks int
	HoldTime    time.Duration
}

// Manager guards a single lock file path.
type Manager struct {
	path string
}

// New returns a Manager for the lock file at path.
func New(path string) *Manager {
	return &Manager{path: path}
}

// Handle is a held lock. Release must be called exactly once.
type Handle struct {
	manager   *Manager
	file      *os.File
	acquired  time.Time
}

// Acquire blocks until the lock is obtained or timeout elapses. It breaks a
// lock held by a dead process automatically (the kernel already released
// the underlying OS lock when that process exited; this call just waits
// for that to happen and counts it as a stale-break).
func (m *Manager) Acquire(timeout time.Duration) (*Handle, Metrics, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()
	deadline := start.Add(timeout)

	var metrics Metrics

	file, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, metrics, fmt.Errorf("%w: open %q: %w", ErrLockFailed, m.path, err)
	}

	sawDeadHolder := false

	for {
		ok, lockErr := tryLockFile(file)
		if lockErr != nil {
			_ = file.Close()

			return nil, metrics, fmt.Errorf("%w: %w", ErrLockFailed, lockErr)
		}

		if ok {
			same, statErr := sameFile(file, m.path)
			if statErr != nil {
				_ = unlockFile(file)
				_ = file.Close()

				return nil, metrics, fmt.Errorf("%w: stat %q: %w", ErrLockFailed, m.path, statErr)
			}

			if !same {
				// A concurrent process deleted and recreated the lock file
				// while we waited: our fd now names an orphaned inode, not
				// the path a future Acquire will open. Reopen and retry
				// rather than hand back a lock on the wrong file.
				_ = unlockFile(file)
				_ = file.Close()

				file, err = os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0o644)
				if err != nil {
					return nil, metrics, fmt.Errorf("%w: reopen %q: %w", ErrLockFailed, m.path, err)
				}

				continue
			}

			metrics.WaitTime = time.Since(start)

			// A crashed holder's OS lock is already gone by the time we get
			// here, so the first trylock can succeed outright; the PID it
			// left behind is what marks the acquisition as a stale-break.
			if sawDeadHolder || !holderIsAlive(file) {
				metrics.StaleBreaks = 1
			}

			err := writeOwnPID(file)
			if err != nil {
				_ = unlockFile(file)
				_ = file.Close()

				return nil, metrics, fmt.Errorf("%w: write pid: %w", ErrLockFailed, err)
			}

			return &Handle{manager: m, file: file, acquired: time.Now()}, metrics, nil
		}

		metrics.Contended = true

		if time.Now().After(deadline) {
			_ = file.Close()

			return nil, metrics, fmt.Errorf("%w: %q", ErrLockTimeout, m.path)
		}

		alive := holderIsAlive(file)
		if !alive {
			sawDeadHolder = true
			// Don't sleep: the holder's process has exited and the kernel
			// has already released its lock, so the next trylock attempt
			// should succeed immediately.
			continue
		}

		time.Sleep(spinInterval)
	}
}

// TryAcquire attempts a single non-blocking acquisition.
func (m *Manager) TryAcquire() (*Handle, Metrics, error) {
	var metrics Metrics

	file, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, metrics, fmt.Errorf("%w: open %q: %w", ErrLockFailed, m.path, err)
	}

	ok, lockErr := tryLockFile(file)
	if lockErr != nil {
		_ = file.Close()

		return nil, metrics, fmt.Errorf("%w: %w", ErrLockFailed, lockErr)
	}

	if !ok {
		_ = file.Close()

		return nil, metrics, fmt.Errorf("%w: %q held", ErrLockFailed, m.path)
	}

	same, statErr := sameFile(file, m.path)
	if statErr != nil {
		_ = unlockFile(file)
		_ = file.Close()

		return nil, metrics, fmt.Errorf("%w: stat %q: %w", ErrLockFailed, m.path, statErr)
	}

	if !same {
		_ = unlockFile(file)
		_ = file.Close()

		return nil, metrics, fmt.Errorf("%w: %q replaced during acquisition", ErrLockFailed, m.path)
	}

	err = writeOwnPID(file)
	if err != nil {
		_ = unlockFile(file)
		_ = file.Close()

		return nil, metrics, fmt.Errorf("%w: write pid: %w", ErrLockFailed, err)
	}

	return &Handle{manager: m, file: file, acquired: time.Now()}, metrics, nil
}

// TryAcquireBreakingStale attempts a single acquisition, but if the lock is
// currently held by a dead process it retries once immediately rather than
// failing outright (the same race TryAcquire alone would otherwise lose if
// it samples the lock state a moment before the kernel releases it).
func (m *Manager) TryAcquireBreakingStale() (*Handle, Metrics, error) {
	handle, metrics, err := m.TryAcquire()
	if err == nil {
		return handle, metrics, nil
	}

	if !errors.Is(err, ErrLockFailed) {
		return nil, metrics, err
	}

	file, openErr := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0o644)
	if openErr != nil {
		return nil, metrics, fmt.Errorf("%w: open %q: %w", ErrLockFailed, m.path, openErr)
	}
	defer func() { _ = file.Close() }()

	if holderIsAlive(file) {
		return nil, metrics, err
	}

	metrics.StaleBreaks = 1

	return m.TryAcquire()
}

// Release unlocks the file and closes its handle. HoldTime is recorded on
// the returned metrics.
func (h *Handle) Release() Metrics {
	metrics := Metrics{HoldTime: time.Since(h.acquired)}

	_ = unlockFile(h.file)
	_ = h.file.Close()

	return metrics
}

// sameFile reports whether the open handle still names the file currently
// at path, guarding against a concurrent process deleting and recreating
// the lock file while we waited on it: os.SameFile compares the device and
// file-serial-number pair the kernel hands back (the inode, on POSIX),
// which is exactly what changes across a delete+recreate even though the
// path string does not.
func sameFile(file *os.File, path string) (bool, error) {
	onDisk, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat: %w", err)
	}

	held, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("fstat: %w", err)
	}

	return os.SameFile(held, onDisk), nil
}

// writeOwnPID writes the calling process's decimal PID at offset 0 and
// truncates any trailing bytes, then fsyncs best-effort.
func writeOwnPID(file *os.File) error {
	_, err := file.Seek(0, 0)
	if err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	body := strconv.Itoa(os.Getpid())

	_, err = file.Write([]byte(body))
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	err = file.Truncate(int64(len(body)))
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	_ = file.Sync()

	return nil
}

// readHolderPID reads the lock file's payload and parses it as a PID.
// Returns ok=false for an empty or unparsable payload ("unknown alive").
func readHolderPID(file *os.File) (int, bool) {
	_, err := file.Seek(0, 0)
	if err != nil {
		return 0, false
	}

	buf := make([]byte, 64)

	n, _ := file.Read(buf)

	text := strings.TrimSpace(string(buf[:n]))
	if text == "" {
		return 0, false
	}

	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, false
	}

	return pid, true
}

// holderIsAlive reports whether the process named in the lock file's
// payload still exists. An unresolvable PID (empty or unparsable) is
// treated as "unknown alive": no break is attempted.
func holderIsAlive(file *os.File) bool {
	pid, ok := readHolderPID(file)
	if !ok {
		return true
	}

	return processAlive(pid)
}
