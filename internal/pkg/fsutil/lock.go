package fsutil

import (
	"fmt"
	"os"
	"time"
)

const (
	LockRetryInterval  = 50 * time.Millisecond
	LockAcquireTimeout = 5 * time.Second
	LockStaleAfter     = 30 * time.Second
)

// AcquireLock creates lockPath exclusively and returns a release func.
// A lock file older than staleAfter is considered abandoned and removed.
func AcquireLock(lockPath string, timeout, staleAfter time.Duration) (func(), error) {
	start := time.Now()
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		if staleAfter > 0 {
			if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleAfter {
				_ = os.Remove(lockPath)
				continue
			}
		}
		if timeout > 0 && time.Since(start) > timeout {
			return nil, fmt.Errorf("lock %s: timeout after %s", lockPath, timeout)
		}
		time.Sleep(LockRetryInterval)
	}
}

// WithLock runs fn while holding path+".lock".
func WithLock(path string, fn func() error) error {
	unlock, err := AcquireLock(path+".lock", LockAcquireTimeout, LockStaleAfter)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
