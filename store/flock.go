package store

import (
	"os"
	"syscall"
)

// Advisory whole-file locks via flock(2): shared for reads, exclusive
// for writes. The lock is taken on the same handle used for I/O and
// released before the handle is closed, so concurrent scripts reading
// the same JSON files never observe partial writes.

func lockShared(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_SH)
}

func lockExclusive(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}

func unlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
