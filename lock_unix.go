//go:build unix || linux || darwin

// flock(2) implementation for Unix platforms.
// All three methods are called with l.mu held by the exported
// Lock/Unlock/TryLock.
package silo

import "syscall"

func (l *fileLock) lock(mode LockMode) error {
	op := syscall.LOCK_SH
	if mode == LockExclusive {
		op = syscall.LOCK_EX
	}
	// Blocking flock — no LOCK_NB so the call waits for the lock.
	return syscall.Flock(int(l.f.Fd()), op)
}

func (l *fileLock) unlock() error {
	return syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
}

// tryLock is the non-blocking counterpart Store.Open uses so a held
// repo.lock fails immediately (ErrLockConflict) instead of blocking.
func (l *fileLock) tryLock(mode LockMode) error {
	op := syscall.LOCK_SH | syscall.LOCK_NB
	if mode == LockExclusive {
		op = syscall.LOCK_EX | syscall.LOCK_NB
	}
	if err := syscall.Flock(int(l.f.Fd()), op); err != nil {
		if err == syscall.EWOULDBLOCK {
			return ErrLockConflict
		}
		return err
	}
	return nil
}
