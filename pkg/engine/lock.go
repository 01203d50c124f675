package engine

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/tidewater-os/abctl/pkg/errors"
)

// acquireLock takes an advisory flock on the lock file. The lock only
// prevents wasted duplicate work; correctness never depends on it, the
// boot environment itself serializes slot state.
func acquireLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.EW(errors.KindIO, err, "opening lock file "+path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.EW(errors.KindLocked, err, "another invocation holds "+path)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
