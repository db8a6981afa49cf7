package pool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mountOverlay layers a volatile, writable overlay on top of a read-only
// template root, so container writes never touch the template on disk
// and are discarded wholesale on teardown (spec.md §4.1 step 2).
func mountOverlay(lower, upper, work, merged string) error {
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	if err := unix.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mount overlay at %s: %w", merged, err)
	}
	return nil
}

// unmountOverlay is idempotent: unmounting an already-unmounted or
// missing target is not an error worth failing teardown over.
func unmountOverlay(merged string) error {
	if err := unix.Unmount(merged, unix.MNT_DETACH); err != nil {
		if err == unix.EINVAL || err == unix.ENOENT {
			return nil
		}
		return fmt.Errorf("unmount overlay at %s: %w", merged, err)
	}
	return nil
}
