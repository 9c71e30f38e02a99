//go:build linux

package checkin

import (
	"golang.org/x/sys/unix"
)

const tangramDataXattr = "user.tangram.data"

// readTangramDataXattr reads the user.tangram.data extended attribute
// (spec §4.5 Phase 2), returning (nil, false, nil) if it is absent.
func readTangramDataXattr(path string) ([]byte, bool, error) {
	size, err := unix.Getxattr(path, tangramDataXattr, nil)
	if err != nil {
		if err == unix.ENODATA || err == unix.ENOTSUP {
			return nil, false, nil
		}
		return nil, false, err
	}
	if size == 0 {
		return []byte{}, true, nil
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(path, tangramDataXattr, buf)
	if err != nil {
		return nil, false, err
	}
	return buf[:n], true, nil
}
