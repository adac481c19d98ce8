//go:build !(linux || darwin || freebsd)

package file

import "errors"

var errFreeSpaceUnsupported = errors.New("free space check unsupported on this platform")

func freeSpace(dir string) (uint64, error) {
	return 0, errFreeSpaceUnsupported
}
