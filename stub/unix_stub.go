//go:build !windows
// +build !windows

// Package stub isolates the one piece of this updater that differs by
// OS: telling a raw flash device node apart from a regular file before
// the programmer facade decides how to open it for writing. Adapted
// from the teacher's stub package, which used the same unix/windows
// build-tag split (there, for cpio device-node creation via
// unix.Mknod/Major/Minor).
package stub

import (
	"os"

	"golang.org/x/sys/unix"
)

// IsBlockDevice reports whether path names a block or character device
// node rather than a regular file, the same distinction the programmer
// facade (component H) needs to decide between buffered file I/O and a
// raw device write.
func IsBlockDevice(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK || st.Mode&unix.S_IFMT == unix.S_IFCHR
}

// Sync flushes f's data to stable storage, used after a raw device write
// before the programmer facade reports success.
func Sync(f *os.File) error {
	return f.Sync()
}
