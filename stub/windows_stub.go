//go:build windows

package stub

import "os"

// IsBlockDevice always reports false on Windows: the programmer facade
// falls back to buffered file I/O for every path.
func IsBlockDevice(path string) bool {
	return false
}

// Sync flushes f's data to stable storage.
func Sync(f *os.File) error {
	return f.Sync()
}
