package archive

import "bytes"

// compressionFormat identifies the compression wrapping an archive member.
// Grounded on the teacher's CheckFmt/Fmt2Name/Name2Fmt trio (format.go),
// trimmed to the formats an updater archive shellball actually carries.
type compressionFormat int

const (
	FormatUnknown compressionFormat = iota
	FormatRaw
	FormatGzip
	FormatXZ
	FormatLZMA
	FormatBzip2
	FormatLZ4
)

const (
	gzip1Magic = "\x1f\x8b"
	gzip2Magic = "\x1f\x9e"
	xzMagic    = "\xfd7zXZ"
	bzipMagic  = "BZh"
	lz4Magic1  = "\x03\x21\x4c\x18"
	lz4Magic2  = "\x04\x22\x4d\x18"
)

func checkedMatch(p string, buf []byte) bool {
	return len(buf) >= len(p) && bytes.Equal([]byte(p), buf[:len(p)])
}

// detectFormat sniffs the compression format of buf the same way the
// teacher's CheckFmt does: a fixed sequence of magic-byte comparisons,
// most specific first.
func detectFormat(buf []byte) compressionFormat {
	switch {
	case checkedMatch(gzip1Magic, buf), checkedMatch(gzip2Magic, buf):
		return FormatGzip
	case checkedMatch(xzMagic, buf):
		return FormatXZ
	case len(buf) >= 13 && bytes.Equal([]byte("\x5d\x00\x00"), buf[:3]) && (buf[12] == '\xff' || buf[12] == '\x00'):
		return FormatLZMA
	case checkedMatch(bzipMagic, buf):
		return FormatBzip2
	case checkedMatch(lz4Magic1, buf), checkedMatch(lz4Magic2, buf):
		return FormatLZ4
	default:
		return FormatRaw
	}
}

func (f compressionFormat) String() string {
	switch f {
	case FormatGzip:
		return "gzip"
	case FormatXZ:
		return "xz"
	case FormatLZMA:
		return "lzma"
	case FormatBzip2:
		return "bzip2"
	case FormatLZ4:
		return "lz4"
	case FormatRaw:
		return "raw"
	default:
		return "unknown"
	}
}
