package archive

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// newDecodeReader wraps r in a decompressor for fmt, mirroring the
// teacher's NewDecoder format switch (compress.go) but returning an error
// instead of calling log.Fatalln, since this runs deep inside the archive
// reader rather than at a CLI entry point.
func newDecodeReader(fmt_ compressionFormat, r io.Reader) (io.Reader, error) {
	switch fmt_ {
	case FormatXZ:
		return xz.NewReader(r)
	case FormatLZMA:
		return lzma.NewReader(r)
	case FormatBzip2:
		return bzip2.NewReader(r), nil
	case FormatLZ4:
		return lz4.NewReader(r), nil
	case FormatGzip:
		return gzip.NewReader(r)
	case FormatRaw:
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported compression format")
	}
}

// decodeAll sniffs data's compression format and returns the fully
// decompressed bytes. Open uses it on a whole archive file before
// reading the result as a tar stream; members are not decompressed
// individually.
func decodeAll(data []byte) ([]byte, error) {
	f := detectFormat(data)
	r, err := newDecodeReader(f, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", f, err)
	}
	if closer, ok := r.(io.Closer); ok {
		defer closer.Close()
	}
	return io.ReadAll(r)
}
