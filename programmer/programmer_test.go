package programmer

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFMAPImage(t *testing.T, path string, sections map[string][]byte) []byte {
	t.Helper()
	const hdrOffset = 0x20
	size := hdrOffset + 4096
	for _, d := range sections {
		size += len(d) + 64
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xff
	}

	pos := hdrOffset
	copy(data[pos:], "__FMAP__")
	pos += 8
	data[pos] = 1
	pos++
	data[pos] = 1
	pos++
	binary.LittleEndian.PutUint64(data[pos:], 0)
	pos += 8
	binary.LittleEndian.PutUint32(data[pos:], uint32(len(data)))
	pos += 4
	copy(data[pos:pos+32], "WHOLE_IMAGE")
	pos += 32
	binary.LittleEndian.PutUint16(data[pos:], uint16(len(sections)))
	pos += 2

	areaPos := hdrOffset + 4096
	for name, d := range sections {
		binary.LittleEndian.PutUint32(data[pos:], uint32(areaPos))
		pos += 4
		binary.LittleEndian.PutUint32(data[pos:], uint32(len(d)))
		pos += 4
		clear(data[pos : pos+32])
		copy(data[pos:pos+32], name)
		pos += 32
		binary.LittleEndian.PutUint16(data[pos:], 0)
		pos += 2
		copy(data[areaPos:], d)
		areaPos += len(d) + 64
	}

	if path != "" {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return data
}

func TestWriteEmulatedWholeImage(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "image.bin")
	writeFMAPImage(t, dest, map[string][]byte{"RW_SECTION_A": {1, 2, 3}})

	src := writeFMAPImage(t, "", map[string][]byte{"RW_SECTION_A": {9, 9, 9}})

	f := &Facade{Emulate: dest}
	if err := f.Write("programmer", src, ""); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(src) {
		t.Fatalf("expected whole-image replace, got length %d want %d", len(got), len(src))
	}
}

func TestWriteEmulatedSectionSplice(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "image.bin")
	destData := writeFMAPImage(t, dest, map[string][]byte{"RW_SECTION_A": {0, 0, 0, 0}})

	src := writeFMAPImage(t, "", map[string][]byte{"RW_SECTION_A": {9, 9, 9, 9}})

	f := &Facade{Emulate: dest}
	if err := f.Write("programmer", src, "RW_SECTION_A"); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(destData) {
		t.Fatalf("expected destination length unchanged, got %d want %d", len(got), len(destData))
	}
}

func TestWriteProtectStatusEmulatedAlwaysDisabled(t *testing.T) {
	f := &Facade{Emulate: "/tmp/whatever.bin"}
	status, err := f.WriteProtectStatus("programmer")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "write protect is disabled") {
		t.Fatalf("expected a disabled status line, got %q", status)
	}
}

func TestReadEmulated(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "image.bin")
	want := writeFMAPImage(t, dest, map[string][]byte{"GBB": {1, 2, 3}})

	f := &Facade{Emulate: dest}
	data, tempFile, err := f.Read("programmer", dir)
	if err != nil {
		t.Fatal(err)
	}
	if tempFile != "" {
		t.Fatal("expected no temp file in emulation mode")
	}
	if len(data) != len(want) {
		t.Fatalf("got length %d want %d", len(data), len(want))
	}
}
