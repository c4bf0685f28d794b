package preserve

import (
	"bytes"
	"encoding/binary"
	"testing"

	"fwupdate/fmap"
)

// writeFMAPHeader writes a real "__FMAP__" header and area table at
// hdrOffset, matching fmap.Parse's on-disk layout byte-for-byte.
func writeFMAPHeader(data []byte, hdrOffset int, areas map[string]fmap.Area) {
	pos := hdrOffset
	copy(data[pos:], "__FMAP__")
	pos += 8
	data[pos] = 1 // ver_major
	pos++
	data[pos] = 1 // ver_minor
	pos++
	binary.LittleEndian.PutUint64(data[pos:], 0) // base
	pos += 8
	binary.LittleEndian.PutUint32(data[pos:], uint32(len(data))) // size
	pos += 4
	copy(data[pos:pos+32], "WHOLE_IMAGE")
	pos += 32
	binary.LittleEndian.PutUint16(data[pos:], uint16(len(areas)))
	pos += 2

	for name, a := range areas {
		binary.LittleEndian.PutUint32(data[pos:], a.Offset)
		pos += 4
		binary.LittleEndian.PutUint32(data[pos:], a.Size)
		pos += 4
		clear(data[pos : pos+32])
		copy(data[pos:pos+32], name)
		pos += 32
		binary.LittleEndian.PutUint16(data[pos:], 0)
		pos += 2
	}
}

func buildImage(t *testing.T, sectionData map[string][]byte) *Image {
	t.Helper()
	const hdrOffset = 0x20
	total := hdrOffset + 4096
	for _, d := range sectionData {
		total += len(d) + 64
	}
	data := make([]byte, total)
	for i := range data {
		data[i] = 0xff
	}

	pos := hdrOffset + 4096
	areas := make(map[string]fmap.Area)
	for name, d := range sectionData {
		copy(data[pos:], d)
		areas[name] = fmap.Area{Offset: uint32(pos), Size: uint32(len(d))}
		pos += len(d) + 64
	}

	m := buildFMAP(t, data, hdrOffset, areas)
	return &Image{Bytes: data, Map: m}
}

// buildFMAP writes a real FMAP header+area-table into data at hdrOffset
// and re-parses it, so tests exercise the same Parse path production
// code uses.
func buildFMAP(t *testing.T, data []byte, hdrOffset int, areas map[string]fmap.Area) *fmap.Map {
	t.Helper()
	writeFMAPHeader(data, hdrOffset, areas)
	m, err := fmap.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestSectionCopiesMinSize(t *testing.T) {
	from := buildImage(t, map[string][]byte{"RO_VPD": bytes.Repeat([]byte{0xAB}, 100)})
	to := buildImage(t, map[string][]byte{"RO_VPD": bytes.Repeat([]byte{0x00}, 50)})

	if _, err := Section(from, to, "RO_VPD"); err != nil {
		t.Fatal(err)
	}
	toArea, _ := to.Map.Find("RO_VPD")
	got := to.Bytes[toArea.Offset : toArea.Offset+toArea.Size]
	if !bytes.Equal(got, bytes.Repeat([]byte{0xAB}, 50)) {
		t.Fatalf("expected truncated copy of source bytes")
	}
}

func TestSectionIdempotent(t *testing.T) {
	from := buildImage(t, map[string][]byte{"RW_NVRAM": bytes.Repeat([]byte{0x42}, 64)})
	to := buildImage(t, map[string][]byte{"RW_NVRAM": bytes.Repeat([]byte{0x00}, 64)})

	if _, err := Section(from, to, "RW_NVRAM"); err != nil {
		t.Fatal(err)
	}
	once := bytes.Clone(to.Bytes)

	if _, err := Section(from, to, "RW_NVRAM"); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(once, to.Bytes) {
		t.Fatal("expected preserve_section to be idempotent")
	}
}

func TestManagementEngineSkippedWhenAbsent(t *testing.T) {
	from := buildImage(t, map[string][]byte{})
	to := buildImage(t, map[string][]byte{})
	res, _, err := ManagementEngine(from, to)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Fatal("expected Skipped when source has no SI_ME")
	}
}

func TestManagementEngineLockedPreservesDescriptor(t *testing.T) {
	from := buildImage(t, map[string][]byte{
		"SI_ME":   bytes.Repeat([]byte{0xff}, 32),
		"SI_DESC": bytes.Repeat([]byte{0x11}, 32),
	})
	to := buildImage(t, map[string][]byte{
		"SI_DESC": bytes.Repeat([]byte{0x00}, 32),
	})
	res, _, err := ManagementEngine(from, to)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Locked {
		t.Fatal("expected Locked when source SI_ME is all 0xFF")
	}
	toArea, _ := to.Map.Find("SI_DESC")
	got := to.Bytes[toArea.Offset : toArea.Offset+toArea.Size]
	if !bytes.Equal(got, bytes.Repeat([]byte{0x11}, 32)) {
		t.Fatal("expected SI_DESC preserved when ME locked")
	}
}

func TestManagementEngineUnlockedNeedsUnlock(t *testing.T) {
	from := buildImage(t, map[string][]byte{"SI_ME": bytes.Repeat([]byte{0x01}, 32)})
	to := buildImage(t, map[string][]byte{})
	res, _, err := ManagementEngine(from, to)
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsUnlock {
		t.Fatal("expected NeedsUnlock when source SI_ME is not all 0xFF")
	}
}
