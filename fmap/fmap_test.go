package fmap

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildImage(areas map[string]Area) []byte {
	image := make([]byte, 4096)
	for i := range image {
		image[i] = 0xff
	}

	const hdrOffset = 0x100
	names := make([]string, 0, len(areas))
	for name := range areas {
		names = append(names, name)
	}

	hdr := header{
		VerMajor: 1,
		VerMinor: 1,
		Base:     0,
		Size:     uint32(len(image)),
		NAreas:   uint16(len(names)),
	}
	copy(hdr.Signature[:], signature)
	copy(hdr.Name[:], "WHOLE_IMAGE")

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &hdr)
	for _, name := range names {
		a := areas[name]
		raw := areaRaw{Offset: a.Offset, Size: a.Size}
		copy(raw.Name[:], name)
		binary.Write(buf, binary.LittleEndian, &raw)
	}

	copy(image[hdrOffset:], buf.Bytes())
	return image
}

func TestParseFindsAllAreas(t *testing.T) {
	want := map[string]Area{
		GBB:        {Offset: 0x200, Size: 0x1000},
		ROSection:  {Offset: 0x1200, Size: 0x2000},
		RWSectionA: {Offset: 0x3200, Size: 0x400},
	}
	image := buildImage(want)

	m, err := Parse(image)
	if err != nil {
		t.Fatal(err)
	}
	for name, area := range want {
		got, ok := m.Find(name)
		if !ok {
			t.Fatalf("expected to find %q", name)
		}
		if got != area {
			t.Fatalf("area %q: got %+v, want %+v", name, got, area)
		}
	}
	if m.Exists("NONEXISTENT") {
		t.Fatal("did not expect NONEXISTENT area")
	}
}

func TestParseNoSignatureFails(t *testing.T) {
	image := bytes.Repeat([]byte{0xff}, 4096)
	if _, err := Parse(image); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSectionSlicesImage(t *testing.T) {
	want := map[string]Area{GBB: {Offset: 0x200, Size: 16}}
	image := buildImage(want)
	copy(image[0x200:], []byte("0123456789abcdef"))

	m, err := Parse(image)
	if err != nil {
		t.Fatal(err)
	}
	sec, err := m.Section(image, GBB)
	if err != nil {
		t.Fatal(err)
	}
	if string(sec) != "0123456789abcdef" {
		t.Fatalf("unexpected section contents: %q", sec)
	}
}
