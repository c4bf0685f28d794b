// Package fmap parses the flash map header embedded in a firmware image
// and exposes its named sections as (offset, size) ranges.
//
// Component A of the update engine (spec.md §4.A). Implemented with
// hand-rolled encoding/binary struct decoding and a signature-stride
// scan, the same discipline the teacher's bootimg.go uses for its
// MtkHdr/DhtbHdr/AvbFooter family and for findDtbOffset's magic scan —
// not by importing github.com/linuxboot/fiano/pkg/fmap. That package's
// exact struct layout and API were not present in the retrieved example
// pack (only pkg/cbfs was, whose header layout cbfs/cbfs.go follows), and guessing an
// unseen API would be worse than the teacher's own proven pattern. See
// DESIGN.md.
package fmap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	signature   = "__FMAP__"
	nameSize    = 32
	areaNameLen = 32
)

// header mirrors the well-known coreboot/flashmap fmap_header layout.
type header struct {
	Signature [8]byte
	VerMajor  uint8
	VerMinor  uint8
	Base      uint64
	Size      uint32
	Name      [nameSize]byte
	NAreas    uint16
}

type areaRaw struct {
	Offset uint32
	Size   uint32
	Name   [areaNameLen]byte
	Flags  uint16
}

// Area is one named flash region.
type Area struct {
	Offset uint32
	Size   uint32
}

// Map is the parsed name -> Area table for one image buffer. It is a
// read-only snapshot: if the backing image is reloaded or resized, the
// Map must be re-parsed (spec.md §4.A).
type Map struct {
	areas map[string]Area
}

// ErrNotFound means Parse could not locate a valid FMAP header.
var ErrNotFound = errors.New("fmap: no flash map found")

// Parse scans image for the FMAP signature and builds the section
// table. Per spec.md §4.A this is a read-only view over image.
func Parse(image []byte) (*Map, error) {
	hdrSize := binary.Size(header{})
	for pos := 0; pos+hdrSize <= len(image); pos++ {
		if !bytes.Equal(image[pos:pos+len(signature)], []byte(signature)) {
			continue
		}
		var hdr header
		if err := binary.Read(bytes.NewReader(image[pos:pos+hdrSize]), binary.LittleEndian, &hdr); err != nil {
			continue
		}
		areas, err := parseAreas(image, pos+hdrSize, int(hdr.NAreas))
		if err != nil {
			continue
		}
		return &Map{areas: areas}, nil
	}
	return nil, ErrNotFound
}

func parseAreas(image []byte, start, n int) (map[string]Area, error) {
	areaSize := binary.Size(areaRaw{})
	areas := make(map[string]Area, n)
	pos := start
	for i := 0; i < n; i++ {
		if pos+areaSize > len(image) {
			return nil, fmt.Errorf("fmap: area table truncated")
		}
		var a areaRaw
		if err := binary.Read(bytes.NewReader(image[pos:pos+areaSize]), binary.LittleEndian, &a); err != nil {
			return nil, err
		}
		name := string(bytes.TrimRight(a.Name[:], "\x00"))
		areas[name] = Area{Offset: a.Offset, Size: a.Size}
		pos += areaSize
	}
	return areas, nil
}

// Find returns the named section, or ok=false if it is not present.
func (m *Map) Find(name string) (Area, bool) {
	a, ok := m.areas[name]
	return a, ok
}

// Exists reports whether name is present in the flash map.
func (m *Map) Exists(name string) bool {
	_, ok := m.areas[name]
	return ok
}

// Section slices image to the bytes named by name. The returned slice
// aliases image; it is only valid while image is not resized or reloaded
// (spec.md §3 Section invariants).
func (m *Map) Section(image []byte, name string) ([]byte, error) {
	a, ok := m.Find(name)
	if !ok {
		return nil, fmt.Errorf("fmap: section %q not found", name)
	}
	if uint64(a.Offset)+uint64(a.Size) > uint64(len(image)) {
		return nil, fmt.Errorf("fmap: section %q out of bounds", name)
	}
	return image[a.Offset : a.Offset+a.Size], nil
}

// Recognized section names, bit-exact with spec.md §3.
const (
	ROFrid      = "RO_FRID"
	ROSection   = "RO_SECTION"
	GBB         = "GBB"
	ROPreserve  = "RO_PRESERVE"
	ROVPD       = "RO_VPD"
	RWVPD       = "RW_VPD"
	VblockA     = "VBLOCK_A"
	VblockB     = "VBLOCK_B"
	RWSectionA  = "RW_SECTION_A"
	RWSectionB  = "RW_SECTION_B"
	RWFwid      = "RW_FWID"
	RWFwidA     = "RW_FWID_A"
	RWFwidB     = "RW_FWID_B"
	RWShared    = "RW_SHARED"
	RWNvram     = "RW_NVRAM"
	RWElog      = "RW_ELOG"
	RWPreserve  = "RW_PRESERVE"
	RWLegacy    = "RW_LEGACY"
	SMMStore    = "SMMSTORE"
	SIDesc      = "SI_DESC"
	SIMe        = "SI_ME"
	LegacyRoFsg = "RO_FSG" // legacy alias, preserved only when present
)
