// Package cbfs reads and rewrites the CBFS (coreboot filesystem)
// directory embedded in the RW_LEGACY FMAP section, the region the
// eve_smm_store quirk (spec.md §4.D) needs to relocate an entry within.
//
// The entry-table shape (a map of named entries with a sorted name list, a
// byte-exact Load/Dump pair) is adapted from the teacher's
// magiskboot/cpio package, which manages a structurally identical
// problem (a directory of named, offset-addressed blobs packed into one
// buffer) for cpio archives. The on-disk header fields below are
// grounded on github.com/linuxboot/fiano/pkg/cbfs's FileHeader, as
// retrieved in the example pack (pkg/cbfs/types.go): magic "LARCHIVE",
// a 24-byte fixed header, and 64-byte entry alignment.
package cbfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	fileMagic  = "LARCHIVE"
	headerSize = 24
	alignment  = 64

	// TypeDeleted2 marks the trailing "free space" entry that fills the
	// remainder of a CBFS region, matching fiano's cbfs.TypeDeleted2.
	TypeDeleted2 uint32 = 0xffffffff
)

// fileHeader mirrors fiano's cbfs.FileHeader layout.
type fileHeader struct {
	Magic           [8]byte
	Size            uint32
	Type            uint32
	AttrOffset      uint32
	SubHeaderOffset uint32
}

// Entry is one named blob inside a CBFS directory.
type Entry struct {
	Name   string
	Type   uint32
	Offset uint32 // offset of the entry's header within the region
	Data   []byte
}

// Directory is the parsed contents of one CBFS region (e.g. RW_LEGACY).
type Directory struct {
	RegionSize uint32
	Entries    map[string]Entry
	Keys       []string // entry names, kept sorted like the teacher's cpio.Keys
}

func newDirectory(regionSize uint32) *Directory {
	return &Directory{
		RegionSize: regionSize,
		Entries:    make(map[string]Entry),
	}
}

// Parse scans region for CBFS entries starting at offset 0, stopping at
// the first TypeDeleted2 entry or when the region is exhausted. Entries
// are found at 64-byte aligned offsets, the same stride discipline the
// teacher's bootimg.go uses scanning for MTK/DTB headers.
func Parse(region []byte) (*Directory, error) {
	dir := newDirectory(uint32(len(region)))
	pos := uint32(0)
	for pos+headerSize <= dir.RegionSize {
		var hdr fileHeader
		if err := binary.Read(bytes.NewReader(region[pos:pos+headerSize]), binary.BigEndian, &hdr); err != nil {
			return nil, fmt.Errorf("cbfs: read header at 0x%x: %w", pos, err)
		}
		if !bytes.Equal(hdr.Magic[:], []byte(fileMagic)) {
			break
		}
		if hdr.Type == TypeDeleted2 || hdr.Size == 0 {
			break
		}
		if pos+hdr.Size > dir.RegionSize || hdr.AttrOffset < headerSize || hdr.SubHeaderOffset < hdr.AttrOffset {
			return nil, errors.New("cbfs: entry extends past region")
		}

		nameBytes := region[pos+headerSize : pos+hdr.AttrOffset]
		name := string(bytes.TrimRight(nameBytes, "\x00"))
		data := region[pos+hdr.SubHeaderOffset : pos+hdr.Size]

		dir.Entries[name] = Entry{
			Name:   name,
			Type:   hdr.Type,
			Offset: pos,
			Data:   bytes.Clone(data),
		}
		dir.Keys = append(dir.Keys, name)

		pos += hdr.Size
		pos = alignUp(pos)
	}
	sort.Strings(dir.Keys)
	return dir, nil
}

func alignUp(v uint32) uint32 {
	return (v + alignment - 1) / alignment * alignment
}

// Find returns the named entry, if present.
func (d *Directory) Find(name string) (Entry, bool) {
	e, ok := d.Entries[name]
	return e, ok
}

// Put inserts or replaces name with data, keeping Keys sorted the way
// the teacher's cpio.addEntry does.
func (d *Directory) Put(name string, entryType uint32, data []byte) {
	if _, exists := d.Entries[name]; !exists {
		d.Keys = append(d.Keys, name)
		sort.Strings(d.Keys)
	}
	d.Entries[name] = Entry{Name: name, Type: entryType, Data: data}
}

// Dump serializes the directory back into a RegionSize-length buffer,
// packing entries back-to-back at 64-byte alignment starting at base and
// filling all unused trailing space with a single TypeDeleted2 entry
// covering the remainder; every byte not written (before base and after
// the terminator's header) stays 0xFF (erased-flash convention, matching how the rest of this updater treats
// unprovisioned flash - see preserve.ManagementEngine).
func (d *Directory) Dump(base uint32) ([]byte, error) {
	out := make([]byte, d.RegionSize)
	for i := range out {
		out[i] = 0xff
	}

	pos := base
	for _, name := range d.Keys {
		e := d.Entries[name]
		attrOffset := uint32(headerSize + len(name) + 1)
		attrOffset = (attrOffset + 3) / 4 * 4
		size := attrOffset + uint32(len(e.Data))
		if pos+size > d.RegionSize {
			return nil, fmt.Errorf("cbfs: directory overflow placing %q", name)
		}

		hdr := fileHeader{
			Size:            size,
			Type:            e.Type,
			AttrOffset:      attrOffset,
			SubHeaderOffset: attrOffset,
		}
		copy(hdr.Magic[:], fileMagic)

		buf := new(bytes.Buffer)
		if err := binary.Write(buf, binary.BigEndian, &hdr); err != nil {
			return nil, err
		}
		buf.WriteString(name)
		buf.WriteByte(0)
		for buf.Len() < int(attrOffset) {
			buf.WriteByte(0)
		}
		buf.Write(e.Data)

		copy(out[pos:pos+size], buf.Bytes())
		pos += size
		pos = alignUp(pos)
	}

	if pos+headerSize <= d.RegionSize {
		term := fileHeader{
			Size:            d.RegionSize - pos,
			Type:            TypeDeleted2,
			AttrOffset:      headerSize,
			SubHeaderOffset: headerSize,
		}
		copy(term.Magic[:], fileMagic)
		buf := new(bytes.Buffer)
		if err := binary.Write(buf, binary.BigEndian, &term); err != nil {
			return nil, err
		}
		copy(out[pos:pos+headerSize], buf.Bytes())
	}

	return out, nil
}
