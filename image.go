package fwupdate

import (
	"fwupdate/fmap"
	"fwupdate/vboot"
)

// Image is an owned firmware image buffer plus everything derived from
// it: its programmer identifier, an optional source file name, its
// parsed flash map, and the three version strings read from its RO and
// RW firmware-ID sections (spec.md §3).
type Image struct {
	Bytes       []byte
	Programmer  string
	SourceFile  string
	Map         *fmap.Map
	ROVersion   string
	RWVersionA  string
	RWVersionB  string
}

// LoadImage wraps raw image bytes with their parsed FMAP view and
// firmware-ID strings. programmer and sourceFile are recorded as-is;
// sourceFile may be empty (e.g. a programmer-read or stdin-drained
// image carries no on-disk source name of its own beyond its temp file).
func LoadImage(data []byte, programmer, sourceFile string) (*Image, error) {
	m, err := fmap.Parse(data)
	if err != nil {
		return nil, newError(InvalidImage, "parse flash map: %v", err)
	}
	img := &Image{
		Bytes:      data,
		Programmer: programmer,
		SourceFile: sourceFile,
		Map:        m,
	}
	img.ROVersion = readFirmwareID(data, m, fmap.ROFrid)
	img.RWVersionA = readFirmwareID(data, m, fmap.RWFwidA)
	img.RWVersionB = readFirmwareID(data, m, fmap.RWFwidB)
	return img, nil
}

func readFirmwareID(data []byte, m *fmap.Map, name string) string {
	section, err := m.Section(data, name)
	if err != nil {
		return ""
	}
	return vboot.FirmwareID(section)
}

// Reload re-parses img's flash map after img.Bytes has been replaced or
// resized in place, since a Map is invalidated by either (spec.md §4.A).
func (img *Image) Reload() error {
	m, err := fmap.Parse(img.Bytes)
	if err != nil {
		return newError(InvalidImage, "reparse flash map: %v", err)
	}
	img.Map = m
	return nil
}

// Section returns the named FMAP section of img, or an error if absent
// or out of bounds.
func (img *Image) Section(name string) ([]byte, error) {
	return img.Map.Section(img.Bytes, name)
}
