// Package preserve carries designated sections, GBB identity, and
// Management Engine lock state from a current image into a target image
// before it is written.
//
// Component E of the update engine (spec.md §4.E). Operates on raw
// byte buffers and fmap.Map views rather than a shared image type, so
// this package never needs to import the root package (one-directional
// import discipline: root imports preserve, never the reverse). The
// fixed section-copy order mirrors the teacher's compress.go style of
// a short, explicit dispatch list rather than a generic visitor.
package preserve

import (
	"fmt"

	"fwupdate/fmap"
	"fwupdate/vboot"
)

// Image bundles the bytes and FMAP view preserve needs; built fresh by
// the caller for each preserve call so this package stays decoupled
// from the root package's richer Image type.
type Image struct {
	Bytes []byte
	Map   *fmap.Map
}

// Section copies min(from.size, to.size) bytes of the named section
// from `from` into `to`, at to's own offset (memmove semantics). If the
// source is larger, the destination is truncated and a warning string
// is returned; if smaller, the destination's tail is left untouched.
func Section(from, to *Image, name string) (warning string, err error) {
	fromArea, ok := from.Map.Find(name)
	if !ok {
		return "", fmt.Errorf("preserve: %q missing from source image", name)
	}
	toArea, ok := to.Map.Find(name)
	if !ok {
		return "", fmt.Errorf("preserve: %q missing from target image", name)
	}

	n := fromArea.Size
	if toArea.Size < n {
		n = toArea.Size
	}

	src := from.Bytes[fromArea.Offset : fromArea.Offset+n]
	dst := to.Bytes[toArea.Offset : toArea.Offset+n]
	copy(dst, src)

	if fromArea.Size > toArea.Size {
		return fmt.Sprintf("preserve: %q truncated from %d to %d bytes", name, fromArea.Size, toArea.Size), nil
	}
	return "", nil
}

// GBB preserves the 32-bit flags word and the HWID string from `from`'s
// GBB into `to`'s GBB. The destination HWID field is zeroed in full
// first, then the source HWID (NUL-terminated) is copied in; fails if
// either GBB is invalid or the source HWID does not fit.
func GBB(from, to *Image) error {
	fromSection, err := from.Map.Section(from.Bytes, fmap.GBB)
	if err != nil {
		return fmt.Errorf("preserve: source %w", err)
	}
	toSection, err := to.Map.Section(to.Bytes, fmap.GBB)
	if err != nil {
		return fmt.Errorf("preserve: target %w", err)
	}

	fromGBB, err := vboot.ParseGBB(fromSection)
	if err != nil {
		return fmt.Errorf("preserve: source GBB invalid: %w", err)
	}
	toGBB, err := vboot.ParseGBB(toSection)
	if err != nil {
		return fmt.Errorf("preserve: target GBB invalid: %w", err)
	}

	hwidBytes := []byte(fromGBB.HWID)
	if len(hwidBytes)+1 > len(toSectionHWIDField(toSection, toGBB)) {
		return fmt.Errorf("preserve: source HWID %q does not fit in destination", fromGBB.HWID)
	}

	field := toSectionHWIDField(toSection, toGBB)
	for i := range field {
		field[i] = 0
	}
	copy(field, hwidBytes)

	writeFlags(toSection, toGBB.Offset, fromGBB.Flags)
	return nil
}

// toSectionHWIDField locates the GBB's HWID byte range within its
// section, so GBB can zero-then-copy it in place.
func toSectionHWIDField(section []byte, g *vboot.GBB) []byte {
	// The GBB header's HWID descriptor is relative to the header start;
	// re-derive its absolute bounds the same way vboot.ParseGBB does.
	// Offsets are recomputed rather than threaded through GBB because
	// the struct only exposes the resolved HWID string, not its field
	// bounds (spec.md §3 treats GBB contents as opaque outside vboot).
	start := int(g.Offset) + hwidFieldOffset(section, g.Offset)
	end := start + len(g.HWID) + 1
	if pos := int(g.Offset) + gbbHWIDSizeField; pos+4 <= len(section) {
		end = start + int(leUint32(section[pos:pos+4]))
	}
	if end > len(section) {
		end = len(section)
	}
	if start > end {
		start = end
	}
	return section[start:end]
}

const gbbHWIDOffsetField = 16 // byte offset of HWIDOffset within gbbHeader
const gbbHWIDSizeField = 20   // byte offset of HWIDSize within gbbHeader

func hwidFieldOffset(section []byte, headerOffset uint32) int {
	pos := int(headerOffset) + gbbHWIDOffsetField
	if pos+4 > len(section) {
		return 0
	}
	return int(leUint32(section[pos : pos+4]))
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

const gbbFlagsOffsetField = 12 // byte offset of Flags within gbbHeader

func writeFlags(section []byte, headerOffset uint32, flags uint32) {
	pos := int(headerOffset) + gbbFlagsOffsetField
	section[pos] = byte(flags)
	section[pos+1] = byte(flags >> 8)
	section[pos+2] = byte(flags >> 16)
	section[pos+3] = byte(flags >> 24)
}

// MEResult reports what ManagementEngine decided, so callers can decide
// whether to try-apply the unlock_me_for_update quirk.
type MEResult struct {
	Skipped       bool // source has no SI_ME
	Locked        bool // source SI_ME is all-0xFF (flash-erased)
	NeedsUnlock   bool // ME present and not locked: unlock_me_for_update should run
}

// ManagementEngine inspects the source's SI_ME region and, if locked,
// preserves SI_DESC into the target (protecting the read-only
// descriptor). If the ME is present and not locked, it reports that the
// unlock_me_for_update quirk should be applied by the caller, which owns
// the quirk registry (spec.md §4.E).
func ManagementEngine(from, to *Image) (MEResult, string, error) {
	meSection, err := from.Map.Section(from.Bytes, fmap.SIMe)
	if err != nil {
		return MEResult{Skipped: true}, "", nil
	}

	if allFF(meSection) {
		warn, err := Section(from, to, fmap.SIDesc)
		return MEResult{Locked: true}, warn, err
	}

	return MEResult{NeedsUnlock: true}, "", nil
}

func allFF(b []byte) bool {
	for _, c := range b {
		if c != 0xff {
			return false
		}
	}
	return true
}

// preserveOrder is the fixed set of optional sections preserve.Images
// copies if present in the source, after GBB, ME, RO_VPD, and RW_VPD
// (spec.md §4.E).
var preserveOrder = []string{
	fmap.ROPreserve,
	fmap.RWPreserve,
	fmap.RWNvram,
	fmap.RWElog,
	fmap.SMMStore,
	fmap.LegacyRoFsg,
}

// Result accumulates the non-fatal outcome of a full Images pass: each
// individual section failure is recorded rather than aborting the rest.
type Result struct {
	Warnings []string
	Failures []error
	ME       MEResult
}

// Images runs the full fixed-order preservation sequence: GBB, ME,
// RO_VPD, RW_VPD, then every optional section in preserveOrder that
// exists in the source. No individual failure is fatal; all are
// accumulated into the returned Result (spec.md §4.E, §7).
func Images(from, to *Image) Result {
	var res Result

	if err := GBB(from, to); err != nil {
		res.Failures = append(res.Failures, err)
	}

	meResult, warn, err := ManagementEngine(from, to)
	res.ME = meResult
	if warn != "" {
		res.Warnings = append(res.Warnings, warn)
	}
	if err != nil {
		res.Failures = append(res.Failures, err)
	}

	for _, name := range []string{fmap.ROVPD, fmap.RWVPD} {
		if !from.Map.Exists(name) {
			continue
		}
		warn, err := Section(from, to, name)
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
		if err != nil {
			res.Failures = append(res.Failures, err)
		}
	}

	for _, name := range preserveOrder {
		if !from.Map.Exists(name) {
			continue
		}
		warn, err := Section(from, to, name)
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
		if err != nil {
			res.Failures = append(res.Failures, err)
		}
	}

	return res
}
