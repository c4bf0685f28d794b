package quirks

import (
	"bytes"
	"fmt"

	"fwupdate/cbfs"
	"fwupdate/fmap"
)

// TryApply is a no-op when the named quirk's value is 0; otherwise it
// dispatches to the quirk's action. Unknown names and quirks with no
// action are no-ops (spec.md §4.D "try_apply_quirk").
func (r *Registry) TryApply(name Name, a *Actions) error {
	q := r.Get(name)
	if q == nil || q.Value == 0 {
		return nil
	}
	switch name {
	case EnlargeImage:
		return a.enlargeImage()
	case MinPlatformVersion:
		return a.minPlatformVersion(q.Value)
	case UnlockMeForUpdate:
		return a.unlockMEForUpdate()
	case DaisySnowDualModel:
		return a.daisySnowDualModel()
	case EveSMMStore:
		return a.eveSMMStore()
	default:
		return nil
	}
}

// Actions is the state a quirk action needs: the in-memory target image
// (mutable), the programmer-reported current-image size, and the
// current platform version. Kept separate from Registry so quirks does
// not need to import the root package's Config type (one-directional
// import discipline, see DESIGN.md).
type Actions struct {
	Target          *[]byte
	ProgrammerSize  int
	PlatformVersion int
}

func (a *Actions) enlargeImage() error {
	target := *a.Target
	if a.ProgrammerSize <= len(target) {
		return nil
	}
	grown := make([]byte, a.ProgrammerSize)
	copy(grown, target)
	var pad byte = 0xff
	if len(target) > 0 {
		pad = target[len(target)-1]
	}
	for i := len(target); i < len(grown); i++ {
		grown[i] = pad
	}
	*a.Target = grown
	return nil
}

func (a *Actions) minPlatformVersion(required int) error {
	if a.PlatformVersion < required {
		return fmt.Errorf("Need platform version >= %d (current is %d)", required, a.PlatformVersion)
	}
	return nil
}

// unlockMEForUpdate overwrites 12 bytes at offset 128 of SI_DESC with
// the ME-unlocked pattern (spec.md §4.D).
func (a *Actions) unlockMEForUpdate() error {
	target := *a.Target
	m, err := fmap.Parse(target)
	if err != nil {
		return err
	}
	area, ok := m.Find(fmap.SIDesc)
	if !ok {
		return fmt.Errorf("quirks: SI_DESC not found")
	}
	const patchOffset = 128
	pattern := []byte{0x00, 0xff, 0xff, 0xff, 0x00, 0xff, 0xff, 0xff, 0x00, 0xff, 0xff, 0xff}
	start := int(area.Offset) + patchOffset
	end := start + len(pattern)
	if end > int(area.Offset+area.Size) || end > len(target) {
		return fmt.Errorf("quirks: SI_DESC too small to patch")
	}
	copy(target[start:end], pattern)
	return nil
}

// daisySnowDualModel is a platform-specific gate. The example pack and
// spec carry no concrete daisy/snow board-id table, so the gate never
// triggers; wired here as a clean extension point rather than silently
// dropped (spec.md §4.D names it as a required quirk slot).
func (a *Actions) daisySnowDualModel() error {
	return nil
}

// eveSMMStoreOffset is the fixed relocation offset used by the eve
// board's legacy bootloader to find the SMM store entry after a full
// update (spec.md §4.D).
const eveSMMStoreOffset = 0x200000
const eveSMMStoreEntry = "smm_store"

func (a *Actions) eveSMMStore() error {
	target := *a.Target
	m, err := fmap.Parse(target)
	if err != nil {
		return err
	}
	area, ok := m.Find(fmap.RWLegacy)
	if !ok {
		return fmt.Errorf("quirks: RW_LEGACY not found")
	}
	region := target[area.Offset : area.Offset+area.Size]
	dir, err := cbfs.Parse(region)
	if err != nil {
		return fmt.Errorf("quirks: parse RW_LEGACY CBFS directory: %w", err)
	}

	smm, ok := m.Find(fmap.SMMStore)
	var payload []byte
	if ok {
		payload = bytes.Clone(target[smm.Offset : smm.Offset+smm.Size])
	} else if existing, ok := dir.Find(eveSMMStoreEntry); ok {
		payload = existing.Data
	} else {
		return fmt.Errorf("quirks: no SMMSTORE section or existing CBFS entry to relocate")
	}

	dir.Put(eveSMMStoreEntry, 0, payload)
	out, err := dir.Dump(eveSMMStoreOffset)
	if err != nil {
		return err
	}
	copy(region, out)
	return nil
}
