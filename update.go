package fwupdate

import (
	"fmt"
	"log"
	"os"

	"fwupdate/cbfs"
	"fwupdate/compat"
	"fwupdate/fmap"
	"fwupdate/preserve"
	"fwupdate/quirks"
	"fwupdate/sysprops"
	"fwupdate/vboot"
)

// Update runs the full update policy against cfg (component G, spec.md
// §4.G). It is the only entry point that may observe the internal
// NeedRoUpdate sentinel: Try-RW's fallback to Full is handled here and
// never escapes to the caller.
func Update(cfg *Config) error {
	if cfg.Target == nil {
		return newError(NoImage, "no target image supplied")
	}

	actions := &quirks.Actions{Target: &cfg.Target.Bytes}

	if err := cfg.Quirks.TryApply(quirks.DaisySnowDualModel, actions); err != nil {
		return newError(Platform, "%v", err)
	}

	platformVer, err := cfg.Props.Get(sysprops.PlatformVer)
	if err != nil {
		return newError(Platform, "read platform version: %v", err)
	}
	actions.PlatformVersion = platformVer
	if err := cfg.Quirks.TryApply(quirks.MinPlatformVersion, actions); err != nil {
		return newError(Platform, "%v", err)
	}

	if cfg.Current == nil {
		data, tempFile, err := cfg.Programmer.Read(cfg.ProgrammerID, "")
		if err != nil {
			return newError(SystemImage, "read current image: %v", err)
		}
		if tempFile != "" {
			cfg.TempFiles = append(cfg.TempFiles, tempFile)
		}
		img, err := LoadImage(data, cfg.ProgrammerID, "")
		if err != nil {
			return newError(SystemImage, "parse current image: %v", err)
		}
		cfg.Current = img
	}

	if err := compat.CheckPlatform(cfg.Current.ROVersion, cfg.Target.ROVersion); err != nil {
		return newError(Platform, "%v", err)
	}

	wp, err := readWriteProtect(cfg)
	if err != nil {
		return newError(Platform, "read write protect state: %v", err)
	}

	if err := applySizeAndLayoutQuirks(cfg, actions); err != nil {
		return err
	}

	switch {
	case cfg.LegacyUpdate:
		return updateLegacy(cfg)
	case cfg.Mode == ModeFactory || cfg.Mode == ModeFactoryInstall:
		return updateFactory(cfg, wp)
	case cfg.TryUpdate:
		err := updateTryRW(cfg, wp)
		if e, ok := err.(*Error); ok && e.Code == NeedRoUpdate {
			if !wp {
				return updateFull(cfg)
			}
			return e
		}
		return err
	case wp:
		return updateRWOnly(cfg)
	default:
		return updateFull(cfg)
	}
}

func readWriteProtect(cfg *Config) (bool, error) {
	hw, err := cfg.Props.Get(sysprops.WpHW)
	hwEnabled := err != nil || hw != 0
	if hwEnabled {
		return true, nil
	}
	sw, err := cfg.Props.Get(sysprops.WpSW)
	if err != nil {
		return false, err
	}
	return sw != 0, nil
}

func applySizeAndLayoutQuirks(cfg *Config, actions *quirks.Actions) error {
	actions.ProgrammerSize = programmerImageSize(cfg)

	if err := cfg.Quirks.TryApply(quirks.EnlargeImage, actions); err != nil {
		return newError(SystemImage, "%v", err)
	}
	if err := cfg.Target.Reload(); err != nil {
		return err
	}
	if err := cfg.Quirks.TryApply(quirks.EveSMMStore, actions); err != nil {
		return newError(InvalidImage, "%v", err)
	}
	return nil
}

// programmerImageSize reports the size of the image as the programmer
// currently holds it, used to size enlarge_image's target (spec.md
// §4.D). In emulation mode this is the emulation file's size; otherwise
// it is the in-memory current image's size, the best available proxy
// for an opaque external programmer's flash size.
func programmerImageSize(cfg *Config) int {
	if cfg.Programmer.Emulate != "" {
		if info, err := os.Stat(cfg.Programmer.Emulate); err == nil {
			return int(info.Size())
		}
	}
	return len(cfg.Current.Bytes)
}

func updateLegacy(cfg *Config) error {
	if err := cfg.Programmer.Write(cfg.ProgrammerID, cfg.Target.Bytes, fmap.RWLegacy); err != nil {
		return newError(WriteFirmware, "write RW_LEGACY: %v", err)
	}
	return nil
}

func updateFactory(cfg *Config, wp bool) error {
	if wp {
		return newError(Platform, "needs WP disabled")
	}
	return writeWholeImageWithChecks(cfg, false)
}

func updateFull(cfg *Config) error {
	return writeWholeImageWithChecks(cfg, true)
}

func writeWholeImageWithChecks(cfg *Config, preserveFirst bool) error {
	if preserveFirst {
		preserveBetweenImages(cfg)
	}

	if err := checkTPMAgainstTarget(cfg, fmap.VblockA); err != nil {
		return err
	}

	if err := cfg.Programmer.Write(cfg.ProgrammerID, cfg.Target.Bytes, ""); err != nil {
		return newError(WriteFirmware, "write image: %v", err)
	}

	if cfg.EC != nil {
		if err := cfg.Programmer.Write("ec", cfg.EC.Bytes, ""); err != nil {
			return newError(WriteFirmware, "write EC image: %v", err)
		}
	}
	if cfg.PD != nil {
		if err := cfg.Programmer.Write("pd", cfg.PD.Bytes, ""); err != nil {
			return newError(WriteFirmware, "write PD image: %v", err)
		}
	}
	return nil
}

func updateRWOnly(cfg *Config) error {
	if err := checkTPMAgainstTarget(cfg, fmap.VblockA); err != nil {
		return err
	}

	for _, section := range []string{fmap.RWSectionA, fmap.RWSectionB, fmap.RWShared} {
		if !cfg.Target.Map.Exists(section) {
			continue
		}
		if err := cfg.Programmer.Write(cfg.ProgrammerID, cfg.Target.Bytes, section); err != nil {
			return newError(WriteFirmware, "write %s: %v", section, err)
		}
	}
	if cfg.Target.Map.Exists(fmap.RWLegacy) {
		cfg.Programmer.Write(cfg.ProgrammerID, cfg.Target.Bytes, fmap.RWLegacy)
	}
	return nil
}

func updateTryRW(cfg *Config, wp bool) error {
	if err := preserve.GBB(asPreserveImage(cfg.Current), asPreserveImage(cfg.Target)); err != nil {
		return newError(InvalidImage, "preserve GBB: %v", err)
	}

	if !wp {
		roFromSection, errFrom := cfg.Current.Section(fmap.ROSection)
		roToSection, errTo := cfg.Target.Section(fmap.ROSection)
		if errFrom == nil && errTo == nil && !bytesEqual(roFromSection, roToSection) {
			return &Error{Code: NeedRoUpdate, Message: "RO_SECTION differs with WP disabled"}
		}
	}

	if err := checkTPMAgainstTarget(cfg, fmap.VblockA); err != nil {
		return err
	}

	slot, err := cfg.Props.MainfwActSlot()
	if err != nil {
		return newError(Target, "determine active slot: %v", err)
	}
	fwVboot2, err := cfg.Props.Get(sysprops.FwVboot2)
	if err != nil {
		return newError(Target, "determine vboot generation: %v", err)
	}

	var targetSection string
	var targetLetter string
	if fwVboot2 == 0 {
		targetSection, targetLetter = fmap.RWSectionA, "A"
	} else {
		switch slot {
		case sysprops.SlotA:
			targetSection, targetLetter = fmap.RWSectionB, "B"
		case sysprops.SlotB:
			targetSection, targetLetter = fmap.RWSectionA, "A"
		default:
			return newError(Target, "could not determine active slot")
		}
	}

	curSection, err1 := cfg.Current.Section(targetSection)
	newSection, err2 := cfg.Target.Section(targetSection)
	needsWrite := cfg.ForceUpdate || err1 != nil || err2 != nil || !bytesEqual(curSection, newSection)

	if needsWrite {
		if err := cfg.Programmer.Write(cfg.ProgrammerID, cfg.Target.Bytes, targetSection); err != nil {
			return newError(WriteFirmware, "write %s: %v", targetSection, err)
		}
		if err := setTryCookies(cfg, targetLetter, fwVboot2); err != nil {
			return newError(SetCookies, "%v", err)
		}
	} else if fwVboot2 == 0 {
		clearFwbTries(cfg)
	}

	if cfg.Target.Map.Exists(fmap.RWLegacy) && legacyNeedsUpdate(cfg) {
		cfg.Programmer.Write(cfg.ProgrammerID, cfg.Target.Bytes, fmap.RWLegacy)
	}

	return nil
}

func checkTPMAgainstTarget(cfg *Config, vblockSection string) error {
	vblock, err := cfg.Target.Section(vblockSection)
	if err != nil {
		return newError(RootKey, "missing %s: %v", vblockSection, err)
	}
	gbbSection, err := cfg.Current.Section(fmap.GBB)
	if err != nil {
		return newError(RootKey, "current GBB: %v", err)
	}
	gbb, err := vboot.ParseGBB(gbbSection)
	if err != nil {
		return newError(RootKey, "current GBB invalid: %v", err)
	}

	targetGBBSection, _ := cfg.Target.Section(fmap.GBB)
	var targetRootKey []byte
	if targetGBBSection != nil {
		if targetGBB, err := vboot.ParseGBB(targetGBBSection); err == nil {
			targetRootKey = targetGBB.RootKey
		}
	}

	_, pre, err := compat.CheckRootKey(vblock, gbb.RootKey, targetRootKey)
	if err != nil {
		return newError(RootKey, "%v", err)
	}

	kb, _, err := vboot.ParseKeyblock(vblock, gbb.RootKey)
	if err != nil {
		return newError(RootKey, "%v", err)
	}

	tpmFwver, err := cfg.Props.Get(sysprops.TpmFwver)
	if err != nil {
		return newError(TpmRollback, "read tpm_fwver: %v", err)
	}

	warning, err := compat.CheckTPMRollback(tpmFwver, kb.DataKey.Version, pre.FirmwareVersion, cfg.ForceUpdate)
	if err != nil {
		return newError(TpmRollback, "%v", err)
	}
	if warning != "" {
		log.Printf("fwupdate: %s", warning)
	}
	return nil
}

// setTryCookies computes the try-count and, for vboot2, the try-next
// slot letter, then applies them via the programmer (or prints the
// intended update in emulation mode without touching anything, per
// spec.md §4.G).
func setTryCookies(cfg *Config, letter string, fwVboot2 int) error {
	tries := 6
	if cfg.EC != nil {
		tries += 2
	}
	if cfg.Programmer.Emulate != "" {
		fmt.Printf("fwupdate: would set fw_try_count=%d", tries)
		if fwVboot2 != 0 {
			fmt.Printf(" fw_try_next=%s", letter)
		}
		fmt.Println()
		return nil
	}
	args := []string{"--set", fmt.Sprintf("fw_try_count=%d", tries)}
	if fwVboot2 != 0 {
		args = append(args, "--set", fmt.Sprintf("fw_try_next=%s", letter))
	}
	_, err := cfg.Programmer.Shell(cfg.ProgrammerID, args...)
	return err
}

func clearFwbTries(cfg *Config) {
	if cfg.Programmer.Emulate != "" {
		fmt.Println("fwupdate: would clear fwb_tries")
		return
	}
	cfg.Programmer.Shell(cfg.ProgrammerID, "--set", "fwb_tries=0")
}

// legacyNeedsUpdate reports whether RW_LEGACY carries the
// cros_allow_auto_update CBFS tag on both current and target images and
// whether the two differ. The original implementation computed both
// has_from and has_to from the target image path, which meant it never
// actually checked the current image's tag (spec.md §9 open question).
// This preserves the stated intent - both sides must carry the tag -
// rather than reproducing the bug.
func legacyNeedsUpdate(cfg *Config) bool {
	fromSection, err := cfg.Current.Section(fmap.RWLegacy)
	if err != nil {
		return false
	}
	toSection, err := cfg.Target.Section(fmap.RWLegacy)
	if err != nil {
		return false
	}
	hasFrom := hasAutoUpdateTag(fromSection)
	hasTo := hasAutoUpdateTag(toSection)
	if !hasFrom || !hasTo {
		return false
	}
	return !bytesEqual(fromSection, toSection)
}

const autoUpdateTag = "cros_allow_auto_update"

func hasAutoUpdateTag(region []byte) bool {
	dir, err := cbfs.Parse(region)
	if err != nil {
		return false
	}
	_, ok := dir.Find(autoUpdateTag)
	return ok
}

// preserveBetweenImages runs the fixed preservation sequence and logs
// its aggregate outcome; no individual section failure aborts the
// update (spec.md §4.E, §7).
func preserveBetweenImages(cfg *Config) {
	res := preserve.Images(asPreserveImage(cfg.Current), asPreserveImage(cfg.Target))
	for _, w := range res.Warnings {
		log.Printf("fwupdate: %s", w)
	}
	for _, e := range res.Failures {
		log.Printf("fwupdate: preserve: %v", e)
	}
	if res.ME.NeedsUnlock {
		actions := &quirks.Actions{Target: &cfg.Target.Bytes}
		if err := cfg.Quirks.TryApply(quirks.UnlockMeForUpdate, actions); err != nil {
			log.Printf("fwupdate: unlock_me_for_update: %v", err)
		}
	}
}

// asPreserveImage adapts the root package's richer Image into the
// preserve package's minimal (bytes, FMAP view) pair, keeping preserve
// decoupled from this package (one-directional import discipline).
func asPreserveImage(img *Image) *preserve.Image {
	return &preserve.Image{Bytes: img.Bytes, Map: img.Map}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
