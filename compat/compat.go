// Package compat implements the three gates a target image must pass
// before it can be written: platform prefix match, root-key match, and
// TPM anti-rollback.
//
// Component F of the update engine (spec.md §4.F). Grounded on the
// teacher's format.go style of small, single-purpose validation
// functions returning a sentinel error rather than a class hierarchy.
package compat

import (
	"fmt"
	"strings"

	"fwupdate/vboot"
)

// ErrNoPlatformSeparator means a firmware ID string has no "." to take a
// prefix from.
var ErrNoPlatformSeparator = fmt.Errorf("compat: firmware ID has no platform separator")

// PlatformPrefix returns v up to and including the first ".".
func PlatformPrefix(v string) (string, error) {
	i := strings.IndexByte(v, '.')
	if i < 0 {
		return "", ErrNoPlatformSeparator
	}
	return v[:i+1], nil
}

// CheckPlatform requires fromVersion and toVersion to share a platform
// prefix (spec.md §4.F).
func CheckPlatform(fromVersion, toVersion string) error {
	fromPrefix, err := PlatformPrefix(fromVersion)
	if err != nil {
		return fmt.Errorf("compat: current image: %w", err)
	}
	toPrefix, err := PlatformPrefix(toVersion)
	if err != nil {
		return fmt.Errorf("compat: target image: %w", err)
	}
	if fromPrefix != toPrefix {
		return fmt.Errorf("platform is not compatible: %q != %q", fromPrefix, toPrefix)
	}
	return nil
}

// CheckRootKey verifies toVBlock's keyblock against fromRootKey. On
// failure it builds a diagnostic comparing fromRootKey's SHA-1 digest
// with toRootKey's (if known), distinguishing "same key, RW likely
// corrupt" from "different key" (spec.md §4.F).
func CheckRootKey(toVBlock, fromRootKey, toRootKey []byte) (*vboot.Keyblock, *vboot.Preamble, error) {
	kb, pre, err := vboot.ParseKeyblock(toVBlock, fromRootKey)
	if err == nil {
		return kb, pre, nil
	}

	if toRootKey == nil {
		return nil, nil, fmt.Errorf("target not signed by current root key: %w", err)
	}

	fromFP := vboot.KeyFingerprint(fromRootKey)
	toFP := vboot.KeyFingerprint(toRootKey)
	if fromFP == toFP {
		return nil, nil, fmt.Errorf("target not signed by current root key (same key SHA1 %x - RW likely corrupt): %w", fromFP, err)
	}
	return nil, nil, fmt.Errorf("target not signed by current root key (current SHA1 %x, target SHA1 %x): %w", fromFP, toFP, err)
}

// TPMVersion is the decomposed TPM anti-rollback floor.
type TPMVersion struct {
	DataKeyVersion  uint32
	FirmwareVersion uint32
}

// DecomposeTPMFwver splits tpm_fwver into its (data_key_version,
// firmware_version) halves (spec.md §3).
func DecomposeTPMFwver(tpmFwver int) TPMVersion {
	u := uint32(tpmFwver)
	return TPMVersion{DataKeyVersion: u >> 16, FirmwareVersion: u & 0xffff}
}

// CheckTPMRollback requires tpmFwver >= 0 and, decomposed, no greater
// than (imgDataKeyVersion, imgFirmwareVersion) componentwise. If
// forceUpdate is set, a failing check is downgraded to a warning and
// passes (spec.md §4.F, testable property 4).
func CheckTPMRollback(tpmFwver int, imgDataKeyVersion, imgFirmwareVersion uint32, forceUpdate bool) (warning string, err error) {
	if tpmFwver < 0 {
		msg := fmt.Sprintf("Invalid tpm_fwver: %d", tpmFwver)
		if forceUpdate {
			return msg + " (waived by --force)", nil
		}
		return "", fmt.Errorf("%s", msg)
	}

	tpm := DecomposeTPMFwver(tpmFwver)

	if tpm.DataKeyVersion > imgDataKeyVersion {
		msg := fmt.Sprintf("Data key version rollback detected (%d->%d)", tpm.DataKeyVersion, imgDataKeyVersion)
		if forceUpdate {
			return msg + " (waived by --force)", nil
		}
		return "", fmt.Errorf("%s", msg)
	}
	if tpm.FirmwareVersion > imgFirmwareVersion {
		msg := fmt.Sprintf("Firmware version rollback detected (%d->%d)", tpm.FirmwareVersion, imgFirmwareVersion)
		if forceUpdate {
			return msg + " (waived by --force)", nil
		}
		return "", fmt.Errorf("%s", msg)
	}
	return "", nil
}
