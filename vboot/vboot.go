// Package vboot reads the verified-boot structures carried in a firmware
// image: the GBB (Google Binary Block), the signed keyblock and firmware
// preamble inside a VBLOCK, and the root key they chain to.
//
// Component B of the update engine (spec.md §4.B). The GBB's
// signature-stride scan and "reject on more than one candidate header"
// rule mirrors the teacher's bootimg.go handling of MTK/DTB headers
// (stride-4 scan, single-match requirement before trusting an offset).
// RSA verification uses crypto/rsa and crypto/x509 directly: no
// retrieved example repo carries a vboot_reference binding, and the
// verification is a single PKCS#1v1.5/SHA-256 check well inside what the
// standard library already provides cleanly, so reaching for a
// third-party signature package here would add a dependency without
// adding capability. See DESIGN.md.
package vboot

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	gbbSignature  = "$GBB"
	gbbStride     = 4
	gbbHeaderSize = 48
	// gbbSupportedMajorVersion is the only GoogleBinaryBlockHeader major
	// version this engine accepts (spec.md §3 GBB parse invariants).
	gbbSupportedMajorVersion = 1

	keyblockMagic  = "CHROMEOS"
	preambleStride = 1
)

var (
	// ErrNoGBB means no valid GBB header was found.
	ErrNoGBB = errors.New("vboot: no GBB header found")
	// ErrAmbiguousGBB means more than one candidate GBB header was found.
	ErrAmbiguousGBB = errors.New("vboot: multiple candidate GBB headers found")
	// ErrBadSignature means a keyblock or preamble failed RSA verification.
	ErrBadSignature = errors.New("vboot: signature verification failed")
)

// gbbHeader mirrors the vboot_reference GoogleBinaryBlockHeader layout.
type gbbHeader struct {
	Signature           [4]byte
	MajorVersion        uint16
	MinorVersion        uint16
	HeaderSize          uint32
	Flags               uint32
	HWIDOffset          uint32
	HWIDSize            uint32
	RootKeyOffset       uint32
	RootKeySize         uint32
	BmpfvOffset         uint32
	BmpfvSize           uint32
	RecoveryKeyOffset   uint32
	RecoveryKeySize     uint32
}

// GBB is the parsed Google Binary Block.
type GBB struct {
	Offset   uint32 // offset of the header within the GBB section
	Flags    uint32
	HWID     string
	RootKey  []byte // DER-encoded SubjectPublicKeyInfo
	Recovery []byte
}

// ParseGBB scans section (the bytes of the GBB FMAP area) for a GBB
// header and decodes it. Exactly one "$GBB" signature may appear at the
// 4-byte stride, rather than "first match wins": candidates are counted
// before any of them is validated, so a second signature is rejected as
// ErrAmbiguousGBB even when it does not begin a valid header.
func ParseGBB(section []byte) (*GBB, error) {
	var found []int
	for pos := 0; pos+gbbHeaderSize <= len(section); pos += gbbStride {
		if bytes.Equal(section[pos:pos+len(gbbSignature)], []byte(gbbSignature)) {
			found = append(found, pos)
		}
	}
	if len(found) == 0 {
		return nil, ErrNoGBB
	}
	if len(found) > 1 {
		return nil, ErrAmbiguousGBB
	}

	pos := found[0]
	var hdr gbbHeader
	if err := binary.Read(bytes.NewReader(section[pos:pos+gbbHeaderSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("vboot: decode GBB header: %w", err)
	}

	if hdr.MajorVersion != gbbSupportedMajorVersion {
		return nil, fmt.Errorf("vboot: unsupported GBB major version %d", hdr.MajorVersion)
	}
	if hdr.HeaderSize != gbbHeaderSize {
		return nil, fmt.Errorf("vboot: GBB header size %d != %d", hdr.HeaderSize, gbbHeaderSize)
	}
	if int(hdr.HeaderSize) > len(section)-pos {
		return nil, fmt.Errorf("vboot: GBB header size %d exceeds blob size", hdr.HeaderSize)
	}

	if err := checkDescriptor(section, pos, hdr.HeaderSize, hdr.HWIDOffset, hdr.HWIDSize); err != nil {
		return nil, fmt.Errorf("vboot: GBB HWID descriptor: %w", err)
	}
	if err := checkDescriptor(section, pos, hdr.HeaderSize, hdr.RootKeyOffset, hdr.RootKeySize); err != nil {
		return nil, fmt.Errorf("vboot: GBB root key descriptor: %w", err)
	}
	if err := checkDescriptor(section, pos, hdr.HeaderSize, hdr.BmpfvOffset, hdr.BmpfvSize); err != nil {
		return nil, fmt.Errorf("vboot: GBB bitmap FV descriptor: %w", err)
	}
	if err := checkDescriptor(section, pos, hdr.HeaderSize, hdr.RecoveryKeyOffset, hdr.RecoveryKeySize); err != nil {
		return nil, fmt.Errorf("vboot: GBB recovery key descriptor: %w", err)
	}

	hwid, err := sliceAt(section, pos, hdr.HWIDOffset, hdr.HWIDSize)
	if err != nil {
		return nil, fmt.Errorf("vboot: GBB HWID: %w", err)
	}
	if bytes.IndexByte(hwid, 0) < 0 {
		return nil, errors.New("vboot: GBB HWID has no NUL terminator within hwid_size")
	}
	rootKey, err := sliceAt(section, pos, hdr.RootKeyOffset, hdr.RootKeySize)
	if err != nil {
		return nil, fmt.Errorf("vboot: GBB root key: %w", err)
	}
	recoveryKey, err := sliceAt(section, pos, hdr.RecoveryKeyOffset, hdr.RecoveryKeySize)
	if err != nil {
		return nil, fmt.Errorf("vboot: GBB recovery key: %w", err)
	}

	return &GBB{
		Offset:   uint32(pos),
		Flags:    hdr.Flags,
		HWID:     string(bytes.TrimRight(hwid, "\x00")),
		RootKey:  bytes.Clone(rootKey),
		Recovery: bytes.Clone(recoveryKey),
	}, nil
}

// checkDescriptor enforces spec.md §3's GBB descriptor invariants: the
// descriptor must start at or after the header (descriptors are never
// allowed to overlap the header they're attached to) and its
// header-relative range must lie entirely inside the section.
func checkDescriptor(section []byte, base int, headerSize, offset, size uint32) error {
	if offset < headerSize {
		return fmt.Errorf("offset %d precedes header size %d", offset, headerSize)
	}
	_, err := sliceAt(section, base, offset, size)
	return err
}

// sliceAt resolves a GBB-relative (offset, size) descriptor, the offsets
// in a GBB header being relative to the header's own start, not the
// section start (vboot_reference convention).
func sliceAt(section []byte, base int, offset, size uint32) ([]byte, error) {
	start := base + int(offset)
	end := start + int(size)
	if start < 0 || end > len(section) || end < start {
		return nil, errors.New("descriptor out of bounds")
	}
	return section[start:end], nil
}

// keyblockHeader mirrors vb2_keyblock's fixed prefix.
type keyblockHeader struct {
	Magic           [8]byte
	HeaderVersionMaj uint32
	HeaderVersionMin uint32
	Size            uint64
	SigOffset       uint64
	SigSize         uint64
	DataKeyOffset   uint64
	DataKeySize     uint64
}

// preambleHeader mirrors vb2_fw_preamble's fixed prefix.
type preambleHeader struct {
	Size            uint64
	HeaderVersionMaj uint32
	HeaderVersionMin uint32
	FirmwareVersion uint32
	BodySize        uint64
	SigOffset       uint64
	SigSize         uint64
}

// PackedKey is a data or root key as embedded in a keyblock or GBB.
type PackedKey struct {
	Algorithm uint32
	Version   uint32
	KeyLen    uint32
	Key       []byte
}

// packedKeyHeader is PackedKey's fixed on-disk prefix.
type packedKeyHeader struct {
	KeyOffset uint64
	KeyLen    uint64
	Algorithm uint32
	Version   uint32
}

// Keyblock is the parsed, verified VBLOCK signed header.
type Keyblock struct {
	DataKey PackedKey
}

// Preamble carries the firmware version this keyblock vouches for.
type Preamble struct {
	FirmwareVersion uint32
	BodySize        uint64
}

// ParseKeyblock parses and verifies the keyblock at the start of vblock
// against rootKey (the GBB root key, a DER SubjectPublicKeyInfo). The
// signature covers vblock[0:SigOffset]; verification runs over a fresh
// copy so a caller mutating vblock afterward cannot retroactively appear
// to have passed (spec.md §4.B trust boundary note).
func ParseKeyblock(vblock []byte, rootKey []byte) (*Keyblock, *Preamble, error) {
	if len(vblock) < len(keyblockMagic) || string(vblock[:len(keyblockMagic)]) != keyblockMagic {
		return nil, nil, errors.New("vboot: bad keyblock magic")
	}
	var kbHdr keyblockHeader
	if err := binary.Read(bytes.NewReader(vblock), binary.LittleEndian, &kbHdr); err != nil {
		return nil, nil, fmt.Errorf("vboot: decode keyblock header: %w", err)
	}

	signed := bytes.Clone(vblock[:kbHdr.SigOffset])
	sig := vblock[kbHdr.SigOffset : kbHdr.SigOffset+kbHdr.SigSize]
	if err := verifyRSA(rootKey, signed, sig); err != nil {
		return nil, nil, err
	}

	dataKey, err := parsePackedKey(vblock, int(kbHdr.DataKeyOffset), int(kbHdr.DataKeySize))
	if err != nil {
		return nil, nil, fmt.Errorf("vboot: keyblock data key: %w", err)
	}

	preStart := int(kbHdr.Size)
	if preStart > len(vblock) {
		return nil, nil, errors.New("vboot: preamble offset out of bounds")
	}
	preBuf := vblock[preStart:]

	var preHdr preambleHeader
	if err := binary.Read(bytes.NewReader(preBuf), binary.LittleEndian, &preHdr); err != nil {
		return nil, nil, fmt.Errorf("vboot: decode preamble header: %w", err)
	}
	preSigned := bytes.Clone(preBuf[:preHdr.SigOffset])
	preSig := preBuf[preHdr.SigOffset : preHdr.SigOffset+preHdr.SigSize]
	if err := verifyRSA(dataKey.Key, preSigned, preSig); err != nil {
		return nil, nil, fmt.Errorf("vboot: preamble: %w", err)
	}

	return &Keyblock{DataKey: *dataKey}, &Preamble{
		FirmwareVersion: preHdr.FirmwareVersion,
		BodySize:        preHdr.BodySize,
	}, nil
}

func parsePackedKey(buf []byte, offset, size int) (*PackedKey, error) {
	if offset < 0 || offset+size > len(buf) || size < 0 {
		return nil, errors.New("packed key out of bounds")
	}
	region := buf[offset : offset+size]
	var hdr packedKeyHeader
	if err := binary.Read(bytes.NewReader(region), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	keyStart := int(hdr.KeyOffset)
	keyEnd := keyStart + int(hdr.KeyLen)
	if keyStart < 0 || keyEnd > len(region) {
		return nil, errors.New("packed key data out of bounds")
	}
	return &PackedKey{
		Algorithm: hdr.Algorithm,
		Version:   hdr.Version,
		KeyLen:    uint32(hdr.KeyLen),
		Key:       bytes.Clone(region[keyStart:keyEnd]),
	}, nil
}

// verifyRSA checks sig over signed using the DER SubjectPublicKeyInfo
// pubKeyDER, PKCS#1v1.5 padding over a SHA-256 digest.
func verifyRSA(pubKeyDER, signed, sig []byte) error {
	pub, err := x509.ParsePKIXPublicKey(pubKeyDER)
	if err != nil {
		return fmt.Errorf("vboot: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return errors.New("vboot: root key is not RSA")
	}
	digest := sha256.Sum256(signed)
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

// KeyFingerprint returns the SHA-1 digest of a DER key, used by
// component F's diagnostic key-mismatch message (spec.md §4.F).
func KeyFingerprint(keyDER []byte) [20]byte {
	return sha1.Sum(keyDER)
}

// KeyVersion packs (data key version, firmware version) the way the TPM
// anti-rollback space does: tpm_fwver = (data_key_version << 16) |
// firmware_version. 0 means "uninitialized, no floor" (spec.md §4.C).
func KeyVersion(dataKeyVersion, firmwareVersion uint32) uint32 {
	return (dataKeyVersion << 16) | (firmwareVersion & 0xffff)
}

// FirmwareID reads a NUL-terminated ASCII string out of an RW_FWID-style
// section (spec.md §3 Image.fwid).
func FirmwareID(section []byte) string {
	i := bytes.IndexByte(section, 0)
	if i < 0 {
		return string(section)
	}
	return string(section[:i])
}
