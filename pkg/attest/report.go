package attest

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/a3s-lab/box/pkg/errdefs"
)

// SNPReportSize is the size of a raw SEV-SNP attestation report.
const SNPReportSize = 1184

// Byte layout of the report (per the SEV-SNP ABI).
const (
	offVersion    = 0x00
	offGuestSVN   = 0x04
	offPolicy     = 0x08
	offCurrentTCB = 0x38
	offReportData = 0x50
	offMeasure    = 0x90
	offChipID     = 0x1A0
	offSigR       = 0x2A0
	offSigS       = 0x2E8

	// The signed region covers everything before the signature.
	signedRegionEnd = 0x2A0

	// r and s are zero-padded big-endian integers in 72-byte slots; the
	// actual P-384 values are 48 bytes.
	sigComponentLen = 72

	reportDataLen  = 64
	measurementLen = 48
	chipIDLen      = 64
)

// SimulatedVersionMarker in the version field marks a report produced
// by the simulator rather than hardware.
const SimulatedVersionMarker = 0xA3

// Guest policy bits with defined meaning for verification.
const (
	PolicyBitSMT   = 16
	PolicyBitDebug = 19
)

// TCBVersion is the 4-component trusted-computing-base version tag.
type TCBVersion struct {
	BootLoader uint8 `json:"boot_loader"`
	TEE        uint8 `json:"tee"`
	SNP        uint8 `json:"snp"`
	Microcode  uint8 `json:"microcode"`
}

// PlatformInfo is the parsed view of a report.
type PlatformInfo struct {
	Version     uint32     `json:"version"`
	GuestSVN    uint32     `json:"guest_svn"`
	Policy      uint64     `json:"policy"`
	Measurement string     `json:"measurement"`
	TCBVersion  TCBVersion `json:"tcb_version"`
	ChipID      string     `json:"chip_id"`
}

// Report bundles the raw report with its optional certificate chain.
type Report struct {
	Raw  []byte
	VCEK []byte // DER
	ASK  []byte // DER
	ARK  []byte // DER
}

// ParsePlatformInfo extracts the platform fields from a raw report.
// Reports shorter than the SNP report size are rejected.
func ParsePlatformInfo(raw []byte) (*PlatformInfo, error) {
	if len(raw) < SNPReportSize {
		return nil, errdefs.Attestation("invalid SNP report: expected %d bytes, got %d",
			SNPReportSize, len(raw))
	}

	// The TCB version packs one component per byte, with reserved bytes
	// between tee and snp.
	tcb := TCBVersion{
		BootLoader: raw[offCurrentTCB],
		TEE:        raw[offCurrentTCB+1],
		SNP:        raw[offCurrentTCB+6],
		Microcode:  raw[offCurrentTCB+7],
	}

	return &PlatformInfo{
		Version:     binary.LittleEndian.Uint32(raw[offVersion:]),
		GuestSVN:    binary.LittleEndian.Uint32(raw[offGuestSVN:]),
		Policy:      binary.LittleEndian.Uint64(raw[offPolicy:]),
		Measurement: hex.EncodeToString(raw[offMeasure : offMeasure+measurementLen]),
		TCBVersion:  tcb,
		ChipID:      hex.EncodeToString(raw[offChipID : offChipID+chipIDLen]),
	}, nil
}

// IsSimulated reports whether the raw report carries the simulation
// marker.
func IsSimulated(raw []byte) bool {
	return len(raw) > offVersion && raw[offVersion] == SimulatedVersionMarker
}
