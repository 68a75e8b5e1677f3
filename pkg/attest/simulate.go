package attest

import "crypto/sha512"

// BuildSimulatedReport produces a syntactically valid SNP report that
// binds the given nonce, marked with the simulated version marker so
// verifiers can tell it apart from hardware output. Useful on hosts
// without SEV-SNP and in tests.
func BuildSimulatedReport(nonce []byte) []byte {
	raw := make([]byte, SNPReportSize)

	raw[offVersion] = SimulatedVersionMarker
	raw[offGuestSVN] = 1

	n := len(nonce)
	if n > reportDataLen {
		n = reportDataLen
	}
	copy(raw[offReportData:], nonce[:n])

	// Deterministic fake measurement derived from the nonce so repeated
	// simulations of the same workload agree.
	measurement := sha512.Sum384(append([]byte("a3s-simulated-measurement:"), nonce...))
	copy(raw[offMeasure:], measurement[:measurementLen])

	// Plausible TCB components.
	raw[offCurrentTCB] = 3   // boot_loader
	raw[offCurrentTCB+1] = 0 // tee
	raw[offCurrentTCB+6] = 8 // snp
	raw[offCurrentTCB+7] = 0xD2

	return raw
}

// SetSimulatedPolicy overwrites the guest policy field of a simulated
// report, for exercising policy checks.
func SetSimulatedPolicy(raw []byte, policy uint64) {
	if len(raw) < offPolicy+8 {
		return
	}
	for i := 0; i < 8; i++ {
		raw[offPolicy+i] = byte(policy >> (8 * i))
	}
}
