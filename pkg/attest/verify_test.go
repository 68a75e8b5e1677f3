package attest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatformInfoRejectsShortReport(t *testing.T) {
	_, err := ParsePlatformInfo(make([]byte, 100))
	assert.Error(t, err)
}

func TestParsePlatformInfoFields(t *testing.T) {
	raw := make([]byte, SNPReportSize)
	raw[offVersion] = 2
	raw[offGuestSVN] = 1
	raw[offPolicy] = 0x42
	raw[offCurrentTCB] = 3      // boot_loader
	raw[offCurrentTCB+1] = 1    // tee
	raw[offCurrentTCB+6] = 8    // snp
	raw[offCurrentTCB+7] = 0xD2 // microcode
	raw[offMeasure] = 0xAA
	raw[offChipID] = 0x11

	info, err := ParsePlatformInfo(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), info.Version)
	assert.Equal(t, uint32(1), info.GuestSVN)
	assert.Equal(t, uint64(0x42), info.Policy)
	assert.Equal(t, uint8(3), info.TCBVersion.BootLoader)
	assert.Equal(t, uint8(1), info.TCBVersion.TEE)
	assert.Equal(t, uint8(8), info.TCBVersion.SNP)
	assert.Equal(t, uint8(0xD2), info.TCBVersion.Microcode)
	assert.Equal(t, "aa", info.Measurement[:2])
	assert.Equal(t, "11", info.ChipID[:2])
}

func TestVerifySimulatedHappyPath(t *testing.T) {
	nonce := []byte{1, 2, 3, 4}
	report := &Report{Raw: BuildSimulatedReport(nonce)}

	result, err := Verify(report, nonce, &Policy{}, true)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.True(t, result.NonceValid)
	assert.True(t, result.SignatureValid)
	assert.True(t, result.CertChainValid)
	assert.True(t, result.PolicyResult.Passed)
	assert.Empty(t, result.Failures)
}

func TestVerifySimulatedRejectedWhenNotAllowed(t *testing.T) {
	report := &Report{Raw: BuildSimulatedReport([]byte{1})}
	_, err := Verify(report, []byte{1}, &Policy{}, false)
	assert.Error(t, err)
}

func TestVerifyNonceMismatch(t *testing.T) {
	report := &Report{Raw: BuildSimulatedReport([]byte{1, 2, 3, 4})}

	result, err := Verify(report, []byte{9, 9, 9, 9}, &Policy{}, true)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.False(t, result.NonceValid)
	assert.NotEmpty(t, result.Failures)
}

func TestVerifyFullNonceBinding(t *testing.T) {
	// A 64-byte nonce exactly filling report_data verifies when every
	// byte matches.
	nonce := make([]byte, 64)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	report := &Report{Raw: BuildSimulatedReport(nonce)}

	result, err := Verify(report, nonce, &Policy{}, true)
	require.NoError(t, err)
	assert.True(t, result.NonceValid)

	// One flipped byte breaks it.
	flipped := append([]byte{}, nonce...)
	flipped[63] ^= 0xFF
	result, err = Verify(report, flipped, &Policy{}, true)
	require.NoError(t, err)
	assert.False(t, result.NonceValid)
}

func TestVerifyPolicyDebugViolation(t *testing.T) {
	nonce := []byte{1, 2, 3, 4}
	raw := BuildSimulatedReport(nonce)
	SetSimulatedPolicy(raw, 1<<PolicyBitDebug)

	result, err := Verify(&Report{Raw: raw}, nonce, &Policy{RequireNoDebug: true}, true)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.False(t, result.PolicyResult.Passed)

	require.NotEmpty(t, result.PolicyResult.Violations)
	assert.Equal(t, "debug", result.PolicyResult.Violations[0].Check)
}

func TestVerifyPolicySMTViolation(t *testing.T) {
	nonce := []byte{5}
	raw := BuildSimulatedReport(nonce)
	SetSimulatedPolicy(raw, 1<<PolicyBitSMT)

	result, err := Verify(&Report{Raw: raw}, nonce, &Policy{RequireNoSMT: true}, true)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, "smt", result.PolicyResult.Violations[0].Check)
}

func TestVerifyPolicyMeasurement(t *testing.T) {
	nonce := []byte{7}
	raw := BuildSimulatedReport(nonce)
	info, err := ParsePlatformInfo(raw)
	require.NoError(t, err)

	// Matching measurement passes.
	result, err := Verify(&Report{Raw: raw}, nonce,
		&Policy{ExpectedMeasurement: info.Measurement}, true)
	require.NoError(t, err)
	assert.True(t, result.Verified)

	// Mismatch fails with a measurement violation.
	result, err = Verify(&Report{Raw: raw}, nonce,
		&Policy{ExpectedMeasurement: "deadbeef"}, true)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Equal(t, "measurement", result.PolicyResult.Violations[0].Check)
}

func TestVerifyPolicyMinTCB(t *testing.T) {
	nonce := []byte{8}
	raw := BuildSimulatedReport(nonce) // boot_loader=3, snp=8

	result, err := Verify(&Report{Raw: raw}, nonce,
		&Policy{MinTCB: &TCBVersion{BootLoader: 4, SNP: 9}}, true)
	require.NoError(t, err)
	assert.False(t, result.Verified)

	checks := make([]string, 0, len(result.PolicyResult.Violations))
	for _, v := range result.PolicyResult.Violations {
		checks = append(checks, v.Check)
	}
	assert.Contains(t, checks, "tcb.boot_loader")
	assert.Contains(t, checks, "tcb.snp")
}

func TestVerifyPolicyMask(t *testing.T) {
	nonce := []byte{9}
	raw := BuildSimulatedReport(nonce)
	SetSimulatedPolicy(raw, 0b0101)

	// Mask satisfied.
	result, err := Verify(&Report{Raw: raw}, nonce, &Policy{AllowedPolicyMask: 0b0100}, true)
	require.NoError(t, err)
	assert.True(t, result.PolicyResult.Passed)

	// Mask bit missing from the report policy.
	result, err = Verify(&Report{Raw: raw}, nonce, &Policy{AllowedPolicyMask: 0b1000}, true)
	require.NoError(t, err)
	assert.Equal(t, "policy_mask", result.PolicyResult.Violations[0].Check)
}

// --- hardware-path tests with a generated P-384 chain ---

type testChain struct {
	vcekKey *ecdsa.PrivateKey
	vcek    []byte
	ask     []byte
	ark     []byte
}

func makeCert(t *testing.T, subject, issuer pkix.Name, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey, signerCert *x509.Certificate, serial int64) ([]byte, *x509.Certificate) {
	t.Helper()

	tpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               subject,
		Issuer:                issuer,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	parent := tpl
	if signerCert != nil {
		parent = signerCert
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, parent, pub, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return der, cert
}

func makeTestChain(t *testing.T) testChain {
	t.Helper()

	arkKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	askKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	vcekKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	arkName := pkix.Name{CommonName: "ARK-Test"}
	askName := pkix.Name{CommonName: "ASK-Test"}
	vcekName := pkix.Name{CommonName: "VCEK-Test"}

	arkDER, arkCert := makeCert(t, arkName, arkName, &arkKey.PublicKey, arkKey, nil, 1)
	askDER, askCert := makeCert(t, askName, arkName, &askKey.PublicKey, arkKey, arkCert, 2)
	vcekDER, _ := makeCert(t, vcekName, askName, &vcekKey.PublicKey, askKey, askCert, 3)

	return testChain{vcekKey: vcekKey, vcek: vcekDER, ask: askDER, ark: arkDER}
}

// signReport writes a valid ECDSA-P384 signature into the report's
// signature slots.
func signReport(t *testing.T, raw []byte, key *ecdsa.PrivateKey) {
	t.Helper()

	digest := sha512.Sum384(raw[:signedRegionEnd])
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	require.NoError(t, err)

	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(raw[offSigR+sigComponentLen-len(rBytes):], rBytes)
	copy(raw[offSigS+sigComponentLen-len(sBytes):], sBytes)
}

func makeHardwareReport(nonce []byte) []byte {
	raw := make([]byte, SNPReportSize)
	raw[offVersion] = 2
	raw[offGuestSVN] = 1
	copy(raw[offReportData:], nonce)
	raw[offCurrentTCB] = 3
	raw[offCurrentTCB+6] = 8
	return raw
}

func TestVerifyHardwareSignatureAndChain(t *testing.T) {
	chain := makeTestChain(t)
	nonce := []byte{0xCA, 0xFE}

	raw := makeHardwareReport(nonce)
	signReport(t, raw, chain.vcekKey)

	report := &Report{Raw: raw, VCEK: chain.vcek, ASK: chain.ask, ARK: chain.ark}
	result, err := Verify(report, nonce, &Policy{}, false)
	require.NoError(t, err)
	assert.True(t, result.SignatureValid)
	assert.True(t, result.CertChainValid)
	assert.True(t, result.Verified)
}

func TestVerifyHardwareTamperedReport(t *testing.T) {
	chain := makeTestChain(t)
	nonce := []byte{0xCA, 0xFE}

	raw := makeHardwareReport(nonce)
	signReport(t, raw, chain.vcekKey)
	raw[offMeasure] ^= 0xFF // flip a measured byte after signing

	report := &Report{Raw: raw, VCEK: chain.vcek, ASK: chain.ask, ARK: chain.ark}
	result, err := Verify(report, nonce, &Policy{}, false)
	require.NoError(t, err)
	assert.False(t, result.SignatureValid)
	assert.False(t, result.Verified)
}

func TestVerifyHardwareBrokenChain(t *testing.T) {
	chain := makeTestChain(t)
	other := makeTestChain(t)
	nonce := []byte{1}

	raw := makeHardwareReport(nonce)
	signReport(t, raw, chain.vcekKey)

	// ASK from an unrelated chain: issuer linkage breaks.
	report := &Report{Raw: raw, VCEK: chain.vcek, ASK: other.ask, ARK: chain.ark}
	result, err := Verify(report, nonce, &Policy{}, false)
	require.NoError(t, err)
	assert.False(t, result.CertChainValid)
	assert.False(t, result.Verified)
}

func TestVerifyHardwareAbsentChainIsAcceptable(t *testing.T) {
	chain := makeTestChain(t)
	nonce := []byte{2}

	raw := makeHardwareReport(nonce)
	signReport(t, raw, chain.vcekKey)

	// Only the VCEK travels with the report; ASK/ARK resolve via KDS.
	report := &Report{Raw: raw, VCEK: chain.vcek}
	result, err := Verify(report, nonce, &Policy{}, false)
	require.NoError(t, err)
	assert.True(t, result.SignatureValid)
	assert.False(t, result.CertChainValid, "partial chain is not acceptable")

	// Fully absent chain defers to KDS and is acceptable.
	report = &Report{Raw: raw}
	result, err = Verify(report, nonce, &Policy{}, false)
	require.NoError(t, err)
	assert.True(t, result.CertChainValid)
	assert.False(t, result.SignatureValid, "no VCEK means no signature check")
}

func TestIsSimulated(t *testing.T) {
	assert.True(t, IsSimulated(BuildSimulatedReport(nil)))
	assert.False(t, IsSimulated(makeHardwareReport(nil)))
}
