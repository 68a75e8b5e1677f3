package attest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha512"
	"crypto/x509"
	"math/big"

	"github.com/a3s-lab/box/pkg/errdefs"
	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/metrics"
)

// VerificationResult is the structured outcome of a verification.
// Verified is the conjunction of the individual checks.
type VerificationResult struct {
	Verified       bool          `json:"verified"`
	Platform       *PlatformInfo `json:"platform"`
	PolicyResult   PolicyResult  `json:"policy_result"`
	SignatureValid bool          `json:"signature_valid"`
	CertChainValid bool          `json:"cert_chain_valid"`
	NonceValid     bool          `json:"nonce_valid"`
	Failures       []string      `json:"failures,omitempty"`
}

// Verify runs the complete verification flow against a report:
//
//  1. Parse the report structure (failure here returns an error, not a
//     result).
//  2. Reject simulated reports unless allowSimulated.
//  3. Check the nonce against report_data.
//  4. Verify the ECDSA-P384 report signature with the VCEK public key
//     (skipped when simulated).
//  5. Verify the VCEK→ASK→ARK chain (skipped when simulated; a fully
//     absent chain is acceptable pending external KDS resolution).
//  6. Evaluate the policy.
func Verify(report *Report, expectedNonce []byte, policy *Policy, allowSimulated bool) (*VerificationResult, error) {
	logger := log.WithComponent("attestation")

	platform, err := ParsePlatformInfo(report.Raw)
	if err != nil {
		return nil, err
	}

	simulated := IsSimulated(report.Raw)
	if simulated && !allowSimulated {
		return nil, errdefs.Attestation("simulated report rejected: allow_simulated is false")
	}
	if simulated {
		logger.Warn().Msg("Accepting simulated TEE report (not hardware-attested)")
	}

	var failures []string

	nonceValid := verifyNonce(report.Raw, expectedNonce)
	if !nonceValid {
		failures = append(failures, "nonce mismatch: report_data does not contain expected nonce")
	}

	signatureValid := true
	if !simulated {
		signatureValid = verifyReportSignature(report.Raw, report.VCEK)
		if !signatureValid {
			failures = append(failures, "signature verification failed")
		}
	}

	certChainValid := true
	if !simulated {
		certChainValid = verifyCertChain(report.VCEK, report.ASK, report.ARK)
		if !certChainValid {
			failures = append(failures, "certificate chain verification failed")
		}
	}

	policyResult := CheckPolicy(platform, policy)
	for _, v := range policyResult.Violations {
		failures = append(failures, v.String())
	}

	verified := nonceValid && signatureValid && certChainValid && policyResult.Passed
	if verified {
		metrics.AttestationsTotal.WithLabelValues("verified").Inc()
	} else {
		metrics.AttestationsTotal.WithLabelValues("rejected").Inc()
	}

	return &VerificationResult{
		Verified:       verified,
		Platform:       platform,
		PolicyResult:   policyResult,
		SignatureValid: signatureValid,
		CertChainValid: certChainValid,
		NonceValid:     nonceValid,
		Failures:       failures,
	}, nil
}

// verifyNonce compares the expected nonce byte-for-byte against the
// prefix of the report_data field. A nonce shorter than 64 bytes only
// constrains its prefix; the rest may carry additional binding data.
func verifyNonce(raw, expected []byte) bool {
	if len(raw) < offReportData+reportDataLen {
		return false
	}
	compareLen := len(expected)
	if compareLen > reportDataLen {
		compareLen = reportDataLen
	}
	return bytes.Equal(raw[offReportData:offReportData+compareLen], expected[:compareLen])
}

// verifyReportSignature checks the ECDSA-P384 signature over the signed
// region using the VCEK certificate's public key. The hardware signs
// SHA-384 of the signed region; r and s sit zero-padded in 72-byte
// slots.
func verifyReportSignature(raw, vcekDER []byte) bool {
	logger := log.WithComponent("attestation")

	if len(raw) < SNPReportSize || len(vcekDER) == 0 {
		logger.Warn().Int("report_len", len(raw)).Int("vcek_len", len(vcekDER)).
			Msg("Cannot verify signature: invalid input sizes")
		return false
	}

	cert, err := x509.ParseCertificate(vcekDER)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to parse VCEK certificate")
		return false
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		logger.Warn().Msg("VCEK public key is not ECDSA")
		return false
	}

	r := new(big.Int).SetBytes(raw[offSigR : offSigR+sigComponentLen])
	s := new(big.Int).SetBytes(raw[offSigS : offSigS+sigComponentLen])

	digest := sha512.Sum384(raw[:signedRegionEnd])
	return ecdsa.Verify(pub, digest[:], r, s)
}

// verifyCertChain validates VCEK→ASK→ARK: parseability, issuer/subject
// linkage, the ARK self-signature, and each ECDSA-P384 signature over
// the DER-encoded TBSCertificate.
//
// A fully absent chain is acceptable (certificates may be resolved via
// KDS later); a partial chain is not.
func verifyCertChain(vcekDER, askDER, arkDER []byte) bool {
	logger := log.WithComponent("attestation")

	if len(vcekDER) == 0 || len(askDER) == 0 || len(arkDER) == 0 {
		if len(vcekDER) == 0 && len(askDER) == 0 && len(arkDER) == 0 {
			logger.Warn().Msg("Certificate chain absent, deferring to KDS")
			return true
		}
		logger.Warn().Msg("Certificate chain incomplete")
		return false
	}

	vcek, err := x509.ParseCertificate(vcekDER)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to parse VCEK certificate")
		return false
	}
	ask, err := x509.ParseCertificate(askDER)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to parse ASK certificate")
		return false
	}
	ark, err := x509.ParseCertificate(arkDER)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to parse ARK certificate")
		return false
	}

	if !bytes.Equal(vcek.RawIssuer, ask.RawSubject) {
		logger.Warn().Msg("VCEK issuer does not match ASK subject")
		return false
	}
	if !bytes.Equal(ask.RawIssuer, ark.RawSubject) {
		logger.Warn().Msg("ASK issuer does not match ARK subject")
		return false
	}
	if !bytes.Equal(ark.RawIssuer, ark.RawSubject) {
		logger.Warn().Msg("ARK is not self-signed")
		return false
	}

	if err := checkCertSignature(ark, ark); err != nil {
		logger.Warn().Err(err).Msg("ARK self-signature verification failed")
		return false
	}
	if err := checkCertSignature(ask, ark); err != nil {
		logger.Warn().Err(err).Msg("ASK signature verification failed (not signed by ARK)")
		return false
	}
	if err := checkCertSignature(vcek, ask); err != nil {
		logger.Warn().Err(err).Msg("VCEK signature verification failed (not signed by ASK)")
		return false
	}

	return true
}

// checkCertSignature verifies cert's signature over its TBSCertificate
// with issuer's public key.
func checkCertSignature(cert, issuer *x509.Certificate) error {
	return issuer.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature)
}
