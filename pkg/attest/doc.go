/*
Package attest verifies AMD SEV-SNP attestation reports.

Verification is the trust anchor of the runtime: a report that passes
means the workload measured into the VM is genuinely running on AMD
hardware with the expected launch state.

# Verification flow

Verify runs the checks in order:

 1. Structure — the raw report must be at least the SNP report size;
    anything shorter is an error, not a result.
 2. Simulation gate — a report carrying the simulated version marker is
    rejected outright unless the caller allows simulation.
 3. Nonce — the expected nonce is compared byte-for-byte against the
    prefix of the report_data field (offset 0x50, 64 bytes).
 4. Report signature — ECDSA-P384 over report bytes [0x000, 0x2A0)
    using the VCEK public key. r and s sit zero-padded big-endian in
    72-byte slots at 0x2A0 and 0x2E8. Skipped for simulated reports.
 5. Certificate chain — VCEK signed by ASK, ASK signed by ARK, ARK
    self-signed, each issuer matching its signer's subject. A fully
    absent chain is acceptable (resolution via the AMD KDS happens
    elsewhere); a partial chain is not. Skipped for simulated reports.
 6. Policy — measurement match, debug bit 19, SMT bit 16, per-component
    TCB minimums, and the allowed policy mask.

The result carries one flag per check plus human-readable failures;
Verified is their conjunction.

# Simulated reports

BuildSimulatedReport produces a structurally valid report binding a
nonce, marked so verifiers can never mistake it for hardware output.
It exists for hosts without SEV-SNP and for tests.
*/
package attest
