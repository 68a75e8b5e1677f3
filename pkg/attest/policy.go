package attest

import "fmt"

// Policy configures what a verified report must satisfy.
type Policy struct {
	// ExpectedMeasurement, when non-empty, must match the report's
	// measurement hex exactly.
	ExpectedMeasurement string `json:"expected_measurement,omitempty" yaml:"expected_measurement,omitempty"`

	// RequireNoDebug rejects reports with guest policy bit 19 set.
	RequireNoDebug bool `json:"require_no_debug" yaml:"require_no_debug"`

	// RequireNoSMT rejects reports with guest policy bit 16 set.
	RequireNoSMT bool `json:"require_no_smt" yaml:"require_no_smt"`

	// MinTCB enforces per-component minimum SVNs when set.
	MinTCB *TCBVersion `json:"min_tcb,omitempty" yaml:"min_tcb,omitempty"`

	// AllowedPolicyMask, when non-zero, requires
	// (report_policy & mask) == mask.
	AllowedPolicyMask uint64 `json:"allowed_policy_mask,omitempty" yaml:"allowed_policy_mask,omitempty"`
}

// Violation records one failed policy check.
type Violation struct {
	Check  string `json:"check"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("policy check %q failed: %s", v.Check, v.Reason)
}

// PolicyResult is the outcome of evaluating a report against a policy.
type PolicyResult struct {
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations,omitempty"`
}

// CheckPolicy evaluates the parsed platform info against the policy.
func CheckPolicy(platform *PlatformInfo, policy *Policy) PolicyResult {
	var violations []Violation

	if policy.ExpectedMeasurement != "" && platform.Measurement != policy.ExpectedMeasurement {
		violations = append(violations, Violation{
			Check: "measurement",
			Reason: fmt.Sprintf("expected %s, got %s",
				truncateHex(policy.ExpectedMeasurement), truncateHex(platform.Measurement)),
		})
	}

	if policy.RequireNoDebug && platform.Policy>>PolicyBitDebug&1 == 1 {
		violations = append(violations, Violation{
			Check:  "debug",
			Reason: "debug mode is enabled (policy bit 19 set)",
		})
	}

	if policy.RequireNoSMT && platform.Policy>>PolicyBitSMT&1 == 1 {
		violations = append(violations, Violation{
			Check:  "smt",
			Reason: "SMT is enabled (policy bit 16 set)",
		})
	}

	if min := policy.MinTCB; min != nil {
		tcb := platform.TCBVersion
		if tcb.BootLoader < min.BootLoader {
			violations = append(violations, Violation{
				Check:  "tcb.boot_loader",
				Reason: fmt.Sprintf("boot loader SVN %d < minimum %d", tcb.BootLoader, min.BootLoader),
			})
		}
		if tcb.TEE < min.TEE {
			violations = append(violations, Violation{
				Check:  "tcb.tee",
				Reason: fmt.Sprintf("TEE SVN %d < minimum %d", tcb.TEE, min.TEE),
			})
		}
		if tcb.SNP < min.SNP {
			violations = append(violations, Violation{
				Check:  "tcb.snp",
				Reason: fmt.Sprintf("SNP SVN %d < minimum %d", tcb.SNP, min.SNP),
			})
		}
		if tcb.Microcode < min.Microcode {
			violations = append(violations, Violation{
				Check:  "tcb.microcode",
				Reason: fmt.Sprintf("microcode SVN %d < minimum %d", tcb.Microcode, min.Microcode),
			})
		}
	}

	if mask := policy.AllowedPolicyMask; mask != 0 && platform.Policy&mask != mask {
		violations = append(violations, Violation{
			Check: "policy_mask",
			Reason: fmt.Sprintf("guest policy %#x does not satisfy mask %#x",
				platform.Policy, mask),
		})
	}

	return PolicyResult{Passed: len(violations) == 0, Violations: violations}
}

func truncateHex(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
