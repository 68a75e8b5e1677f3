package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/a3s-lab/box/pkg/attest"
)

var attestFlags struct {
	nonceHex       string
	measurement    string
	requireNoDebug bool
	requireNoSMT   bool
	allowSimulated bool
	jsonOut        bool
}

var attestCmd = &cobra.Command{
	Use:   "attest BOX",
	Short: "Verify a box's SEV-SNP attestation report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nonce := make([]byte, 32)
		if attestFlags.nonceHex != "" {
			decoded, err := hex.DecodeString(attestFlags.nonceHex)
			if err != nil {
				return fmt.Errorf("invalid --nonce: %w", err)
			}
			nonce = decoded
		} else if _, err := rand.Read(nonce); err != nil {
			return err
		}

		policy := &attest.Policy{
			ExpectedMeasurement: attestFlags.measurement,
			RequireNoDebug:      attestFlags.requireNoDebug,
			RequireNoSMT:        attestFlags.requireNoSMT,
		}

		result, err := rt.Attest(cmd.Context(), args[0], nonce, policy, attestFlags.allowSimulated)
		if err != nil {
			return err
		}

		if attestFlags.jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		fmt.Printf("verified:    %v\n", result.Verified)
		fmt.Printf("nonce:       %v\n", result.NonceValid)
		fmt.Printf("signature:   %v\n", result.SignatureValid)
		fmt.Printf("cert chain:  %v\n", result.CertChainValid)
		fmt.Printf("policy:      %v\n", result.PolicyResult.Passed)
		fmt.Printf("measurement: %s\n", result.Platform.Measurement)
		for _, failure := range result.Failures {
			fmt.Printf("failure: %s\n", failure)
		}
		if !result.Verified {
			return fmt.Errorf("attestation failed")
		}
		return nil
	},
}

func init() {
	attestCmd.Flags().StringVar(&attestFlags.nonceHex, "nonce", "", "hex nonce (random when empty)")
	attestCmd.Flags().StringVar(&attestFlags.measurement, "measurement", "", "expected measurement hex")
	attestCmd.Flags().BoolVar(&attestFlags.requireNoDebug, "require-no-debug", true, "reject debug-enabled guests")
	attestCmd.Flags().BoolVar(&attestFlags.requireNoSMT, "require-no-smt", false, "reject SMT-enabled guests")
	attestCmd.Flags().BoolVar(&attestFlags.allowSimulated, "allow-simulated", false, "accept simulated reports")
	attestCmd.Flags().BoolVar(&attestFlags.jsonOut, "json", false, "JSON output")

	rootCmd.AddCommand(attestCmd)
}
