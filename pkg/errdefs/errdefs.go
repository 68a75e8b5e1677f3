// Package errdefs defines the error taxonomy shared by the box runtime.
//
// Components wrap these sentinels with fmt.Errorf and %w so callers can
// classify failures with errors.Is without depending on error strings.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig indicates an invalid configuration value (bad CIDR,
	// negative limit, min_idle > max_size, unparseable OCI layout).
	ErrConfig = errors.New("invalid configuration")

	// ErrNotFound indicates an unknown image reference, box ID, or
	// missing cache entry.
	ErrNotFound = errors.New("not found")

	// ErrImage indicates an invalid manifest, digest mismatch, or
	// corrupt blob.
	ErrImage = errors.New("image error")

	// ErrBoot indicates the VMM rejected its configuration, the rootfs
	// is missing, or the shim exited before the VM became ready.
	ErrBoot = errors.New("boot error")

	// ErrTee indicates the TEE is unavailable on this host or its
	// configuration is invalid.
	ErrTee = errors.New("tee error")

	// ErrAttestation indicates a report that is too short, a nonce
	// mismatch, an invalid signature or chain, or a policy violation.
	ErrAttestation = errors.New("attestation error")

	// ErrPool indicates acquisition from a drained pool or an invalid
	// pool configuration.
	ErrPool = errors.New("pool error")

	// ErrTimeout indicates an operation did not complete within its
	// bound.
	ErrTimeout = errors.New("timeout")
)

// Config wraps a formatted message as a configuration error.
func Config(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrConfig, args)...)
}

// NotFound wraps a formatted message as a not-found error.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrNotFound, args)...)
}

// Image wraps a formatted message as an image error.
func Image(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrImage, args)...)
}

// Boot wraps a formatted message as a boot error.
func Boot(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrBoot, args)...)
}

// Tee wraps a formatted message as a TEE error.
func Tee(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrTee, args)...)
}

// Attestation wraps a formatted message as an attestation error.
func Attestation(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrAttestation, args)...)
}

// Pool wraps a formatted message as a pool error.
func Pool(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrPool, args)...)
}

// Timeout wraps a formatted message as a timeout error.
func Timeout(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrTimeout, args)...)
}

// IsNotFound reports whether err classifies as not-found.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConfig reports whether err classifies as a configuration error.
func IsConfig(err error) bool { return errors.Is(err, ErrConfig) }

// IsTimeout reports whether err classifies as a timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

func prepend(err error, args []any) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, err)
	return append(out, args...)
}
