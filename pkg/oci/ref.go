package oci

import "strings"

// NormalizeRef canonicalizes an image reference. A repository with no
// tag and no digest is treated as ":latest"; tagged and digest
// references pass through unchanged.
func NormalizeRef(ref string) string {
	if ref == "" {
		return ref
	}
	if strings.Contains(ref, "@") {
		return ref
	}
	// A colon after the last slash is a tag; otherwise it is part of a
	// registry host:port.
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref
	}
	return ref + ":latest"
}

// IsDigestRef reports whether the reference pins a digest rather than a
// tag.
func IsDigestRef(ref string) bool {
	return strings.Contains(ref, "@")
}
