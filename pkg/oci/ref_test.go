package oci

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRef(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare repo gets latest", "alpine", "alpine:latest"},
		{"repo with tag unchanged", "alpine:3.19", "alpine:3.19"},
		{"registry path without tag", "ghcr.io/a3s/code", "ghcr.io/a3s/code:latest"},
		{"registry with port and tag", "localhost:5000/app:v1", "localhost:5000/app:v1"},
		{"registry with port without tag", "localhost:5000/app", "localhost:5000/app:latest"},
		{"digest reference unchanged", "alpine@sha256:abc", "alpine@sha256:abc"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeRef(tt.in))
		})
	}
}

func TestIsDigestRef(t *testing.T) {
	assert.True(t, IsDigestRef("alpine@sha256:abc"))
	assert.False(t, IsDigestRef("alpine:3.19"))
}
