// Package rootfs composes a guest root filesystem from one or more OCI
// images, overlaying the guest-init binary and essential system files.
package rootfs

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/a3s-lab/box/pkg/errdefs"
)

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// ExtractLayer unpacks a gzip-compressed layer tarball into dest,
// honoring OCI whiteouts and opaque directory markers.
func ExtractLayer(layerPath, dest string) error {
	f, err := os.Open(layerPath)
	if err != nil {
		return errdefs.Image("opening layer %s: %v", layerPath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errdefs.Image("decompressing layer %s: %v", layerPath, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errdefs.Image("creating extraction target %s: %v", dest, err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errdefs.Image("reading layer %s: %v", layerPath, err)
		}

		if err := applyEntry(tr, hdr, dest); err != nil {
			return err
		}
	}
}

func applyEntry(tr *tar.Reader, hdr *tar.Header, dest string) error {
	name := filepath.Clean(hdr.Name)
	if name == "." || strings.HasPrefix(name, "..") {
		return nil
	}
	target := filepath.Join(dest, name)

	// Refuse entries that escape the target tree.
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return errdefs.Image("layer entry escapes extraction root: %s", hdr.Name)
	}

	base := filepath.Base(name)

	// Opaque marker: the directory's lower-layer contents disappear.
	if base == opaqueMarker {
		dir := filepath.Dir(target)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return errdefs.Image("applying opaque marker in %s: %v", dir, err)
			}
		}
		return nil
	}

	// Whiteout: the named sibling from a lower layer disappears.
	if strings.HasPrefix(base, whiteoutPrefix) {
		removed := filepath.Join(filepath.Dir(target), strings.TrimPrefix(base, whiteoutPrefix))
		if err := os.RemoveAll(removed); err != nil {
			return errdefs.Image("applying whiteout %s: %v", hdr.Name, err)
		}
		return nil
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()); err != nil {
			return errdefs.Image("creating directory %s: %v", target, err)
		}

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errdefs.Image("creating parent of %s: %v", target, err)
		}
		_ = os.Remove(target)
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return errdefs.Image("creating file %s: %v", target, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return errdefs.Image("writing file %s: %v", target, err)
		}
		if err := out.Close(); err != nil {
			return errdefs.Image("closing file %s: %v", target, err)
		}

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errdefs.Image("creating parent of %s: %v", target, err)
		}
		_ = os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return errdefs.Image("creating symlink %s: %v", target, err)
		}

	case tar.TypeLink:
		linkSource := filepath.Join(dest, filepath.Clean(hdr.Linkname))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errdefs.Image("creating parent of %s: %v", target, err)
		}
		_ = os.Remove(target)
		if err := os.Link(linkSource, target); err != nil {
			return errdefs.Image("creating hardlink %s: %v", target, err)
		}

	default:
		// Device nodes and FIFOs are skipped; the guest kernel supplies
		// /dev via devtmpfs.
	}

	return nil
}
