package rootfs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/a3s-lab/box/pkg/cache"
	"github.com/a3s-lab/box/pkg/errdefs"
	"github.com/a3s-lab/box/pkg/fsutil"
	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/oci"
)

// Default guest mount targets for the two image roles.
const (
	DefaultAgentTarget    = "/agent"
	DefaultBusinessTarget = "/workspace"
)

// Composition configures which images land where in the rootfs.
type Composition struct {
	// AgentImage is the OCI layout path of the agent image. Required.
	AgentImage string

	// BusinessImage optionally overlays a second image.
	BusinessImage string

	// AgentTarget is the guest directory for agent files.
	AgentTarget string

	// BusinessTarget is the guest directory for business code files.
	BusinessTarget string

	// GuestInit is the host path of the guest-init binary. When set it
	// is installed at /sbin/init mode 0755.
	GuestInit string
}

// Composer builds a guest rootfs from OCI images, extracting layers
// through the layer cache.
type Composer struct {
	layers *cache.LayerCache
	logger zerolog.Logger
}

// NewComposer creates a composer backed by the given layer cache.
func NewComposer(layers *cache.LayerCache) *Composer {
	return &Composer{
		layers: layers,
		logger: log.WithComponent("rootfs-composer"),
	}
}

// Compose builds the rootfs at rootfsPath. On failure the partial tree
// is removed, never left half-built.
func (c *Composer) Compose(rootfsPath string, comp Composition) error {
	if comp.AgentImage == "" {
		return errdefs.Config("agent OCI image path not set")
	}
	if comp.AgentTarget == "" {
		comp.AgentTarget = DefaultAgentTarget
	}
	if comp.BusinessTarget == "" {
		comp.BusinessTarget = DefaultBusinessTarget
	}

	c.logger.Info().Str("rootfs", rootfsPath).Msg("Building rootfs")

	if err := c.compose(rootfsPath, comp); err != nil {
		_ = os.RemoveAll(rootfsPath)
		return err
	}

	c.logger.Info().Str("rootfs", rootfsPath).Msg("Rootfs built")
	return nil
}

func (c *Composer) compose(rootfsPath string, comp Composition) error {
	if err := c.createSkeleton(rootfsPath, comp); err != nil {
		return err
	}

	agentTarget := filepath.Join(rootfsPath, strings.TrimPrefix(comp.AgentTarget, "/"))
	if err := c.extractImage(comp.AgentImage, agentTarget); err != nil {
		return err
	}

	if comp.BusinessImage != "" {
		businessTarget := filepath.Join(rootfsPath, strings.TrimPrefix(comp.BusinessTarget, "/"))
		if err := c.extractImage(comp.BusinessImage, businessTarget); err != nil {
			return err
		}
	}

	if comp.GuestInit != "" {
		if err := c.installGuestInit(rootfsPath, comp.GuestInit); err != nil {
			return err
		}
	}

	return c.writeEssentialFiles(rootfsPath)
}

func (c *Composer) createSkeleton(rootfsPath string, comp Composition) error {
	dirs := []string{
		"dev", "proc", "sys", "tmp", "run", "etc", "var/tmp", "var/log",
		strings.TrimPrefix(comp.AgentTarget, "/"),
		strings.TrimPrefix(comp.BusinessTarget, "/"),
	}
	for _, dir := range dirs {
		full := filepath.Join(rootfsPath, dir)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return errdefs.Config("creating directory %s: %v", full, err)
		}
	}
	return nil
}

// extractImage extracts every layer of the image into target, bottom to
// top, so upper layers overwrite lower ones. Each layer goes through
// the layer cache: on a miss it is extracted once and published.
func (c *Composer) extractImage(imagePath, target string) error {
	img, err := oci.LoadImage(imagePath)
	if err != nil {
		return err
	}

	c.logger.Info().Str("image", imagePath).Str("target", target).
		Int("layers", len(img.LayerDigests())).Msg("Extracting image")

	for _, dgst := range img.LayerDigests() {
		cached, ok := c.layers.Get(dgst.String())
		if !ok {
			staging, err := os.MkdirTemp("", "layer-")
			if err != nil {
				return errdefs.Image("creating layer staging directory: %v", err)
			}
			if err := ExtractLayer(img.LayerPath(dgst), staging); err != nil {
				os.RemoveAll(staging)
				return err
			}
			cached, err = c.layers.Put(dgst.String(), staging)
			os.RemoveAll(staging)
			if err != nil {
				return err
			}
		}

		if err := fsutil.CopyDir(cached, target); err != nil {
			return errdefs.Image("overlaying layer %s: %v", dgst, err)
		}
	}

	return nil
}

func (c *Composer) installGuestInit(rootfsPath, guestInit string) error {
	if _, err := os.Stat(guestInit); err != nil {
		return errdefs.Config("guest init binary not found: %s", guestInit)
	}

	sbinDir := filepath.Join(rootfsPath, "sbin")
	if err := os.MkdirAll(sbinDir, 0o755); err != nil {
		return errdefs.Config("creating /sbin: %v", err)
	}

	initPath := filepath.Join(sbinDir, "init")
	if err := fsutil.CopyFile(guestInit, initPath, 0o755); err != nil {
		return errdefs.Config("installing guest init at %s: %v", initPath, err)
	}
	if err := os.Chmod(initPath, 0o755); err != nil {
		return errdefs.Config("chmod guest init: %v", err)
	}

	c.logger.Info().Str("src", guestInit).Str("dst", initPath).Msg("Installed guest init")
	return nil
}

func (c *Composer) writeEssentialFiles(rootfsPath string) error {
	files := map[string]string{
		"etc/passwd":        "root:x:0:0:root:/root:/bin/sh\nnobody:x:65534:65534:nobody:/:/bin/false\n",
		"etc/group":         "root:x:0:\nnogroup:x:65534:\n",
		"etc/hosts":         "127.0.0.1\tlocalhost\n::1\t\tlocalhost\n",
		"etc/resolv.conf":   "nameserver 8.8.8.8\nnameserver 8.8.4.4\n",
		"etc/nsswitch.conf": "passwd: files\ngroup: files\nhosts: files dns\n",
	}

	for rel, content := range files {
		full := filepath.Join(rootfsPath, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return errdefs.Config("creating parent of %s: %v", full, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return errdefs.Config("writing %s: %v", full, err)
		}
	}
	return nil
}

// AgentExecutablePath resolves the guest-side absolute path of the
// agent entrypoint. An absolute entrypoint is re-rooted under the agent
// target; a relative one is joined to it; an empty entrypoint falls
// back to the conventional default.
func AgentExecutablePath(agentTarget string, entrypoint []string) string {
	if len(entrypoint) == 0 {
		return agentTarget + "/bin/agent"
	}

	exe := entrypoint[0]
	trimmed := strings.TrimSuffix(agentTarget, "/")
	if strings.HasPrefix(exe, "/") {
		return trimmed + exe
	}
	return trimmed + "/" + exe
}
