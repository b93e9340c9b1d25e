package firecracker

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default resource limits.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 512
)

// DefaultImage is the rootfs used when a run spec names no image.
const DefaultImage = "base"

// RootfsFilename is the format string for rootfs image filenames (e.g. "base.ext4").
const RootfsFilename = "%s.ext4"

// Guest paths.
const (
	// GuestWorkDir is the working directory of jobs inside the microVM.
	GuestWorkDir = "/work"

	// GuestAgentPath is the path to the guest agent binary inside the rootfs.
	GuestAgentPath = "/usr/local/bin/launchpad-guest"
)

// DefaultStateDir holds one directory per microVM, each with its label record.
const DefaultStateDir = "/var/lib/launchpad/vms"

// DefaultMaxConcurrentVMs is the per-agent concurrency default for microVMs.
const DefaultMaxConcurrentVMs = 10

var imageNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// RootfsPath returns the full path to the rootfs image named image.
func RootfsPath(rootfsDir, image string) (string, error) {
	if image == "" {
		image = DefaultImage
	}
	if !imageNamePattern.MatchString(image) {
		return "", fmt.Errorf("invalid image name %q", image)
	}
	return filepath.Join(rootfsDir, fmt.Sprintf(RootfsFilename, image)), nil
}
