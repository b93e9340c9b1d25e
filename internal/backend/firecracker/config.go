package firecracker

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath    = "LAUNCHPAD_FC_KERNEL_PATH"
	envRootfsDir     = "LAUNCHPAD_FC_ROOTFS_DIR"
	envBin           = "LAUNCHPAD_FC_BIN"
	envStateDir      = "LAUNCHPAD_FC_STATE_DIR"
	envCNIConfigDir  = "LAUNCHPAD_FC_CNI_CONFIG_DIR"
	envCNIBinDir     = "LAUNCHPAD_FC_CNI_BIN_DIR"
	envNetwork       = "LAUNCHPAD_FC_NETWORK"
	envVsockPort     = "LAUNCHPAD_FC_VSOCK_PORT"
	envMaxConcurrent = "LAUNCHPAD_FC_MAX_CONCURRENT_VMS"
)

// Config holds configuration for the Firecracker microVM backend.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsDir is the directory containing <image>.ext4 rootfs images.
	RootfsDir string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// StateDir holds per-VM sockets, rootfs copies and label records. It
	// must survive agent restarts for orphan discovery to work.
	StateDir string

	CNIConfigDir string
	CNIBinDir    string

	// Network enables CNI networking for each VM.
	Network bool

	// VsockPort is the guest agent vsock port.
	VsockPort uint32

	// CIDBase is the starting context ID for vsock.
	CIDBase uint32

	DefaultVCPUs int
	DefaultMemMB int

	// MaxConcurrentVMs is the job-set concurrency used when max_concurrency
	// is unset.
	MaxConcurrentVMs int
}

// LoadConfig reads Firecracker configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin:   "firecracker",
		StateDir:         DefaultStateDir,
		CNIConfigDir:     "/etc/cni/conf.d",
		CNIBinDir:        "/opt/cni/bin",
		Network:          true,
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		DefaultVCPUs:     DefaultVCPUs,
		DefaultMemMB:     DefaultMemMB,
		MaxConcurrentVMs: DefaultMaxConcurrentVMs,
	}

	for env, dst := range map[string]*string{
		envKernelPath:   &cfg.KernelPath,
		envRootfsDir:    &cfg.RootfsDir,
		envBin:          &cfg.FirecrackerBin,
		envStateDir:     &cfg.StateDir,
		envCNIConfigDir: &cfg.CNIConfigDir,
		envCNIBinDir:    &cfg.CNIBinDir,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(envNetwork); v != "" {
		cfg.Network = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentVMs = n
		}
	}

	return cfg
}
