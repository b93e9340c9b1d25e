package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// Networking defaults for the microVM CNI bridge.
const (
	DefaultBridgeName = "lpbr0"
	DefaultSubnet     = "10.169.0.0/24"
	DefaultGateway    = "10.169.0.1"

	CNINetworkName = "launchpad-fcnet"
	CNIVersion     = "1.0.0"

	// CNIIfName is the veth name inside the VM's network namespace.
	CNIIfName = "eth0"

	CNICacheDir = "/var/lib/cni/cache"
	NetNSRunDir = "/var/run/netns"
	NetNSPrefix = "launchpad-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// NetworkConfig is what a VM needs from a completed CNI ADD.
type NetworkConfig struct {
	TAPDevice     string
	GuestIP       string
	GatewayIP     string
	MACAddress    string
	NamespacePath string
}

// NetworkManager wires each microVM into a CNI bridge network inside its own
// named network namespace. Namespaces are derived from the VM ID alone, so a
// restarted agent can tear down networking for VMs it did not boot.
type NetworkManager struct {
	cniBinDir     string
	cniConfigDir  string
	cniConfig     *libcni.CNIConfig
	confList      *libcni.NetworkConfigList
	confListBytes []byte
	logger        *slog.Logger
}

// NewNetworkManager builds the CNI configuration for the bridge network.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		cniBinDir:     cfg.CNIBinDir,
		cniConfigDir:  cfg.CNIConfigDir,
		cniConfig:     libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		confList:      confList,
		confListBytes: confBytes,
		logger:        logger,
	}, nil
}

func namespaceFor(vmID string) (name, path string) {
	name = NetNSPrefix + vmID
	return name, filepath.Join(NetNSRunDir, name)
}

func runtimeConf(vmID, nsPath string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{ContainerID: vmID, NetNS: nsPath, IfName: CNIIfName}
}

// Setup creates the VM's namespace and runs CNI ADD in it.
func (nm *NetworkManager) Setup(ctx context.Context, vmID string) (*NetworkConfig, error) {
	nsName, nsPath := namespaceFor(vmID)
	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}

	rt := runtimeConf(vmID, nsPath)
	result, err := nm.cniConfig.AddNetworkList(ctx, nm.confList, rt)
	if err != nil {
		if nsErr := deleteNetNS(nsName); nsErr != nil {
			nm.logger.Warn("netns cleanup after CNI ADD failure", "vm_id", vmID, "error", nsErr)
		}
		return nil, fmt.Errorf("CNI ADD for %s: %w", vmID, err)
	}

	netCfg, err := parseResult(result, nsPath)
	if err != nil {
		if delErr := nm.cniConfig.DelNetworkList(ctx, nm.confList, rt); delErr != nil {
			nm.logger.Debug("CNI DEL after parse failure", "vm_id", vmID, "error", delErr)
		}
		if nsErr := deleteNetNS(nsName); nsErr != nil {
			nm.logger.Debug("netns cleanup after parse failure", "vm_id", vmID, "error", nsErr)
		}
		return nil, fmt.Errorf("parse CNI result for %s: %w", vmID, err)
	}

	nm.logger.Debug("network setup complete",
		"vm_id", vmID,
		"tap", netCfg.TAPDevice,
		"guest_ip", netCfg.GuestIP,
	)
	return netCfg, nil
}

// Teardown runs CNI DEL and removes the VM's namespace. It is a no-op for a
// VM whose namespace is already gone.
func (nm *NetworkManager) Teardown(ctx context.Context, vmID string) error {
	nsName, nsPath := namespaceFor(vmID)
	if _, err := os.Stat(nsPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	var errs []error
	if err := nm.cniConfig.DelNetworkList(ctx, nm.confList, runtimeConf(vmID, nsPath)); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", vmID, err))
	}
	if err := deleteNetNS(nsName); err != nil {
		errs = append(errs, fmt.Errorf("delete netns for %s: %w", vmID, err))
	}
	return errors.Join(errs...)
}

// Verify checks that all required CNI plugins exist in the bin directory.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.cniBinDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList writes the conflist into the CNI config directory so other
// tooling sees the same network.
func (nm *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(nm.cniConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	confPath := filepath.Join(nm.cniConfigDir, CNINetworkName+".conflist")
	if err := os.WriteFile(confPath, nm.confListBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	return nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList returns a bridge + tc-redirect-tap conflist.
func generateConfList() ([]byte, error) {
	data, err := json.MarshalIndent(confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  DefaultSubnet,
					"gateway": DefaultGateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult picks the TAP device and guest address out of a CNI result.
// tc-redirect-tap adds the TAP next to the veth, so the veth is skipped when
// another sandboxed interface exists.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	netCfg := &NetworkConfig{NamespacePath: nsPath}
	var fallback *types100.Interface
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if iface.Name != CNIIfName {
			netCfg.TAPDevice, netCfg.MACAddress = iface.Name, iface.Mac
			break
		}
		if fallback == nil {
			fallback = iface
		}
	}
	if netCfg.TAPDevice == "" && fallback != nil {
		netCfg.TAPDevice, netCfg.MACAddress = fallback.Name, fallback.Mac
	}
	if netCfg.TAPDevice == "" {
		return nil, fmt.Errorf("no TAP device in CNI result")
	}

	if len(res.IPs) == 0 {
		return nil, fmt.Errorf("no IP address in CNI result")
	}
	netCfg.GuestIP = res.IPs[0].Address.String()
	if res.IPs[0].Gateway != nil {
		netCfg.GatewayIP = res.IPs[0].Gateway.String()
	}
	return netCfg, nil
}

func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	if out, err := exec.Command("ip", "netns", "add", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// deleteNetNS removes a named namespace; a missing namespace is not an error.
func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if out, err := exec.Command("ip", "netns", "delete", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// EnsureIPForwarding enables IPv4 forwarding, needed for NAT out of the
// bridge subnet.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}
