package firecracker

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	types100 "github.com/containernetworking/cni/pkg/types/100"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParseCIDR(s string) net.IPNet {
	ip, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	ipNet.IP = ip
	return *ipNet
}

func TestGenerateConfList(t *testing.T) {
	data, err := generateConfList()
	if err != nil {
		t.Fatalf("generateConfList: %v", err)
	}

	var parsed confListJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal conflist: %v", err)
	}
	if parsed.Name != CNINetworkName || parsed.CNIVersion != CNIVersion {
		t.Errorf("conflist header = %s/%s", parsed.Name, parsed.CNIVersion)
	}
	if len(parsed.Plugins) != 2 {
		t.Fatalf("plugins count = %d, want 2", len(parsed.Plugins))
	}
	bridge := parsed.Plugins[0]
	if bridge["type"] != "bridge" || bridge["bridge"] != DefaultBridgeName {
		t.Errorf("bridge plugin = %v", bridge)
	}
	ipam, ok := bridge["ipam"].(map[string]any)
	if !ok || ipam["subnet"] != DefaultSubnet || ipam["gateway"] != DefaultGateway {
		t.Errorf("ipam = %v", bridge["ipam"])
	}
	if parsed.Plugins[1]["type"] != "tc-redirect-tap" {
		t.Errorf("plugin[1] = %v", parsed.Plugins[1])
	}
}

func TestVerifyPlugins(t *testing.T) {
	dir := t.TempDir()
	nm, err := NewNetworkManager(Config{CNIBinDir: dir, CNIConfigDir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("NewNetworkManager: %v", err)
	}

	err = nm.Verify()
	if err == nil {
		t.Fatal("Verify succeeded with no plugins installed")
	}
	for _, p := range requiredCNIPlugins {
		if !strings.Contains(err.Error(), p) {
			t.Errorf("error %q does not name missing plugin %s", err, p)
		}
	}

	for _, p := range requiredCNIPlugins {
		if err := os.WriteFile(filepath.Join(dir, p), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := nm.Verify(); err != nil {
		t.Errorf("Verify with all plugins: %v", err)
	}
}

func TestWriteConfList(t *testing.T) {
	confDir := filepath.Join(t.TempDir(), "conf.d")
	nm, err := NewNetworkManager(Config{CNIBinDir: t.TempDir(), CNIConfigDir: confDir}, testLogger())
	if err != nil {
		t.Fatalf("NewNetworkManager: %v", err)
	}

	for range 2 {
		if err := nm.WriteConfList(); err != nil {
			t.Fatalf("WriteConfList: %v", err)
		}
	}
	data, err := os.ReadFile(filepath.Join(confDir, CNINetworkName+".conflist"))
	if err != nil {
		t.Fatalf("read conflist: %v", err)
	}
	if !strings.Contains(string(data), DefaultBridgeName) {
		t.Errorf("conflist does not mention %s", DefaultBridgeName)
	}
}

func TestTeardownWithoutNamespace(t *testing.T) {
	nm, err := NewNetworkManager(Config{CNIBinDir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("NewNetworkManager: %v", err)
	}
	if err := nm.Teardown(t.Context(), "never-created-"+t.Name()); err != nil {
		t.Errorf("Teardown of an unknown VM: %v", err)
	}
	if err := deleteNetNS("never-created"); err != nil {
		t.Errorf("deleteNetNS of a missing namespace: %v", err)
	}
}

func TestParseResult(t *testing.T) {
	const nsPath = "/var/run/netns/launchpad-test"
	ip := []*types100.IPConfig{{Address: mustParseCIDR("10.169.0.2/24"), Gateway: net.ParseIP("10.169.0.1")}}

	tests := []struct {
		name    string
		ifaces  []*types100.Interface
		ips     []*types100.IPConfig
		wantTap string
		wantErr string
	}{
		{
			name: "tap next to veth",
			ifaces: []*types100.Interface{
				{Name: "eth0", Mac: "02:00:00:00:00:01", Sandbox: nsPath},
				{Name: "tap0", Mac: "02:00:00:00:00:02", Sandbox: nsPath},
			},
			ips:     ip,
			wantTap: "tap0",
		},
		{
			name:    "veth only",
			ifaces:  []*types100.Interface{{Name: "eth0", Mac: "02:00:00:00:00:01", Sandbox: nsPath}},
			ips:     ip,
			wantTap: "eth0",
		},
		{
			name:    "no sandboxed interface",
			ifaces:  []*types100.Interface{{Name: "veth123", Mac: "02:00:00:00:00:01"}},
			ips:     ip,
			wantErr: "no TAP device",
		},
		{
			name:    "no IPs",
			ifaces:  []*types100.Interface{{Name: "tap0", Sandbox: nsPath}},
			wantErr: "no IP address",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &types100.Result{CNIVersion: CNIVersion, Interfaces: tt.ifaces, IPs: tt.ips}
			cfg, err := parseResult(res, nsPath)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseResult: %v", err)
			}
			if cfg.TAPDevice != tt.wantTap {
				t.Errorf("TAPDevice = %q, want %q", cfg.TAPDevice, tt.wantTap)
			}
			if cfg.GuestIP != "10.169.0.2/24" || cfg.GatewayIP != "10.169.0.1" {
				t.Errorf("addresses = %s via %s", cfg.GuestIP, cfg.GatewayIP)
			}
			if cfg.NamespacePath != nsPath {
				t.Errorf("NamespacePath = %q", cfg.NamespacePath)
			}
		})
	}
}
