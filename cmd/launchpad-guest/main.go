// Command launchpad-guest is the agent that runs as init inside launchpad
// microVMs. It listens on vsock for start and status requests from the host.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o launchpad-guest ./cmd/launchpad-guest
package main

import (
	"log/slog"
	"os"

	"github.com/mdlayher/vsock"

	fc "github.com/seantiz/launchpad/internal/backend/firecracker"
	"github.com/seantiz/launchpad/internal/guest"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	guest.SetupInit(logger)

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		logger.Error("vsock listen", "port", port, "error", err)
		os.Exit(1)
	}
	defer l.Close()

	logger.Info("launchpad-guest listening", "vsock_port", port)

	agent := guest.New(l, fc.GuestWorkDir, logger)
	if err := agent.Serve(); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
