// internal/platform/identity.go
package platform

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// Identity describes the host an agent runs on.
type Identity struct {
	Hostname string
	HostID   string
	OS       string
	Platform string
}

// HostIdentity gathers host facts through gopsutil, falling back to
// os.Hostname when host info is unavailable.
func HostIdentity(ctx context.Context) Identity {
	info, err := host.InfoWithContext(ctx)
	if err != nil || info == nil {
		hostname, _ := os.Hostname()
		return Identity{Hostname: hostname, OS: OS()}
	}
	return Identity{
		Hostname: info.Hostname,
		HostID:   info.HostID,
		OS:       info.OS,
		Platform: info.Platform,
	}
}

// DefaultNodeID returns a node id derived from the hostname, or "gpu-node"
// when no hostname can be determined.
func DefaultNodeID(id Identity) string {
	name := strings.ToLower(strings.TrimSpace(id.Hostname))
	if name == "" {
		return "gpu-node"
	}
	return name
}

// OS returns the current operating system (linux, darwin or windows)
func OS() string {
	return runtime.GOOS
}
