package identity

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
)

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/sys/class/dmi/id/product_uuid",
}

// collectSystemInfo snapshots host descriptors. Anything that cannot be
// read is left out rather than recorded as an error.
func collectSystemInfo() map[string]string {
	info := map[string]string{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"go_version": runtime.Version(),
	}
	if host, err := os.Hostname(); err == nil {
		info["hostname"] = host
	}
	if u, err := user.Current(); err == nil {
		info["user"] = u.Username
	}
	if wd, err := os.Getwd(); err == nil {
		info["working_directory"] = wd
	}
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		info["executable"] = exe
	}
	if id := machineID(); id != "" {
		info["machine_id"] = id
	}
	return info
}

func machineID() string {
	for _, p := range machineIDPaths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	return ""
}
