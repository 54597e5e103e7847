package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type ServiceOptions struct {
	User       string
	WorkDir    string
	Binary     string
	ConfigFile string
	// SerialDevice is the systemd device unit name the service waits for,
	// e.g. dev-ttyUSB0.device. Empty skips the dependency.
	SerialDevice string
}

// DeviceUnit maps a device path such as /dev/ttyUSB0 to its systemd unit.
func DeviceUnit(path string) string {
	if path == "" {
		return ""
	}
	trimmed := strings.TrimPrefix(filepath.Clean(path), "/")
	return strings.ReplaceAll(trimmed, "/", "-") + ".device"
}

func ServiceUnit(o ServiceOptions) string {
	after := "network.target"
	requires := ""
	if o.SerialDevice != "" {
		after += " " + o.SerialDevice
		requires = "Requires=" + o.SerialDevice + "\n"
	}

	return fmt.Sprintf(`[Unit]
Description=Relay board controller
After=%s
%s
[Service]
Type=simple
User=%s
WorkingDirectory=%s
ExecStart=%s -config-file %s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, after, requires, o.User, o.WorkDir, o.Binary, o.ConfigFile)
}

func InstallService(unitPath string, o ServiceOptions) error {
	if o.Binary == "" || o.ConfigFile == "" {
		return fmt.Errorf("service needs both a binary and a config file")
	}
	return os.WriteFile(unitPath, []byte(ServiceUnit(o)), 0644)
}
