// Package registry tracks per-device session directories for
// multi-device EAB setups, consolidating the list/register/unregister
// surface that the original implementation duplicated across
// device_registry.py and singleton.py. Grounded on
// _examples/original_source/eab/device_registry.py.
package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shanemmattner/embedded-agent-bridge/internal/singleton"
)

// Device describes one registered EAB device, whether or not a daemon
// is currently running for it.
type Device struct {
	PID        int
	IsAlive    bool
	Port       string
	BaseDir    string
	Started    string
	DeviceName string
	DeviceType string
	Chip       string
}

func devicesDir() string {
	return singleton.DevicesDir()
}

// List scans the devices directory for every registered device,
// merging daemon'd devices (resolved via the singleton package) with
// debug-only devices that were registered but never started a daemon.
func List() []Device {
	dir := devicesDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var devices []Device
	for _, name := range names {
		deviceDir := filepath.Join(dir, name)
		infoFile := filepath.Join(deviceDir, "daemon.info")
		if st, err := os.Stat(infoFile); err != nil || st.IsDir() {
			continue
		}

		if existing := singleton.Check(name); existing != nil {
			devices = append(devices, Device{
				PID:        existing.PID,
				IsAlive:    existing.IsAlive,
				Port:       existing.Port,
				BaseDir:    existing.BaseDir,
				Started:    existing.Started,
				DeviceName: existing.DeviceName,
				DeviceType: existing.DeviceType,
				Chip:       existing.Chip,
			})
			continue
		}

		info, _ := parseInfoFile(infoFile)
		devices = append(devices, Device{
			PID:        0,
			IsAlive:    false,
			Port:       info["port"],
			BaseDir:    orDefault(info["base_dir"], deviceDir),
			Started:    info["started"],
			DeviceName: name,
			DeviceType: orDefault(info["type"], "debug"),
			Chip:       info["chip"],
		})
	}
	return devices
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseInfoFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), "=", 2)
		if len(parts) != 2 {
			continue
		}
		result[parts[0]] = parts[1]
	}
	return result, nil
}

// Register creates a session directory and daemon.info for name
// without starting a daemon, for devices that are only ever inspected
// via debug probe (no serial daemon). Returns the session directory.
func Register(name, deviceType, chip string) (string, error) {
	if deviceType == "" {
		deviceType = "debug"
	}
	deviceDir := filepath.Join(devicesDir(), name)
	if err := os.MkdirAll(deviceDir, 0o755); err != nil {
		return "", err
	}

	infoFile := filepath.Join(deviceDir, "daemon.info")
	var sb strings.Builder
	fmt.Fprintf(&sb, "pid=0\n")
	fmt.Fprintf(&sb, "port=\n")
	fmt.Fprintf(&sb, "base_dir=%s\n", deviceDir)
	fmt.Fprintf(&sb, "started=%s\n", time.Now().Format(time.RFC3339Nano))
	fmt.Fprintf(&sb, "device_name=%s\n", name)
	fmt.Fprintf(&sb, "type=%s\n", deviceType)
	fmt.Fprintf(&sb, "chip=%s\n", chip)
	if err := os.WriteFile(infoFile, []byte(sb.String()), 0o644); err != nil {
		return "", err
	}
	return deviceDir, nil
}

// Unregister removes a device's session directory, refusing if its
// daemon is still alive. There is an inherent TOCTOU race between the
// liveness check and the directory removal; acceptable since
// registration is a manual operator action, not an automated one.
func Unregister(name string) bool {
	deviceDir := filepath.Join(devicesDir(), name)
	if st, err := os.Stat(deviceDir); err != nil || !st.IsDir() {
		return false
	}

	if existing := singleton.Check(name); existing != nil && existing.IsAlive {
		return false
	}

	os.RemoveAll(deviceDir)
	return true
}
