// Package platform detects the host OS and gates features that only work
// where Terminal.app and System Events exist.
package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Platform represents the detected platform
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL     Platform = "wsl"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

// ErrUnsupported is returned when UI automation is not available on this host.
var ErrUnsupported = errors.New("terminal automation is not supported on this platform")

var (
	detectOnce       sync.Once
	detectedPlatform Platform
)

// Detect returns the current platform, caching the result
func Detect() Platform {
	detectOnce.Do(func() {
		detectedPlatform = detect(runtime.GOOS, readProcVersion)
	})
	return detectedPlatform
}

func readProcVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	return string(data)
}

func detect(goos string, procVersion func() string) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		if os.Getenv("WSL_DISTRO_NAME") != "" {
			return PlatformWSL
		}
		if strings.Contains(strings.ToLower(procVersion()), "microsoft") {
			return PlatformWSL
		}
		return PlatformLinux
	default:
		return PlatformUnknown
	}
}

// String returns a human-readable platform name
func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL:
		return "WSL"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// SupportsAutomation reports whether p can drive Terminal.app via osascript.
func (p Platform) SupportsAutomation() bool {
	return p == PlatformMacOS
}

// RequireAutomation returns ErrUnsupported with a hint when the current
// host cannot run the automation driver.
func RequireAutomation() error {
	return requireAutomation(Detect())
}

func requireAutomation(p Platform) error {
	if p.SupportsAutomation() {
		return nil
	}
	if p == PlatformWSL {
		return fmt.Errorf("%w: %s (WSL cannot script the macOS Terminal)", ErrUnsupported, p)
	}
	return fmt.Errorf("%w: %s (macOS with Terminal.app is required)", ErrUnsupported, p)
}

// ProductVersion returns the macOS product version ("14.5"), or "" when it
// cannot be determined.
func ProductVersion(ctx context.Context) string {
	if Detect() != PlatformMacOS {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sw_vers", "-productVersion").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// CheckFsnotifySupport checks if a path's filesystem supports fsnotify events reliably.
// Returns a warning message if on a problematic filesystem (9p, nfs, cifs, sshfs),
// or an empty string if fsnotify should work normally.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsnotifyWarning(path, string(mounts))
}

func fsnotifyWarning(path, mounts string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ""
	}

	// Format: device mountpoint fstype options ...
	// Longest matching mountpoint wins.
	var matchedMount, matchedFsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if strings.HasPrefix(absPath, mountPoint) && len(mountPoint) > len(matchedMount) {
			matchedMount = mountPoint
			matchedFsType = fsType
		}
	}

	const suffix = "config changes need a restart to apply."
	switch {
	case matchedFsType == "9p":
		return "Config on 9p mount: " + suffix
	case matchedFsType == "nfs" || matchedFsType == "nfs4":
		return "Config on NFS mount: fsnotify may be unreliable, " + suffix
	case matchedFsType == "cifs" || matchedFsType == "smbfs":
		return "Config on CIFS/SMB mount: fsnotify may be unreliable, " + suffix
	case strings.HasPrefix(matchedFsType, "fuse.sshfs"):
		return "Config on SSHFS mount: " + suffix
	}
	return ""
}
