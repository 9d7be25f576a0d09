package script

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// RemainingVariable is the variable assigned in front of every remediation script.
const RemainingVariable = "remainCoolTime"

// Platform selects the shell dialect a script is rendered for.
type Platform int

const (
	PlatformPosix Platform = iota
	PlatformWindows
)

var prefixBuilders = map[Platform]func(remaining int64) string{
	PlatformPosix: func(remaining int64) string {
		return RemainingVariable + "=" + strconv.FormatInt(remaining, 10) + ";\n"
	},
	PlatformWindows: func(remaining int64) string {
		return "set " + RemainingVariable + "=" + strconv.FormatInt(remaining, 10) + ";\n"
	},
}

// HostPlatform returns the dialect of the machine running this process.
func HostPlatform() Platform {
	if runtime.GOOS == "windows" {
		return PlatformWindows
	}
	return PlatformPosix
}

// PlatformFor maps the launcher capability flag onto a Platform.
func PlatformFor(posix bool) Platform {
	if posix {
		return PlatformPosix
	}
	return PlatformWindows
}

// ParsePlatform accepts "posix", "unix", "linux" and "windows".
func ParsePlatform(value string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "posix", "unix", "linux", "darwin":
		return PlatformPosix, nil
	case "windows":
		return PlatformWindows, nil
	default:
		return 0, fmt.Errorf("unsupported platform %q", value)
	}
}

func (p Platform) String() string {
	switch p {
	case PlatformPosix:
		return "posix"
	case PlatformWindows:
		return "windows"
	default:
		return fmt.Sprintf("platform(%d)", int(p))
	}
}

// Prefix renders the remaining-time assignment line for the platform.
func (p Platform) Prefix(remaining int64) string {
	build, ok := prefixBuilders[p]
	if !ok {
		build = prefixBuilders[PlatformPosix]
	}
	return build(remaining)
}

// Compose prepends the remaining-time assignment to the user supplied template.
func Compose(p Platform, remaining int64, template string) string {
	return p.Prefix(remaining) + template
}
