package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	defaultVersion = "0.1.0-dev"
	binaryName     = "job-cooldown"
)

// Version holds the semantic version for the running binary. Release builds set it via
// -ldflags "-X github.com/jobcooldown/jobcooldown/pkg/version.Version=<value>".
var Version = defaultVersion

var readBuildInfo = debug.ReadBuildInfo

// Info describes the build of the running binary.
type Info struct {
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
}

// Get resolves build information, preferring an ldflags override, then the module
// version, then the VCS revision stamped by the Go toolchain.
func Get() Info {
	info := Info{Version: Version, GoVersion: runtime.Version()}

	build, ok := readBuildInfo()
	if !ok || build == nil {
		return info
	}
	info.Revision, info.Modified = vcsState(build.Settings)

	if Version != "" && Version != defaultVersion {
		return info
	}
	if v := moduleVersion(build.Main.Version); v != "" {
		info.Version = v
		return info
	}
	if info.Revision != "" {
		info.Version = "devel+" + shortRevision(info.Revision, info.Modified)
	}
	return info
}

// String renders the build for the version command.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", binaryName, i.Version)
	if i.Revision != "" && !strings.HasPrefix(i.Version, "devel+") {
		fmt.Fprintf(&b, " (%s)", shortRevision(i.Revision, i.Modified))
	}
	if i.GoVersion != "" {
		fmt.Fprintf(&b, " %s", i.GoVersion)
	}
	return b.String()
}

// UserAgent identifies this binary to the execution store, e.g. in stop markers.
func UserAgent() string {
	return binaryName + "/" + Get().Version
}

func moduleVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "(devel)" {
		return ""
	}
	return v
}

func vcsState(settings []debug.BuildSetting) (revision string, modified bool) {
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			revision = strings.TrimSpace(setting.Value)
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	return revision, modified
}

func shortRevision(revision string, modified bool) string {
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if modified {
		revision += "-dirty"
	}
	return revision
}
