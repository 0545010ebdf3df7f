// Package appinfo reports build information of the running binary
package appinfo

import (
	"runtime"
	"runtime/debug"
)

// Name is the service name reported by health checks and logs
const Name = "livecomments"

// Version is set at build time:
//
//	go build -ldflags "-X livecomments/internal/utils/appinfo.Version=v1.2.3"
var Version = ""

// Info describes the running binary
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get collects build information. The version falls back to the main
// module version and then to "dev".
func Get() Info {
	info := Info{Name: Name, Version: Version, GoVersion: runtime.Version()}

	build, ok := debug.ReadBuildInfo()
	if !ok {
		if info.Version == "" {
			info.Version = "dev"
		}
		return info
	}

	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = setting.Value
		case "vcs.modified":
			info.Modified = setting.Value == "true"
		}
	}
	if info.Version == "" && build.Main.Version != "" && build.Main.Version != "(devel)" {
		info.Version = build.Main.Version
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}

// GetVersion returns the version reported by Get
func GetVersion() string {
	return Get().Version
}
