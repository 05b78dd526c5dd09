// Package version reports what the running relay binary was built from.
package version

import (
	"runtime/debug"
	"sort"
)

// ModulePath is the import path of the relay module.
const ModulePath = "relay.evalgo.org"

// DependencyInfo represents a module dependency and its version
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"` // If module is replaced
}

// BuildInfo describes the binary. Revision, Time and Modified come from the
// VCS stamp and are empty for builds without one.
type BuildInfo struct {
	GoVersion    string           `json:"goVersion"`
	Version      string           `json:"version"`
	Revision     string           `json:"revision,omitempty"`
	Time         string           `json:"time,omitempty"`
	Modified     bool             `json:"modified,omitempty"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo extracts build information from the current binary
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:    "unknown",
			Version:      "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	out := &BuildInfo{
		GoVersion:    info.GoVersion,
		Version:      relayVersion(info),
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Revision = s.Value
		case "vcs.time":
			out.Time = s.Value
		case "vcs.modified":
			out.Modified = s.Value == "true"
		}
	}

	for _, dep := range info.Deps {
		d := DependencyInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		out.Dependencies = append(out.Dependencies, d)
	}
	sort.Slice(out.Dependencies, func(i, j int) bool {
		return out.Dependencies[i].Path < out.Dependencies[j].Path
	})

	return out
}

// GetRelayVersion returns the version of the relay module in the running binary.
// Returns "dev" for local builds and "unknown" when no build info is embedded.
func GetRelayVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	return relayVersion(info)
}

func relayVersion(info *debug.BuildInfo) string {
	if info.Main.Path == ModulePath {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		return "dev"
	}

	// relay linked into another binary
	for _, dep := range info.Deps {
		if dep.Path == ModulePath {
			if dep.Replace != nil {
				return dep.Replace.Version + " (replaced)"
			}
			return dep.Version
		}
	}

	return "unknown"
}
