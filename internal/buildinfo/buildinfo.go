// Package buildinfo reports what toque binary is running. Release builds
// stamp the variables below with -ldflags, for example:
//
//	go build -ldflags "-X github.com/nugget/toque/internal/buildinfo.Version=v0.3.0"
//
// Plain go build and go install fall back to the VCS stamp the Go
// toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

var vcsOnce sync.Once

// fillFromVCS copies vcs.revision and vcs.time into the unstamped
// variables. A dirty tree gets a "+dirty" suffix on the commit.
func fillFromVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		var dirty bool
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if GitCommit == "unknown" && len(s.Value) >= 12 {
					GitCommit = s.Value[:12]
				}
			case "vcs.time":
				if BuildTime == "unknown" {
					BuildTime = s.Value
				}
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if dirty && GitCommit != "unknown" {
			GitCommit += "+dirty"
		}
		if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			Version = bi.Main.Version
		}
	})
}

// Info is the payload of toque version -o json and GET /v1/version.
func Info() map[string]string {
	fillFromVCS()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since process start, whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent identifies toque on outbound requests. Nominatim's usage
// policy rejects anonymous agents.
func UserAgent() string {
	return "Toque/" + Version + " (+https://github.com/nugget/toque)"
}

func String() string {
	fillFromVCS()
	return fmt.Sprintf("toque %s (%s, %s) built %s", Version, GitCommit, runtime.Version(), BuildTime)
}
