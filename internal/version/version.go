// Package version reports the quill build: the engine version plus the
// VCS revision and toolchain recorded by the Go linker.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/conneroisu/quill/internal/engine"
)

// Set with -ldflags "-X github.com/conneroisu/quill/internal/version.Commit=...".
var (
	Commit    = ""
	BuildTime = ""
)

// Info describes the running binary.
type Info struct {
	Version   string    `json:"version"`
	Engine    string    `json:"engine"`
	Commit    string    `json:"commit,omitempty"`
	Dirty     bool      `json:"dirty"`
	BuildTime time.Time `json:"build_time,omitempty"`
	GoVersion string    `json:"go_version"`
	Platform  string    `json:"platform"`
}

// Get collects build information, preferring linker-set values over the
// settings embedded by the go command.
func Get() Info {
	info := Info{
		Version:   engine.Version,
		Engine:    engine.Version,
		Commit:    Commit,
		BuildTime: parseTime(BuildTime),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		info.Version = strings.TrimPrefix(v, "v")
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		case "vcs.time":
			if info.BuildTime.IsZero() {
				info.BuildTime = parseTime(s.Value)
			}
		}
	}
	return info
}

// Short is the one-line form: "0.1.0 (abc1234)".
func (i Info) Short() string {
	if len(i.Commit) < 7 {
		return i.Version
	}
	s := fmt.Sprintf("%s (%s", i.Version, i.Commit[:7])
	if i.Dirty {
		s += ", dirty"
	}
	return s + ")"
}

// String is the multi-line form printed by "quill version --detailed".
func (i Info) String() string {
	parts := []string{
		"Version: " + i.Version,
		"Engine: " + i.Engine,
	}
	if i.Commit != "" {
		parts = append(parts, "Commit: "+i.Commit)
	}
	if !i.BuildTime.IsZero() {
		parts = append(parts, "Built: "+i.BuildTime.Format(time.RFC3339))
	}
	parts = append(parts, "Go: "+i.GoVersion, "Platform: "+i.Platform)
	return strings.Join(parts, "\n")
}

// parseTime parses an RFC 3339 time, returning the zero time on error.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
