package version

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/conneroisu/quill/internal/engine"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, engine.Version, info.Engine)
	assert.NotEmpty(t, info.Version)
	assert.Contains(t, info.GoVersion, "go")
	assert.Contains(t, info.Platform, "/")
}

func TestLinkerCommitWins(t *testing.T) {
	old := Commit
	Commit = "0123456789abcdef"
	defer func() { Commit = old }()

	assert.Equal(t, "0123456789abcdef", Get().Commit)
}

func TestShort(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{"no commit", Info{Version: "0.1.0"}, "0.1.0"},
		{"short commit", Info{Version: "0.1.0", Commit: "abc"}, "0.1.0"},
		{"commit", Info{Version: "0.1.0", Commit: "abcdef0123"}, "0.1.0 (abcdef0)"},
		{"dirty", Info{Version: "0.1.0", Commit: "abcdef0123", Dirty: true}, "0.1.0 (abcdef0, dirty)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.Short())
		})
	}
}

func TestString(t *testing.T) {
	info := Info{
		Version:   "0.1.0",
		Engine:    "0.1.0",
		Commit:    "abcdef",
		BuildTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		GoVersion: "go1.24.4",
		Platform:  "linux/amd64",
	}
	assert.Equal(t, "Version: 0.1.0\nEngine: 0.1.0\nCommit: abcdef\nBuilt: 2024-05-01T12:00:00Z\nGo: go1.24.4\nPlatform: linux/amd64", info.String())
}

func TestParseTime(t *testing.T) {
	assert.True(t, parseTime("").IsZero())
	assert.True(t, parseTime("unknown").IsZero())
	assert.Equal(t, 2024, parseTime("2024-05-01T12:00:00Z").Year())
	assert.Equal(t, 12, parseTime("2024-05-01 12:00:00").Hour())
}
