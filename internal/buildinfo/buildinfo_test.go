package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgentCarriesVersion(t *testing.T) {
	orig := Version
	Version = "v1.2.3"
	defer func() { Version = orig }()

	ua := UserAgent()
	if !strings.HasPrefix(ua, "Toque/v1.2.3") {
		t.Errorf("UserAgent() = %q, want Toque/v1.2.3 prefix", ua)
	}
}

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("Info() missing key %q", k)
		}
	}
}

func TestStringMentionsCommit(t *testing.T) {
	origV, origC := Version, GitCommit
	Version, GitCommit = "v0.9.0", "abc123def456"
	defer func() { Version, GitCommit = origV, origC }()

	s := String()
	if !strings.HasPrefix(s, "toque v0.9.0 (abc123def456") {
		t.Errorf("String() = %q", s)
	}
}
