package version

import (
	"runtime/debug"
	"testing"
)

func TestGet_VCSDirtyFromVar(t *testing.T) {
	orig := VCSDirty
	t.Cleanup(func() { VCSDirty = orig })

	dirty := true
	VCSDirty = &dirty
	// test binaries carry no vcs.modified setting, so the var survives
	if info := Get(); info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}
}

func TestApplyBuildInfo(t *testing.T) {
	out := Info{Version: "dev", Commit: "none"}
	applyBuildInfo(&out, &debug.BuildInfo{
		GoVersion: "go1.24.1",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "false"},
		},
	})
	if out.GoVersion != "go1.24.1" || out.Commit != "0123456789abcdef0123" || out.BuildDate != "2026-10-01T12:00:00Z" {
		t.Fatalf("info = %+v", out)
	}
	if out.VCSDirty == nil || *out.VCSDirty {
		t.Fatalf("VCSDirty = %v, want false", out.VCSDirty)
	}
	if got := out.Short(); got != "dev (0123456789ab)" {
		t.Fatalf("Short() = %q", got)
	}
}

func TestApplyBuildInfo_LdflagsWin(t *testing.T) {
	out := Info{Commit: "release-commit", BuildDate: "2026-09-30"}
	applyBuildInfo(&out, &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "other"},
		{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "bogus"},
	}})
	if out.Commit != "release-commit" || out.BuildDate != "2026-09-30" || out.VCSDirty != nil {
		t.Fatalf("info = %+v", out)
	}
}
