package pipeline

import "testing"

func TestParseOverrides(t *testing.T) {
	cases := []struct {
		name   string
		header string
		hook   string
		want   HookOverride
	}{
		{"empty header defaults to normal", "", "anything", OverrideNormal},
		{"force run", "+forward_oauth", "forward_oauth", OverrideForceRun},
		{"force skip", "-add_beta_headers", "add_beta_headers", OverrideForceSkip},
		{"bare name is explicit normal", "model_router", "model_router", OverrideNormal},
		{"unmentioned hook is normal", "+forward_oauth", "model_router", OverrideNormal},
		{"mixed list", "+a,-b,c", "b", OverrideForceSkip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set := ParseOverrides(tc.header)
			if got := set.Get(tc.hook); got != tc.want {
				t.Errorf("Get(%q) = %v, want %v", tc.hook, got, tc.want)
			}
		})
	}
}

func TestParseOverrides_EmptyIsEmptySet(t *testing.T) {
	set := ParseOverrides("")
	if set.Get("whatever") != OverrideNormal {
		t.Fatalf("expected empty override set to default to normal")
	}
}

func TestOverrideSet_ShouldRun(t *testing.T) {
	set := ParseOverrides("+force,-skip")
	if !set.ShouldRun("force", false) {
		t.Error("force override should run despite false guard")
	}
	if set.ShouldRun("skip", true) {
		t.Error("skip override should not run despite true guard")
	}
	if !set.ShouldRun("neither", true) {
		t.Error("normal hook should follow guard result")
	}
	if set.ShouldRun("neither2", false) {
		t.Error("normal hook should follow guard result")
	}
}
