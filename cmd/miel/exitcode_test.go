package main

import (
	"errors"
	"testing"

	"miel/internal/config"
	"miel/internal/controller"
)

func TestExitCodeForConfigError(t *testing.T) {
	err := &config.Error{Kind: config.ErrInvalid, Err: errors.New("bad toml")}
	if got := exitCodeFor(err); got != exitConfig {
		t.Errorf("exitCodeFor(config.Error) = %d, want %d", got, exitConfig)
	}
}

func TestExitCodeForBootErrorWrappingConfigError(t *testing.T) {
	inner := &config.Error{Kind: config.ErrInvalid, Err: errors.New("bad toml")}
	if got := exitCodeFor(&controller.BootError{Stage: controller.StageFirewall, Err: inner}); got != exitPrivilege {
		t.Errorf("exitCodeFor(firewall BootError wrapping config.Error) = %d, want %d", got, exitPrivilege)
	}
}

func TestExitCodeForBootStages(t *testing.T) {
	cases := []struct {
		stage controller.BootStage
		want  int
	}{
		{controller.StageFirewall, exitPrivilege},
		{controller.StageBind, exitBind},
		{controller.StagePool, exitInternal},
		{controller.StageWatch, exitInternal},
	}
	for _, tc := range cases {
		err := &controller.BootError{Stage: tc.stage, Err: errors.New("boom")}
		if got := exitCodeFor(err); got != tc.want {
			t.Errorf("exitCodeFor(stage=%s) = %d, want %d", tc.stage, got, tc.want)
		}
	}
}

func TestExitCodeForUnknownError(t *testing.T) {
	if got := exitCodeFor(errors.New("something else broke")); got != exitInternal {
		t.Errorf("exitCodeFor(plain error) = %d, want %d", got, exitInternal)
	}
}

func TestExitCodeForNil(t *testing.T) {
	if got := exitCodeFor(nil); got != exitOK {
		t.Errorf("exitCodeFor(nil) = %d, want %d", got, exitOK)
	}
}

func TestResolveConfigPathPrefersFlag(t *testing.T) {
	t.Setenv("MIEL_CONFIG", "/from/env.toml")
	if got := resolveConfigPath("/from/flag.toml"); got != "/from/flag.toml" {
		t.Errorf("resolveConfigPath = %q, want flag value", got)
	}
}

func TestResolveConfigPathFallsBackToEnvThenDefault(t *testing.T) {
	t.Setenv("MIEL_CONFIG", "/from/env.toml")
	if got := resolveConfigPath(""); got != "/from/env.toml" {
		t.Errorf("resolveConfigPath = %q, want env value", got)
	}

	t.Setenv("MIEL_CONFIG", "")
	if got := resolveConfigPath(""); got != "/etc/miel/miel.toml" {
		t.Errorf("resolveConfigPath = %q, want default", got)
	}
}
