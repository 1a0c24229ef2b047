package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestBootstrap_MissingFile(t *testing.T) {
	_, err := Bootstrap(filepath.Join(t.TempDir(), "absent.yaml"), nil, zerolog.Nop())
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLayering_CLIOverEnvOverFile(t *testing.T) {
	path := writeConfig(t, `
services:
  - type: echo
    variant: t1
    timeout: 10
`)

	// File only.
	r, err := Bootstrap(path, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if got := r.ResolveInstance("echo", "t1")["timeout"]; got != 10 {
		t.Fatalf("file layer: timeout = %v, want 10", got)
	}

	// Env override beats file.
	t.Setenv("ECHO_T1_TIMEOUT", "30")
	if got := r.ResolveInstance("echo", "t1")["timeout"]; got != 30 {
		t.Fatalf("env layer: timeout = %v, want 30", got)
	}

	// CLI args beat both.
	r, err = Bootstrap(path, map[string]any{"timeout": 50}, zerolog.Nop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if got := r.ResolveInstance("echo", "t1")["timeout"]; got != 50 {
		t.Fatalf("args layer: timeout = %v, want 50", got)
	}
}

func TestResolveInstance_TypeThenVariant(t *testing.T) {
	path := writeConfig(t, `
log_level: info
services:
  - type: echo
    timeout: 5
    color: red
  - type: echo
    variant: t1
    timeout: 9
`)
	r, err := Bootstrap(path, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	resolved := r.ResolveInstance("echo", "t1")
	if resolved["timeout"] != 9 {
		t.Fatalf("variant entry should win: timeout = %v", resolved["timeout"])
	}
	if resolved["color"] != "red" {
		t.Fatalf("type-wide entry should apply: color = %v", resolved["color"])
	}
	if resolved["log_level"] != "info" {
		t.Fatalf("global keys should apply: log_level = %v", resolved["log_level"])
	}
}

func TestResolveInstance_EnvTypeAndVariantForms(t *testing.T) {
	path := writeConfig(t, `
services:
  - type: echo
    variant: t1
`)
	r, err := Bootstrap(path, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	t.Setenv("ECHO_RATE", "2.5")
	t.Setenv("ECHO_T1_RATE", "7")
	resolved := r.ResolveInstance("echo", "t1")
	if resolved["rate"] != 7 {
		t.Fatalf("variant env form should win: rate = %v", resolved["rate"])
	}
}

func TestResolveInstance_Deterministic(t *testing.T) {
	path := writeConfig(t, `
services:
  - type: echo
    variant: t1
    timeout: 10
    nested:
      a: 1
      b: two
`)
	r, err := Bootstrap(path, map[string]any{"extra": true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	first := r.ResolveInstance("echo", "t1")
	second := r.ResolveInstance("echo", "t1")
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("resolution not deterministic:\n%v\n%v", first, second)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TCS_TEST_PORT", "4222")
	t.Setenv("TCS_TEST_HOST", "nats.example.org")
	t.Setenv("TCS_TEST_FLAG", "true")

	path := writeConfig(t, `
bus:
  host: ${TCS_TEST_HOST}
  port: ${TCS_TEST_PORT}
services:
  - type: echo
    variant: t1
    enabled_flag: ${TCS_TEST_FLAG}
    endpoint: "host:${TCS_TEST_PORT}"
    missing: ${TCS_TEST_UNDEFINED}
`)
	r, err := Bootstrap(path, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	host, port := r.BusOptions()
	if host != "nats.example.org" || port != 4222 {
		t.Fatalf("bus options = %s:%d", host, port)
	}

	resolved := r.ResolveInstance("echo", "t1")
	if resolved["enabled_flag"] != true {
		t.Fatalf("pure bool token not retyped: %v", resolved["enabled_flag"])
	}
	if resolved["endpoint"] != "host:4222" {
		t.Fatalf("mixed token should stay string: %v", resolved["endpoint"])
	}
	if resolved["missing"] != "${TCS_TEST_UNDEFINED}" {
		t.Fatalf("undefined token should keep placeholder: %v", resolved["missing"])
	}
}

func TestBusOptions_EnvBootstrapOverride(t *testing.T) {
	path := writeConfig(t, `
bus:
  host: confighost
  port: 5222
`)
	r, err := Bootstrap(path, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Setenv("BUS_HOST", "envhost")
	t.Setenv("BUS_PORT", "6222")

	host, port := r.BusOptions()
	if host != "envhost" || port != 6222 {
		t.Fatalf("bus options = %s:%d, want envhost:6222", host, port)
	}
}

func TestAddBusLayer_BetweenFileAndArgs(t *testing.T) {
	path := writeConfig(t, `
services:
  - type: echo
    variant: t1
    timeout: 10
`)
	r, err := Bootstrap(path, map[string]any{"timeout": 50}, zerolog.Nop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	r.AddBusLayer(map[string]any{"timeout": 30})

	if got := r.ResolveInstance("echo", "t1")["timeout"]; got != 50 {
		t.Fatalf("args should beat bus layer: timeout = %v", got)
	}

	r2, err := Bootstrap(path, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	r2.AddBusLayer(map[string]any{"timeout": 30})
	if got := r2.ResolveInstance("echo", "t1")["timeout"]; got != 30 {
		t.Fatalf("bus layer should beat file: timeout = %v", got)
	}
}

func TestServices_DefaultsAndValidation(t *testing.T) {
	path := writeConfig(t, `
registry:
  external: /opt/tcs/bin/external-svc
  internal: ~
services:
  - type: echo
    variant: t1
    restart: on-failure
    restart_sec: 1
    restart_max: 2
    restart_window: 60
  - type: echo
  - type: external
    variant: x
  - type: internal
    variant: i
    enabled: false
`)
	r, err := Bootstrap(path, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	entries, err := r.Services()
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}

	first := entries[0]
	if first.ServiceID() != "echo.t1" || first.Restart != RestartOnFailure ||
		first.RestartSec != 1 || first.RestartMax != 2 || first.RestartWindow != 60 {
		t.Fatalf("unexpected entry: %+v", first)
	}

	second := entries[1]
	if second.Variant != "default" || second.Restart != RestartNo ||
		second.RestartSec != DefaultRestartSec || second.RestartWindow != DefaultRestartWindow {
		t.Fatalf("defaults not applied: %+v", second)
	}

	if entries[2].Module != "/opt/tcs/bin/external-svc" || entries[2].IsInternal() {
		t.Fatalf("registry mapping not applied: %+v", entries[2])
	}
	if entries[3].Module != InternalModulePrefix+"internal" || !entries[3].IsInternal() {
		t.Fatalf("tilde should fall back to internal namespace: %+v", entries[3])
	}
	if entries[3].Enabled {
		t.Fatal("enabled: false not honored")
	}
}

func TestServices_InvalidEntries(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad policy", "services:\n  - type: echo\n    restart: sometimes\n"},
		{"dotted variant", "services:\n  - type: echo\n    variant: a.b\n"},
		{"missing type", "services:\n  - variant: t1\n"},
		{"negative restart_sec", "services:\n  - type: echo\n    restart_sec: -1\n"},
		{"zero window", "services:\n  - type: echo\n    restart_window: 0\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := Bootstrap(writeConfig(t, tc.yaml), nil, zerolog.Nop())
			if err != nil {
				t.Fatalf("bootstrap: %v", err)
			}
			if _, err := r.Services(); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestServices_InstanceContextDeprecated(t *testing.T) {
	path := writeConfig(t, `
services:
  - type: echo
    instance_context: legacy
`)
	r, err := Bootstrap(path, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	entries, err := r.Services()
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if entries[0].Variant != "legacy" {
		t.Fatalf("instance_context not honored as variant: %+v", entries[0])
	}
}

func TestSchema_Apply(t *testing.T) {
	schema := Schema{
		{Name: "timeout", Type: FieldInt, Default: 15},
		{Name: "rate", Type: FieldFloat, Default: 1.0},
		{Name: "label", Type: FieldString, Required: true},
		{Name: "interval", Type: FieldDuration, Default: "30s"},
	}

	typed, err := schema.Apply(map[string]any{
		"timeout":  "not-consumed", // wrong type
		"label":    "primary",
		"interval": 2.5,
	})
	if err == nil {
		t.Fatal("expected coercion error for timeout")
	}

	typed, err = schema.Apply(map[string]any{"label": "primary", "interval": 2.5})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if typed["timeout"] != 15 || typed["rate"] != 1.0 || typed["label"] != "primary" {
		t.Fatalf("unexpected typed map: %v", typed)
	}

	if _, err := schema.Apply(map[string]any{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("missing required field should be ErrConfig, got %v", err)
	}
}
