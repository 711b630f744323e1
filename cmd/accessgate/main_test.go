package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, path string) {
	t.Helper()

	data := `listen:
  http: "127.0.0.1:0"
gateway:
  allow_crawler_bypass: true
  elevation_window: 30m
session:
  ttl: 168h
rate_limit:
  login:
    max: 5
    window: 15m
oauth:
  connector_host: "connectors.example.com"
  identity: "repl-identity"
log:
  level: "info"
  format: "json"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestRunCheckConfig_Valid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, cfgPath)

	oldCfg := configFile
	oldExit := overrideExitCode
	t.Cleanup(func() {
		configFile = oldCfg
		overrideExitCode = oldExit
	})
	configFile = cfgPath
	overrideExitCode = -1

	if err := runCheckConfig(nil, nil); err != nil {
		t.Fatalf("runCheckConfig failed: %v", err)
	}
	if overrideExitCode != -1 {
		t.Fatalf("overrideExitCode = %d, want -1 (unset)", overrideExitCode)
	}
}

func TestRunCheckConfig_Invalid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	// A zero elevation window is rejected.
	data := `listen:
  http: "127.0.0.1:0"
gateway:
  elevation_window: 0s
`
	if err := os.WriteFile(cfgPath, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	oldCfg := configFile
	oldExit := overrideExitCode
	t.Cleanup(func() {
		configFile = oldCfg
		overrideExitCode = oldExit
	})
	configFile = cfgPath
	overrideExitCode = -1

	if err := runCheckConfig(nil, nil); err != nil {
		t.Fatalf("runCheckConfig returned unexpected error: %v", err)
	}
	if overrideExitCode != ExitConfig {
		t.Fatalf("overrideExitCode = %d, want %d (ExitConfig)", overrideExitCode, ExitConfig)
	}
}

func TestRunServe_ConfigLoadFailure(t *testing.T) {
	old := configFile
	t.Cleanup(func() { configFile = old })
	configFile = filepath.Join(t.TempDir(), "does-not-exist.yaml")

	if err := runServe(nil, nil); err == nil {
		t.Fatal("expected runServe to fail, got nil")
	}
}

func TestRunVersion(t *testing.T) {
	oldVersion, oldCommit, oldBuildDate := version, commit, buildDate
	t.Cleanup(func() {
		version, commit, buildDate = oldVersion, oldCommit, oldBuildDate
	})

	version = "1.2.3"
	commit = "deadbeef"
	buildDate = "2026-02-17"

	runVersion(nil, nil)
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	for _, name := range []string{"serve", "version", "check-config"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered (err=%v)", name, err)
		}
	}
}
