package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
rpc:
  http: https://eth.example.com/rpc
keystore:
  funding_account: "0xAAAA00000000000000000000000000000000AAAA"
master_copies:
  - version: "1.1.1"
    address: "0x34CfAC646f301356fAa8B21e94227e3583Fe3F5F"
    factory: "0x76E2cFc1F5Fa8F6a5b3fC4c8F4788F0116861F9B"
    creation_code: "0x6080"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ChainID != 1 {
		t.Errorf("chain id default %d, want 1 for mainnet", cfg.ChainID)
	}
	if cfg.GasStation.RefreshInterval.Duration != 30*time.Second {
		t.Errorf("refresh interval default %s", cfg.GasStation.RefreshInterval.Duration)
	}
	if cfg.Tracker.ConfirmationDepth != 6 {
		t.Errorf("confirmation depth default %d", cfg.Tracker.ConfirmationDepth)
	}
	if cfg.Relay.BumpPercent != 20 {
		t.Errorf("bump percent default %d", cfg.Relay.BumpPercent)
	}
	if cfg.API.Listen != ":8080" {
		t.Errorf("listen default %q", cfg.API.Listen)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
tracker:
  sweep_interval: 45s
  replace_after: 10m
gas_station:
  source_timeout: 2500
`))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Tracker.SweepInterval.Duration != 45*time.Second {
		t.Errorf("sweep interval %s", cfg.Tracker.SweepInterval.Duration)
	}
	if cfg.Tracker.ReplaceAfter.Duration != 10*time.Minute {
		t.Errorf("replace after %s", cfg.Tracker.ReplaceAfter.Duration)
	}
	// Bare integers are milliseconds.
	if cfg.GasStation.SourceTimeout.Duration != 2500*time.Millisecond {
		t.Errorf("source timeout %s", cfg.GasStation.SourceTimeout.Duration)
	}
}

func TestLoadRejectsIncomplete(t *testing.T) {
	cases := map[string]string{
		"missing rpc": `
keystore:
  funding_account: "0xAAAA00000000000000000000000000000000AAAA"
master_copies:
  - version: "1.1.1"
    address: "0x34CfAC646f301356fAa8B21e94227e3583Fe3F5F"
    factory: "0x76E2cFc1F5Fa8F6a5b3fC4c8F4788F0116861F9B"
    creation_code: "0x6080"
`,
		"missing funding account": `
rpc:
  http: https://eth.example.com/rpc
master_copies:
  - version: "1.1.1"
    address: "0x34CfAC646f301356fAa8B21e94227e3583Fe3F5F"
    factory: "0x76E2cFc1F5Fa8F6a5b3fC4c8F4788F0116861F9B"
    creation_code: "0x6080"
`,
		"no master copies": `
rpc:
  http: https://eth.example.com/rpc
keystore:
  funding_account: "0xAAAA00000000000000000000000000000000AAAA"
`,
		"bad factory address": `
rpc:
  http: https://eth.example.com/rpc
keystore:
  funding_account: "0xAAAA00000000000000000000000000000000AAAA"
master_copies:
  - version: "1.1.1"
    address: "0x34CfAC646f301356fAa8B21e94227e3583Fe3F5F"
    factory: "not-an-address"
    creation_code: "0x6080"
`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSafeMasterCopies(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	copies, err := cfg.SafeMasterCopies()
	if err != nil {
		t.Fatalf("SafeMasterCopies error: %v", err)
	}
	if len(copies) != 1 {
		t.Fatalf("got %d copies, want 1", len(copies))
	}
	if string(copies[0].Version) != "1.1.1" {
		t.Errorf("version %s", copies[0].Version)
	}
	if len(copies[0].CreationCode) != 2 {
		t.Errorf("creation code %d bytes, want 2", len(copies[0].CreationCode))
	}
}
