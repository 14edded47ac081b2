package goMFA

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"eight digits", func(c *Config) { c.OTP.Digits = 8 }, true},
		{"seven digits", func(c *Config) { c.OTP.Digits = 7 }, false},
		{"sha512", func(c *Config) { c.OTP.Algorithm = "sha512" }, true},
		{"md5", func(c *Config) { c.OTP.Algorithm = "md5" }, false},
		{"sync window below count window", func(c *Config) { c.OTP.SyncWindow = 5 }, false},
		{"time step 45", func(c *Config) { c.OTP.TimeStep = 45 }, false},
		{"zero challenge validity", func(c *Config) { c.Challenge.Validity = 0 }, false},
		{"short transaction id", func(c *Config) { c.Challenge.TransactionIDLength = 8 }, false},
		{"negative sweep", func(c *Config) { c.Challenge.SweepEvery = -1 }, false},
		{"negative max fail", func(c *Config) { c.FailCounter.MaxFail = -1 }, false},
		{"zero resync timeout", func(c *Config) { c.AutoResync.Timeout = 0 }, false},
		{"pin memory too low", func(c *Config) { c.PIN.Memory = 4096 }, false},
		{"pin time zero", func(c *Config) { c.PIN.Time = 0 }, false},
		{"unknown random content", func(c *Config) { c.PIN.RandomContent = "+q" }, false},
		{"short secrets key", func(c *Config) { c.Secrets.Key = "abcd" }, false},
		{"valid secrets key", func(c *Config) { c.Secrets.Key = strings.Repeat("ab", 32) }, true},
		{"credential without key", func(c *Config) { c.Credential.Enabled = true }, false},
		{"credential rs256", func(c *Config) {
			c.Credential.Enabled = true
			c.Credential.SigningMethod = "rs256"
			c.Credential.PrivateKey = "x"
		}, false},
		{"watch without roots", func(c *Config) { c.Attestation.Watch = true }, false},
		{"negative delivery burst", func(c *Config) { c.Delivery.Burst = -1 }, false},
		{"audit without buffer", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.BufferSize = 0
		}, false},
		{"pgx driver", func(c *Config) { c.Database.Driver = "pgx" }, true},
		{"mysql driver", func(c *Config) { c.Database.Driver = "mysql" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tt.wantValid && err == nil {
				t.Fatal("expected invalid config")
			}
		})
	}
}

func TestCloneConfigCopiesSlices(t *testing.T) {
	cfg := defaultConfig()
	cfg.Attestation.Origins = []string{"https://a.example"}
	out := cloneConfig(cfg)
	out.Attestation.Origins[0] = "https://b.example"
	if cfg.Attestation.Origins[0] != "https://a.example" {
		t.Fatal("clone shares the origins slice")
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gomfa.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
[OTP]
digits = 8

[Challenge]
validity = "90s"
sweep_every = 50

[FailCounter]
max_fail = 4
clear_timeout = "15m"

[Policy]
deny_when_undefined = true

[Database]
driver = "pgx"
dsn = "postgres://mfa@localhost/mfa"
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OTP.Digits != 8 || cfg.Challenge.Validity != 90*time.Second || cfg.Challenge.SweepEvery != 50 {
		t.Fatalf("unexpected otp/challenge config: %+v %+v", cfg.OTP, cfg.Challenge)
	}
	if cfg.FailCounter.MaxFail != 4 || cfg.FailCounter.ClearTimeout != 15*time.Minute {
		t.Fatalf("unexpected fail counter config: %+v", cfg.FailCounter)
	}
	if !cfg.Policy.DenyWhenUndefined || cfg.Database.Driver != "pgx" {
		t.Fatalf("unexpected policy/database config: %+v %+v", cfg.Policy, cfg.Database)
	}
	if cfg.OTP.TimeStep != 30 || cfg.PIN.Memory != defaultConfig().PIN.Memory {
		t.Fatal("untouched sections should keep their defaults")
	}
}

func TestLoadConfigFileRejectsUnknownKey(t *testing.T) {
	path := writeConfigFile(t, "[OTP]\ndigitz = 8\n")
	_, err := LoadConfigFile(path)
	if !errors.Is(err, ErrInvalidParameter) || !strings.Contains(err.Error(), "digitz") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadConfigFileRejectsInvalidValues(t *testing.T) {
	path := writeConfigFile(t, "[OTP]\ndigits = 7\n")
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}
