package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

const minimalConfig = `
[token]
secret = "test-secret"

[mailer]
host = "smtp.example.com"
from = "watchtower@example.com"
`

func TestFromCLIRequiresExactlyOneSource(t *testing.T) {
	t.Parallel()

	if _, err := FromCLI("", ""); err == nil {
		t.Fatal("expected error for empty source")
	}
	if _, err := FromCLI("a.toml", "conf.d"); err == nil {
		t.Fatal("expected error for both sources")
	}
	src, err := FromCLI(" a.toml ", "")
	if err != nil {
		t.Fatalf("file source: %v", err)
	}
	if src.File != "a.toml" || src.Dir != "" {
		t.Fatalf("unexpected source %+v", src)
	}
}

func TestLoadSnapshotAppliesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.toml", minimalConfig)

	cfg, err := LoadSnapshot(ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if cfg.Service.Mode != ServiceModeSingle {
		t.Fatalf("expected single mode default, got %q", cfg.Service.Mode)
	}
	if cfg.Service.Listen != ":8080" {
		t.Fatalf("unexpected listen default %q", cfg.Service.Listen)
	}
	if cfg.Store.Backend != StoreBackendMemory {
		t.Fatalf("unexpected store backend default %q", cfg.Store.Backend)
	}
	if cfg.Monitor.PollIntervalSec != 10 || cfg.Monitor.ClaimBatch != 50 {
		t.Fatalf("unexpected monitor defaults %+v", cfg.Monitor)
	}
	if cfg.Escalate.DelaySec != 300 || cfg.Escalate.Scheduler != SchedulerMemory {
		t.Fatalf("unexpected escalate defaults %+v", cfg.Escalate)
	}
	if cfg.Token.ExpiryMin != 15 {
		t.Fatalf("unexpected token expiry default %d", cfg.Token.ExpiryMin)
	}
	if cfg.Mailer.Port != 25 || cfg.Mailer.TimeoutSec != 10 {
		t.Fatalf("unexpected mailer defaults %+v", cfg.Mailer)
	}
	if !cfg.Log.Console.Enabled {
		t.Fatal("expected console sink enabled by default")
	}
}

func TestLoadSnapshotValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing token secret",
			body: `
[mailer]
host = "smtp.example.com"
from = "watchtower@example.com"
`,
			want: "token.secret",
		},
		{
			name: "missing mailer host",
			body: `
[token]
secret = "s"

[mailer]
from = "watchtower@example.com"
`,
			want: "mailer.host",
		},
		{
			name: "bad mode",
			body: minimalConfig + `
[service]
mode = "cluster"
`,
			want: "service.mode",
		},
		{
			name: "postgres without uri",
			body: minimalConfig + `
[store]
backend = "postgres"
`,
			want: "store.postgres_uri",
		},
		{
			name: "bad scheduler",
			body: minimalConfig + `
[escalate]
scheduler = "cron"
`,
			want: "escalate.scheduler",
		},
		{
			name: "nats scheduler in single mode",
			body: minimalConfig + `
[escalate]
scheduler = "nats"
`,
			want: "service.mode=nats",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := writeConfigFile(t, dir, "config.toml", tc.body)
			_, err := LoadSnapshot(ConfigSource{File: path})
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadSnapshotMergesDirFragments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeConfigFile(t, dir, "10-base.toml", minimalConfig+`
[service]
mode = "single"
listen = ":9000"
`)
	writeConfigFile(t, dir, "20-escalate.toml", `
[escalate]
delay_seconds = 60
scheduler = "redis"

[escalate.redis]
addr = "redis.internal:6379"
`)
	writeConfigFile(t, dir, "ignore.txt", "not toml")

	cfg, err := LoadSnapshot(ConfigSource{Dir: dir})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if cfg.Service.Listen != ":9000" {
		t.Fatalf("expected listen from base fragment, got %q", cfg.Service.Listen)
	}
	if cfg.Escalate.DelaySec != 60 || cfg.Escalate.Scheduler != SchedulerRedis {
		t.Fatalf("expected escalate overlay, got %+v", cfg.Escalate)
	}
	if cfg.Escalate.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("expected redis addr overlay, got %q", cfg.Escalate.Redis.Addr)
	}
	if cfg.Escalate.Redis.Key != "watchtower:escalations" {
		t.Fatalf("expected redis key default, got %q", cfg.Escalate.Redis.Key)
	}
	if cfg.Token.Secret != "test-secret" {
		t.Fatalf("expected token secret kept from base fragment, got %q", cfg.Token.Secret)
	}
}

func TestLoadSnapshotExpandsSecretEnvRefs(t *testing.T) {
	t.Setenv("WATCHTOWER_TEST_TOKEN_SECRET", "from-env")

	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.toml", `
[token]
secret = "${WATCHTOWER_TEST_TOKEN_SECRET}"

[mailer]
host = "smtp.example.com"
from = "watchtower@example.com"
`)
	cfg, err := LoadSnapshot(ConfigSource{File: path})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if cfg.Token.Secret != "from-env" {
		t.Fatalf("expected env-expanded secret, got %q", cfg.Token.Secret)
	}
}
