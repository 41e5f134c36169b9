package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "army.yaml")
	writeFile(t, path, `
telegram:
  token: "123:abc"
log:
  level: debug
metrics:
  enabled: true
  listen: "127.0.0.1:9999"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("Token = %q, want %q", cfg.Telegram.Token, "123:abc")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != "127.0.0.1:9999" {
		t.Errorf("Metrics = %+v, want enabled on 127.0.0.1:9999", cfg.Metrics)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "army.yaml")
	writeFile(t, path, `telegram: {token: "123:abc"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"log level", cfg.Log.Level, "info"},
		{"log format", cfg.Log.Format, "json"},
		{"log file", cfg.Log.File, "/tmp/claude-army-daemon.log"},
		{"metrics listen", cfg.Metrics.Listen, "127.0.0.1:9877"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should default to false")
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_ARMY_TOKEN", "999:xyz")
	dir := t.TempDir()
	path := filepath.Join(dir, "army.yaml")
	writeFile(t, path, `telegram: {token: "${TEST_ARMY_TOKEN}"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Telegram.Token != "999:xyz" {
		t.Errorf("Token = %q, want env-expanded 999:xyz", cfg.Telegram.Token)
	}
}

func TestLoadTokenFromEnvFallback(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "777:fallback")
	dir := t.TempDir()
	path := filepath.Join(dir, "army.yaml")
	writeFile(t, path, `log: {level: warn}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Telegram.Token != "777:fallback" {
		t.Errorf("Token = %q, want env fallback", cfg.Telegram.Token)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), `
log:
  level: debug
  format: text
`)
	path := filepath.Join(dir, "army.yaml")
	writeFile(t, path, `
$include: base.yaml
telegram:
  token: "123:abc"
log:
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	// Top-level file wins over the include on conflicts.
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json (override)", cfg.Log.Format)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug (from include)", cfg.Log.Level)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	writeFile(t, a, "$include: b.yaml\n")
	writeFile(t, b, "$include: a.yaml\n")

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("Load() error = %v, want include cycle", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "army.json5")
	writeFile(t, path, `{
  // comments are fine here
  telegram: {token: "123:abc"},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("Token = %q, want 123:abc", cfg.Telegram.Token)
	}
}

func TestLoadUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "army.yaml")
	writeFile(t, path, `telegarm: {token: "123:abc"}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() accepted a misspelled section, want error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() with explicit missing path should error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "complete",
			cfg: Config{
				Telegram: TelegramConfig{Token: "123:abc"},
				Home:     "/home/u",
			},
			wantErr: false,
		},
		{
			name:    "missing token",
			cfg:     Config{Home: "/home/u"},
			wantErr: true,
		},
		{
			name:    "missing home",
			cfg:     Config{Telegram: TelegramConfig{Token: "123:abc"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
