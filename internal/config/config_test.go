package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONServerConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.json")
	body := `{"listen":":13882","port_range_lo":20000,"port_range_hi":21000,
	"accounts":[{"login":"alice","password":"hunter2"}]}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var cfg ServerConfig
	if err := ParseJSONServerConfig(&cfg, path); err != nil {
		t.Fatalf("ParseJSONServerConfig: %v", err)
	}
	if cfg.Listen != ":13882" || cfg.PortRangeLo != 20000 || cfg.PortRangeHi != 21000 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].Login != "alice" {
		t.Fatalf("unexpected accounts: %+v", cfg.Accounts)
	}
}

func TestParseJSONClientConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.json")
	body := `{"server_addr":"example.com:13882","local_addr":"127.0.0.1:7777","login":"alice","password":"hunter2"}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var cfg ClientConfig
	if err := ParseJSONClientConfig(&cfg, path); err != nil {
		t.Fatalf("ParseJSONClientConfig: %v", err)
	}
	if cfg.ServerAddr != "example.com:13882" || cfg.LocalAddr != "127.0.0.1:7777" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseJSONServerConfigMissingFile(t *testing.T) {
	var cfg ServerConfig
	if err := ParseJSONServerConfig(&cfg, "/nonexistent/path.json"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
