// Package config loads the JSON configuration file the teacher's
// parseJSONConfig idiom uses, extended with the account list and port
// range this tunnel's server needs and the account/local-port pair its
// client needs.
package config

import (
	"encoding/json"
	"os"

	"github.com/Kartoshka2331/nigarok/internal/accounts"
)

// ServerConfig is the server's "Config" collaborator (spec.md §6): the
// control-link bind address, the public-port range, the static
// account list, and the tunable timeouts spec.md §5 names.
type ServerConfig struct {
	Listen       string             `json:"listen"`
	PortRangeLo  int                `json:"port_range_lo"`
	PortRangeHi  int                `json:"port_range_hi"`
	Accounts     []accounts.Account `json:"accounts"`
	AccountsFile string             `json:"accounts_file"`
	Log          string             `json:"log"`
	Quiet        bool               `json:"quiet"`
	MetricsAddr  string             `json:"metrics_addr"`

	AuthTimeoutMS    int `json:"auth_timeout_ms"`
	ReadTimeoutMS    int `json:"read_timeout_ms"`
	WriteTimeoutMS   int `json:"write_timeout_ms"`
	CleanupTimeoutMS int `json:"cleanup_timeout_ms"`
	PingIntervalMS   int `json:"ping_interval_ms"`
	PutTimeoutMS     int `json:"put_timeout_ms"`
	QueueSize        int `json:"queue_size"`
}

// ClientConfig is the client's "Config" collaborator: the server to
// dial, the local service to forward, the single account to
// authenticate with, and the same family of tunables.
type ClientConfig struct {
	ServerAddr string `json:"server_addr"`
	LocalAddr  string `json:"local_addr"`
	Login      string `json:"login"`
	Password   string `json:"password"`
	Log        string `json:"log"`
	Quiet      bool   `json:"quiet"`

	DialTimeoutMS      int `json:"dial_timeout_ms"`
	AuthTimeoutMS      int `json:"auth_timeout_ms"`
	LocalDialTimeoutMS int `json:"local_dial_timeout_ms"`
	ReadTimeoutMS      int `json:"read_timeout_ms"`
	WriteTimeoutMS     int `json:"write_timeout_ms"`
	PingIntervalMS     int `json:"ping_interval_ms"`
	PutTimeoutMS       int `json:"put_timeout_ms"`
	RetryDelayMS       int `json:"retry_delay_ms"`
	CleanupTimeoutMS   int `json:"cleanup_timeout_ms"`
	MaxRetries         int `json:"max_retries"`
	QueueSize          int `json:"queue_size"`
}

// ParseJSONServerConfig overrides config's fields from the JSON file at
// path, mirroring the teacher's parseJSONConfig.
func ParseJSONServerConfig(config *ServerConfig, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(config)
}

// ParseJSONClientConfig overrides config's fields from the JSON file at
// path, mirroring the teacher's parseJSONConfig.
func ParseJSONClientConfig(config *ClientConfig, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(config)
}
