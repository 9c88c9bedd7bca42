// Package config implements the broker's layered configuration: file
// defaults, overridden by /etc/lootbox/config.toml, then
// ~/.lootbox/config.toml, then a project-local ./lootbox.toml found by
// walking up from the working directory, then LOOTBOX_-prefixed
// environment variables. CLI flags (bound by cmd/lootbox) take final
// precedence through the same viper instance.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/jx-codes/lootbox/internal/brokerr"
)

// Config is the broker's full runtime configuration, unmarshaled from
// the merged viper instance.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	ToolsDir   string           `mapstructure:"tools_dir"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	History    HistoryConfig    `mapstructure:"history"`
	Websocket  WebsocketConfig  `mapstructure:"websocket"`
}

type BrokerConfig struct {
	Port       int `mapstructure:"port"`
	WorkerPort int `mapstructure:"worker_port"`
}

type LoggingConfig struct {
	JSON      bool `mapstructure:"json"`
	Verbosity int  `mapstructure:"verbosity"`
}

type SupervisorConfig struct {
	ReadyTimeoutSeconds     int `mapstructure:"ready_timeout_seconds"`
	RestartBackoffBaseMS    int `mapstructure:"restart_backoff_base_ms"`
	RestartBackoffCapMS     int `mapstructure:"restart_backoff_cap_ms"`
	RestartFailureThreshold int `mapstructure:"restart_failure_threshold"`
	DrainGraceSeconds       int `mapstructure:"drain_grace_seconds"`
	ShutdownGraceSeconds    int `mapstructure:"shutdown_grace_seconds"`
	DebounceMilliseconds    int `mapstructure:"debounce_milliseconds"`
}

type GatewayConfig struct {
	CallTimeoutSeconds int     `mapstructure:"call_timeout_seconds"`
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
}

type SandboxConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// WebsocketConfig tunes the client gateway's WebSocket edge: which
// origins may open a connection and the keepalive cadence used to
// detect a dead peer.
type WebsocketConfig struct {
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
	PingIntervalSeconds int      `mapstructure:"ping_interval"`
	PongTimeoutSeconds  int      `mapstructure:"pong_timeout"`
}

var (
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load returns the singleton configuration, building it from the merged
// file/env layers on first call.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, brokerr.Wrap(err, "unmarshaling configuration")
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// GetViper exposes the underlying viper instance so cmd/lootbox can bind
// CLI flags into the same precedence chain.
func GetViper() *viper.Viper {
	return initViper()
}

// LoadFromFile loads configuration from exactly one file, with defaults
// applied underneath it but no other layer merged in. Used by tests.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	raw, err := decodeTOMLFile(path)
	if err != nil {
		return nil, brokerr.Wrapf(err, "reading config file %q", path)
	}
	if err := v.MergeConfigMap(raw); err != nil {
		return nil, brokerr.Wrapf(err, "merging config file %q", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, brokerr.Wrapf(err, "unmarshaling config from %q", path)
	}
	return &cfg, nil
}

// decodeTOMLFile parses a single TOML config layer directly, rather than
// routing it through viper's bundled decoder — mirrors the ambient
// stack's direct use of BurntSushi/toml for config layers instead of an
// indirect dependency on it.
func decodeTOMLFile(path string) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Reset clears the cached configuration. Tests call this between cases
// that each want a fresh environment.
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix("LOOTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindSensitiveEnvVars(v)
	setDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig walks up from the working directory looking for
// lootbox.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, "lootbox.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles applies each config file layer in ascending
// precedence order: system, user, project. Environment variables (bound
// above via AutomaticEnv) and any later v.Set from CLI flags win over
// all of these because viper consults them before its merged config
// store.
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()
	userDir := filepath.Join(homeDir, ".lootbox")
	_ = os.MkdirAll(userDir, 0o755)

	paths := []string{
		"/etc/lootbox/config.toml",
		filepath.Join(userDir, "config.toml"),
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		settings, err := decodeTOMLFile(path)
		if err != nil {
			continue
		}

		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_ = v.MergeConfigMap(map[string]interface{}{k: settings[k]})
		}
	}
}
