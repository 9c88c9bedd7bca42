package config

import "github.com/spf13/viper"

// DefaultPort and DefaultWorkerPort are the broker's two listeners: one
// for script/UI clients, one for worker subprocesses to dial back into.
const (
	DefaultPort       = 8770
	DefaultWorkerPort = 8771
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.port", DefaultPort)
	v.SetDefault("broker.worker_port", DefaultWorkerPort)

	v.SetDefault("tools_dir", "./tools")

	v.SetDefault("logging.json", false)
	v.SetDefault("logging.verbosity", 0)

	v.SetDefault("supervisor.ready_timeout_seconds", 5)
	v.SetDefault("supervisor.restart_backoff_base_ms", 500)
	v.SetDefault("supervisor.restart_backoff_cap_ms", 30000)
	v.SetDefault("supervisor.restart_failure_threshold", 5)
	v.SetDefault("supervisor.drain_grace_seconds", 30)
	v.SetDefault("supervisor.shutdown_grace_seconds", 5)
	v.SetDefault("supervisor.debounce_milliseconds", 300)

	v.SetDefault("gateway.call_timeout_seconds", 30)
	v.SetDefault("gateway.rate_limit_per_second", 50)
	v.SetDefault("gateway.rate_limit_burst", 100)

	v.SetDefault("sandbox.timeout_seconds", 10)

	v.SetDefault("history.path", "./lootbox-history.db")

	v.SetDefault("websocket.allowed_origins", []string{"*"})
	v.SetDefault("websocket.ping_interval", 54)
	v.SetDefault("websocket.pong_timeout", 60)
}

// bindSensitiveEnvVars wires individual keys to env vars explicitly, for
// values operators are likely to set without a full config file (e.g. in
// a container) even though AutomaticEnv already covers the general case.
func bindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("tools_dir", "LOOTBOX_TOOLS_DIR")
	_ = v.BindEnv("broker.port", "LOOTBOX_BROKER_PORT")
	_ = v.BindEnv("broker.worker_port", "LOOTBOX_BROKER_WORKER_PORT")
	_ = v.BindEnv("history.path", "LOOTBOX_HISTORY_PATH")
}
