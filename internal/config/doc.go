// Package config handles configuration loading for kook-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Unset fields fall back to documented defaults.
//
// # Configuration File
//
// Lookup order:
//
//  1. The --config flag
//  2. Path from KOOK_GATEWAY_CONFIG environment variable
//  3. ./config.yaml (current directory)
//
// Files ending in .toml are parsed as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateway:
//	  token: "${KOOK_BOT_TOKEN}"
//
// # Configuration Sections
//
//	gateway:
//	  api_base: "https://www.kookapp.cn/api/v3"
//	  token: "${KOOK_BOT_TOKEN}"   # required
//	  bot_id: "default"            # checkpoint key
//	  compress: true
//
//	engine:
//	  connect_timeout: "10s"
//	  hello_timeout: "6s"
//	  resume_timeout: "6s"
//	  heartbeat_interval: "30s"    # used when Hello carries none
//	  heartbeat_deadline_ratio: 0.2
//	  max_missed_heartbeats: 2
//	  backoff_base: "1s"
//	  backoff_max: "60s"
//	  backoff_jitter: 0.5
//	  dispatch_capacity: 256
//	  gap_resume_threshold: 0      # 0 accepts every gap with a marker
//	  handshake_retry_budget: 0    # 0 retries forever
//	  max_resume_attempts: 3
//
//	store:
//	  path: "./kook-gateway.db"    # empty disables checkpoints
//	  max_age: "5m"
//
//	dedupe:
//	  ttl: "10m"
//	  size: 4096
//
//	echo:
//	  enabled: false
//	  prefix: "echo: "
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  addr: "127.0.0.1:9100"       # empty disables /metrics
//	  path: "/metrics"
package config
