// Package config handles configuration loading for loom-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	llm:
//	  api_key: "${LOOM_LLM_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  heartbeat_interval: "15s"
//	  healthy_pong_window: "60s"
//	  dead_pong_window: "120s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/loom/gateway.db"
//
// Session timing (defaults shown; the client reconnect contract depends on
// these values):
//
//	session:
//	  heartbeat_interval: "15s"
//	  healthy_pong_window: "60s"
//	  dead_pong_window: "120s"
//	  open_timeout: "10s"
//	  backoff_base: "1s"
//	  backoff_ceiling: "30s"
//	  max_retries: 5
//
// LLM collaborator:
//
//	llm:
//	  base_url: "https://api.openai.com"
//	  api_key: "${LOOM_LLM_API_KEY}"
//	  model: "gpt-4o-mini"
//	  streaming: true
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "color" # color, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/loom/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
