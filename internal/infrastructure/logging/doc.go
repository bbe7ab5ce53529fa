// Package logging provides structured logging for GrappleHook.
//
// It wraps log/slog with JSON or text output, level filtering and the
// default fields service and version on every entry.
//
// Logging is configured via the logging section:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	manager.SetLogger(logger.Component("device"))
//	logger.Info("bridge connected", "domain", "can0")
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
