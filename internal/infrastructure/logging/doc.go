// Package logging provides structured logging for the simulator.
//
// This package wraps Go's standard log/slog package so that every
// component logs with the same handler, level and default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr or a file path (appended)
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting simulator", "endpoint", cfg.Server.Endpoint)
//	logger.Error("failed to start server", "error", err)
//
//	opcLog := logger.Component("opcua") // adds component=opcua
//
// The OPC-UA server library logs printf-style; opcuaserver wraps the
// embedded *slog.Logger in an adapter that formats those messages first,
// so they end up in the same stream with source=gopcua.
//
// Never log the OPC-UA password, MQTT credentials or the InfluxDB token.
package logging
