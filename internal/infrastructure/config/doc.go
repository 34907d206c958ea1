// Package config handles loading and validating simulator configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Every section has a working default, so the simulator starts without a
// config file: the OPC-UA endpoint, security policies, credentials and
// initial device values all match the stock test fixture. The optional
// sinks (mqtt, influxdb, database, api) are disabled until switched on.
//
// Security Considerations:
//   - Credentials (OPC-UA user, MQTT, InfluxDB token) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.DefaultPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Server.Endpoint)
package config
