// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and EXECBOX_-prefixed environment
// variables. It covers server settings, the execution feature flag,
// sandbox resource limits, validator allow-lists, and per-backend
// connection parameters.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
