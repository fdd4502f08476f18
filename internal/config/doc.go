// Package config provides configuration management for the Conductor service.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a type-safe configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.conductor/config.yaml and is automatically
// created with sensible defaults on first use. The file structure mirrors
// the Go structs defined in this package.
//
// # Environment Variables
//
// All configuration values can be overridden using environment variables
// with the CONDUCTOR_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - CONDUCTOR_SERVER_PORT=9000
//   - CONDUCTOR_ENGINE_QUALITY_THRESHOLD=0.7
//   - CONDUCTOR_STORAGE_BACKEND=both
//   - CONDUCTOR_LOGGING_LEVEL=debug
//
// # Configuration Sections
//
//   - Server: HTTP listener address and shutdown behavior
//   - Engine: quality loop, session timeout, retention, and buffer tuning
//   - Storage: transcript persistence backend (SQLite, Redis, both, none)
//   - Agents: per-capability stage timeout overrides
//   - A2A: agent-to-agent protocol endpoint toggle
//   - Logging: log level and output file configuration
//
// # Path Expansion
//
// The package automatically expands ~ to the user's home directory in
// all path configurations, making config files portable across systems.
//
// # Validation
//
// The Validate() method checks configuration for common errors:
//   - Numeric range validation (port, threshold, retries)
//   - Valid enum values (storage backend, log level)
//   - Backend-specific required fields
//
// # Thread Safety
//
// Config instances are not thread-safe. If you need concurrent access,
// wrap the config in a sync.RWMutex or create separate instances.
package config
