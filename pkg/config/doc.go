// Package config provides configuration management for ipquota.
//
// This package handles loading, validating, and managing configuration from
// YAML files with environment variable overrides.
//
// # Configuration Loading
//
// Configuration can be loaded in two ways:
//
//  1. From a YAML file only:
//     cfg, err := config.LoadConfig("config.yaml")
//
//  2. From a YAML file with environment variable overrides:
//     cfg, err := config.LoadConfigWithEnvOverrides("config.yaml")
//
// Passing an empty path to LoadConfigWithEnvOverrides starts from defaults,
// which is enough to run against a local Redis with REDIS_URL set.
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention IPQUOTA_SECTION_FIELD.
// For example:
//
//   - IPQUOTA_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - IPQUOTA_USAGE_MAX_USAGE overrides usage.max_usage
//   - IPQUOTA_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// REDIS_URL sets cache.url; IPQUOTA_CACHE_URL wins when both are present.
// LoadDotEnv reads a .env file into the environment first without
// overwriting variables that are already set.
//
// # Configuration Precedence
//
// Configuration values are applied in the following order (later overrides earlier):
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Singleton Pattern
//
//	if err := config.Initialize("config.yaml"); err != nil {
//	    log.Fatal(err)
//	}
//	cfg := config.GetConfig()
//
// # Hot Reload
//
// Watcher observes the configuration file and hands each valid reload to a
// callback. Only settings that can change safely at runtime (client address
// resolution) are applied by the server; the rest take effect on restart.
package config
