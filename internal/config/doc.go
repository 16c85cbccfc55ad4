// Package config defines the on-disk and environment-variable
// configuration for a crossfs or etcfs daemon process.
//
// A typical configuration file looks like:
//
//	global:
//	  log_level: INFO
//	  metrics_port: 8080
//	  health_port: 8081
//	mount:
//	  mount_point: /bedrock/strata/mystratum/cross
//	  allow_other: true
//	strata:
//	  root: /bedrock/strata
//	  global_stratum: bedrock
//	override:
//	  reapply_window: 1s
//
// Log level and file, debug, metrics and health ports, strata root,
// global stratum, override reapply window, and the memory-watchdog and
// profiling feature flags can also be set via a BEDROCK_-prefixed
// environment variable (BEDROCK_LOG_LEVEL, BEDROCK_METRICS_PORT, ...),
// which LoadFromEnv overlays on top of whatever LoadFromFile already
// parsed. The mount section and profile_port have no environment
// variable.
// Precedence, lowest to highest: NewDefault, config file, environment.
//
// This package has nothing to do with the live routing table that
// internal/store maintains -- that table is mutated exclusively via
// writes to the mounted control file (spec.md §4.2) at runtime, never
// read from a YAML file on disk.
package config
