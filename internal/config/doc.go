// Package config loads node configuration from an optional YAML file, then
// HIVE_* environment variables, on top of Default. Validate enforces the
// timing relationships the protocols depend on, such as the consensus
// heartbeat being shorter than the minimum election timeout.
package config
