// Package config loads the walletd configuration from a YAML file, applies
// defaults relative to the file location and layers WALLETD_* environment
// overrides on top.
package config
