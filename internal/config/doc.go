// Package config loads the startup configuration with viper.
//
// The file is YAML; every scalar key can be overridden from the
// environment with the FRESHROUTE_ prefix and dots replaced by
// underscores (FRESHROUTE_DEFAULTS_FAILURE_THRESHOLD=3). Configuration is
// read once; there is no reload.
//
// Load validates before returning. A configuration that fails validation
// is the one condition that stops the daemon from starting, so Validate
// collects every problem into a single ErrInvalid rather than stopping at
// the first.
//
// Per-backend probe and circuit settings fall back to the defaults
// section field by field; Effective computes the merged result.
package config
