// Package config loads the escrowd JSON configuration, applies defaults and
// environment overrides (including .env files) and validates driver choices.
// Network selection is environment-level: ESCROW_NETWORK picks an entry from
// the networks YAML file.
package config
