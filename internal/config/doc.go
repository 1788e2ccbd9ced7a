// Package config loads escrowd settings from a YAML file and applies
// ESCROW_* environment overrides on top of it.
package config
