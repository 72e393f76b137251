// Package config loads the JSON configuration file used by chainsaged and
// resolves defaults, relative paths and environment overrides.
package config
