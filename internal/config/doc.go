// Package config loads and validates loom's TOML configuration.
//
// A single Config value is constructed at process start and passed down
// through constructors; nothing reads configuration through globals. Loading
// applies defaults, expands ~ in paths, and validates before returning.
package config
