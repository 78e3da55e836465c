// ABOUTME: Package documentation for the config package.
// ABOUTME: Describes YAML loading, env expansion, and defaults.

// Package config loads gateway configuration from a YAML file.
//
// Values of the form ${VAR} are expanded from the environment before
// parsing, so secrets like API keys can stay out of the file. Duration
// fields accept Go duration strings ("30m", "5m"). Missing fields fall
// back to the package defaults and the result is validated before use.
package config
