// Package config implements the configuration store for the Robot Bridge Container.
//
// Configuration is resolved in three layers: the built-in baseline from
// Defaults(), an optional YAML file, and RBC_* environment overrides.
// The merged result is validated before use.
package config
