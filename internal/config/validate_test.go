package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateDefaults(t *testing.T) {
	assert.NoError(t, Validate(Defaults()))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"nil host", func(c *Config) { c.Robot.Host = "" }},
		{"bad port", func(c *Config) { c.Robot.InterpreterPort = 70000 }},
		{"zero poll", func(c *Config) { c.Timing.PollInterval = 0 }},
		{"timeout below poll", func(c *Config) { c.Timing.ResponseTimeout = 10 * time.Millisecond }},
		{"no unlock attempts", func(c *Config) { c.Timing.UnlockMaxAttempts = 0 }},
		{"jitter too large", func(c *Config) { c.Timing.HeartbeatJitter = 10 * time.Second }},
		{"empty socket name", func(c *Config) { c.Feedback.SocketName = "" }},
		{"hs256 without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.SecretKey = "" }},
		{"unknown algorithm", func(c *Config) { c.Auth.Enabled = true; c.Auth.Algorithm = "none" }},
		{"rs256 without key source", func(c *Config) { c.Auth.Enabled = true; c.Auth.Algorithm = "RS256" }},
		{"duplicate variable", func(c *Config) { c.Variables = append(c.Variables, c.Variables[0]) }},
		{"unknown strategy", func(c *Config) { c.Variables[0].Write = "magic" }},
		{"bad bootstrap type", func(c *Config) {
			c.Bootstrap = []BootstrapVariable{{Name: "x", Type: "Matrix", Value: "1"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mutate(c)
			assert.Error(t, Validate(c))
		})
	}

	assert.Error(t, Validate(nil))
}
