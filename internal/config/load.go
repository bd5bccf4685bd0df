//
//
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is read when RBC_CONFIG is not set and the file exists.
const DefaultFile = "rbc.yaml"

// Load merges Defaults() + optional YAML file + RBC_* env overrides.
func Load() (*Config, error) {
	config := Defaults()

	path := GetEnvVar("RBC_CONFIG", DefaultFile)
	if _, err := os.Stat(path); err == nil {
		if err := mergeFile(config, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	} else if path != DefaultFile {
		// An explicitly named file must exist.
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// mergeFile decodes a YAML file over config. Keys absent from the file keep
// their current value.
func mergeFile(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	// A configured catalog replaces the default one instead of appending.
	var probe struct {
		Variables []VariableConfig `yaml:"variables"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Variables != nil {
		config.Variables = nil
	}

	return yaml.Unmarshal(data, config)
}

// applyEnvOverrides applies RBC_* environment variables to the config.
// Values that fail to parse are ignored.
func applyEnvOverrides(config *Config) error {
	// Robot endpoints
	config.Robot.Host = GetEnvVar("RBC_ROBOT_HOST", config.Robot.Host)
	config.Robot.DashboardPort = GetEnvInt("RBC_ROBOT_DASHBOARD_PORT", config.Robot.DashboardPort)
	config.Robot.SecondaryPort = GetEnvInt("RBC_ROBOT_SECONDARY_PORT", config.Robot.SecondaryPort)
	config.Robot.InterpreterPort = GetEnvInt("RBC_ROBOT_INTERPRETER_PORT", config.Robot.InterpreterPort)
	config.Robot.PowerOnAtStart = GetEnvBool("RBC_ROBOT_POWER_ON", config.Robot.PowerOnAtStart)

	// Timing
	config.Timing.PollInterval = GetEnvDuration("RBC_TIMING_POLL_INTERVAL", config.Timing.PollInterval)
	config.Timing.ResponseTimeout = GetEnvDuration("RBC_TIMING_RESPONSE_TIMEOUT", config.Timing.ResponseTimeout)
	config.Timing.ReconnectBackoff = GetEnvDuration("RBC_TIMING_RECONNECT_BACKOFF", config.Timing.ReconnectBackoff)
	config.Timing.InterpreterStartDelay = GetEnvDuration("RBC_TIMING_INTERPRETER_START_DELAY", config.Timing.InterpreterStartDelay)
	config.Timing.FeedbackSettleDelay = GetEnvDuration("RBC_TIMING_FEEDBACK_SETTLE_DELAY", config.Timing.FeedbackSettleDelay)
	config.Timing.UnlockDelay = GetEnvDuration("RBC_TIMING_UNLOCK_DELAY", config.Timing.UnlockDelay)
	config.Timing.UnlockMaxAttempts = GetEnvInt("RBC_TIMING_UNLOCK_MAX_ATTEMPTS", config.Timing.UnlockMaxAttempts)
	config.Timing.ReadPeriod = GetEnvDuration("RBC_TIMING_READ_PERIOD", config.Timing.ReadPeriod)
	config.Timing.CommandTimeout = GetEnvDuration("RBC_TIMING_COMMAND_TIMEOUT", config.Timing.CommandTimeout)
	config.Timing.UndoTimeout = GetEnvDuration("RBC_TIMING_UNDO_TIMEOUT", config.Timing.UndoTimeout)
	config.Timing.HeartbeatInterval = GetEnvDuration("RBC_TIMING_HEARTBEAT_INTERVAL", config.Timing.HeartbeatInterval)
	config.Timing.HeartbeatJitter = GetEnvDuration("RBC_TIMING_HEARTBEAT_JITTER", config.Timing.HeartbeatJitter)
	config.Timing.EventBufferSize = GetEnvInt("RBC_TIMING_EVENT_BUFFER_SIZE", config.Timing.EventBufferSize)

	// Feedback listener
	config.Feedback.ListenAddr = GetEnvVar("RBC_FEEDBACK_LISTEN", config.Feedback.ListenAddr)
	config.Feedback.AdvertiseHost = GetEnvVar("RBC_FEEDBACK_HOST", config.Feedback.AdvertiseHost)
	config.Feedback.AdvertisePort = GetEnvInt("RBC_FEEDBACK_PORT", config.Feedback.AdvertisePort)
	config.Feedback.SocketName = GetEnvVar("RBC_FEEDBACK_SOCKET", config.Feedback.SocketName)

	// HTTP
	config.HTTP.Addr = GetEnvVar("RBC_ADDR", config.HTTP.Addr)

	// Auth
	config.Auth.Enabled = GetEnvBool("RBC_AUTH_ENABLED", config.Auth.Enabled)
	config.Auth.Algorithm = GetEnvVar("RBC_AUTH_ALGORITHM", config.Auth.Algorithm)
	config.Auth.SecretKey = GetEnvVar("RBC_AUTH_SECRET", config.Auth.SecretKey)
	config.Auth.PublicKeyPEMFile = GetEnvVar("RBC_AUTH_PUBLIC_KEY", config.Auth.PublicKeyPEMFile)
	config.Auth.JWKSURL = GetEnvVar("RBC_AUTH_JWKS_URL", config.Auth.JWKSURL)
	config.Auth.JWKSRefreshInterval = GetEnvDuration("RBC_AUTH_JWKS_REFRESH", config.Auth.JWKSRefreshInterval)

	// Redis
	config.Redis.Addr = GetEnvVar("RBC_REDIS_ADDR", config.Redis.Addr)
	config.Redis.Password = GetEnvVar("RBC_REDIS_PASSWORD", config.Redis.Password)
	config.Redis.DB = GetEnvInt("RBC_REDIS_DB", config.Redis.DB)
	config.Redis.TelemetryChannel = GetEnvVar("RBC_REDIS_TELEMETRY_CHANNEL", config.Redis.TelemetryChannel)

	// Logging and audit
	config.Log.Level = GetEnvVar("RBC_LOG_LEVEL", config.Log.Level)
	config.Log.File = GetEnvVar("RBC_LOG_FILE", config.Log.File)
	config.Log.Journal = GetEnvBool("RBC_LOG_JOURNAL", config.Log.Journal)
	config.Audit.Dir = GetEnvVar("RBC_AUDIT_DIR", config.Audit.Dir)

	return nil
}

// GetEnvVar returns the value of an environment variable with a default.
func GetEnvVar(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvDuration returns the value of an environment variable as a duration with a default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvInt returns the value of an environment variable as an int with a default.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GetEnvBool returns the value of an environment variable as a bool with a default.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// RobotAddr joins the robot host with a port.
func (c *Config) RobotAddr(port int) string {
	return fmt.Sprintf("%s:%d", c.Robot.Host, port)
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
