package config

import (
	"fmt"
)

var writeStrategies = map[string]bool{
	"function":   true,
	"assignment": true,
	"string":     true,
	"template":   true,
}

var bootstrapTypes = map[string]bool{
	"String":  true,
	"Integer": true,
	"Float":   true,
	"Boolean": true,
	"List":    true,
	"Pose":    true,
}

// Validate enforces configuration rules.
func Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateRobot(&config.Robot); err != nil {
		return fmt.Errorf("robot validation failed: %w", err)
	}

	if err := validateTiming(&config.Timing); err != nil {
		return fmt.Errorf("timing validation failed: %w", err)
	}

	if err := validateFeedback(&config.Feedback); err != nil {
		return fmt.Errorf("feedback validation failed: %w", err)
	}

	if err := validateAuth(&config.Auth); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	if err := validateVariables(config.Variables, config.Bootstrap); err != nil {
		return fmt.Errorf("variable validation failed: %w", err)
	}

	return nil
}

func validateRobot(robot *RobotConfig) error {
	if robot.Host == "" {
		return fmt.Errorf("host must be set")
	}
	for name, port := range map[string]int{
		"dashboard":   robot.DashboardPort,
		"secondary":   robot.SecondaryPort,
		"interpreter": robot.InterpreterPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s port %d out of range", name, port)
		}
	}
	return nil
}

func validateTiming(timing *TimingConfig) error {
	if timing.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", timing.PollInterval)
	}

	// The sentinel has to be able to arrive within at least one poll window.
	if timing.ResponseTimeout < timing.PollInterval {
		return fmt.Errorf("response timeout %v must be >= poll interval %v", timing.ResponseTimeout, timing.PollInterval)
	}

	if timing.ReconnectBackoff <= 0 {
		return fmt.Errorf("reconnect backoff must be positive, got %v", timing.ReconnectBackoff)
	}

	if timing.UnlockDelay < 0 {
		return fmt.Errorf("unlock delay must be non-negative, got %v", timing.UnlockDelay)
	}

	if timing.UnlockMaxAttempts < 1 {
		return fmt.Errorf("unlock max attempts must be >= 1, got %d", timing.UnlockMaxAttempts)
	}

	if timing.ReadPeriod <= 0 {
		return fmt.Errorf("read period must be positive, got %v", timing.ReadPeriod)
	}

	if timing.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", timing.HeartbeatInterval)
	}

	if timing.HeartbeatJitter < 0 || timing.HeartbeatJitter > timing.HeartbeatInterval/2 {
		return fmt.Errorf("heartbeat jitter %v exceeds 50%% of interval %v", timing.HeartbeatJitter, timing.HeartbeatInterval)
	}

	if timing.EventBufferSize < 1 {
		return fmt.Errorf("event buffer size must be >= 1, got %d", timing.EventBufferSize)
	}

	return nil
}

func validateFeedback(feedback *FeedbackConfig) error {
	if feedback.ListenAddr == "" {
		return fmt.Errorf("listen address must be set")
	}
	if feedback.AdvertisePort <= 0 || feedback.AdvertisePort > 65535 {
		return fmt.Errorf("advertise port %d out of range", feedback.AdvertisePort)
	}
	if feedback.SocketName == "" {
		return fmt.Errorf("socket name must be set")
	}
	return nil
}

func validateAuth(auth *AuthConfig) error {
	if !auth.Enabled {
		return nil
	}
	switch auth.Algorithm {
	case "HS256":
		if auth.SecretKey == "" {
			return fmt.Errorf("HS256 requires a secret key")
		}
	case "RS256":
		if auth.PublicKeyPEMFile == "" && auth.JWKSURL == "" {
			return fmt.Errorf("RS256 requires a public key file or JWKS URL")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", auth.Algorithm)
	}
	return nil
}

func validateVariables(variables []VariableConfig, bootstrap []BootstrapVariable) error {
	seen := make(map[string]bool, len(variables))
	for _, v := range variables {
		if v.Name == "" {
			return fmt.Errorf("telemetry variable without name")
		}
		if seen[v.Name] {
			return fmt.Errorf("telemetry variable %q declared twice", v.Name)
		}
		seen[v.Name] = true
		if !writeStrategies[v.Write] {
			return fmt.Errorf("telemetry variable %q: unknown write strategy %q", v.Name, v.Write)
		}
		if v.Target == "" {
			return fmt.Errorf("telemetry variable %q: empty write target", v.Name)
		}
	}

	for _, b := range bootstrap {
		if b.Name == "" {
			return fmt.Errorf("bootstrap variable without name")
		}
		if !bootstrapTypes[b.Type] {
			return fmt.Errorf("bootstrap variable %q: unknown type %q", b.Name, b.Type)
		}
	}
	return nil
}
