package config

import (
	"time"
)

// Config is the full bridge configuration.
type Config struct {
	Robot     RobotConfig         `yaml:"robot"`
	Timing    TimingConfig        `yaml:"timing"`
	Feedback  FeedbackConfig      `yaml:"feedback"`
	HTTP      HTTPConfig          `yaml:"http"`
	Auth      AuthConfig          `yaml:"auth"`
	Redis     RedisConfig         `yaml:"redis"`
	Log       LogConfig           `yaml:"log"`
	Audit     AuditConfig         `yaml:"audit"`
	Variables []VariableConfig    `yaml:"variables"`
	Bootstrap []BootstrapVariable `yaml:"bootstrap"`
}

// RobotConfig holds controller endpoints.
type RobotConfig struct {
	Host            string `yaml:"host"`
	DashboardPort   int    `yaml:"dashboardPort"`
	SecondaryPort   int    `yaml:"secondaryPort"`
	InterpreterPort int    `yaml:"interpreterPort"`
	PowerOnAtStart  bool   `yaml:"powerOnAtStart"`
}

// TimingConfig holds protocol timing.
type TimingConfig struct {
	// Interpreter session
	PollInterval     time.Duration `yaml:"pollInterval"`
	ResponseTimeout  time.Duration `yaml:"responseTimeout"`
	ReconnectBackoff time.Duration `yaml:"reconnectBackoff"`

	// Interpreter restart
	InterpreterStartDelay time.Duration `yaml:"interpreterStartDelay"`
	FeedbackSettleDelay   time.Duration `yaml:"feedbackSettleDelay"`

	// Protective stop unlock
	UnlockDelay       time.Duration `yaml:"unlockDelay"`
	UnlockMaxAttempts int           `yaml:"unlockMaxAttempts"`

	// Variable read loop
	ReadPeriod time.Duration `yaml:"readPeriod"`

	// Operation timeouts
	CommandTimeout time.Duration `yaml:"commandTimeout"`
	UndoTimeout    time.Duration `yaml:"undoTimeout"`

	// Notification hub
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatJitter   time.Duration `yaml:"heartbeatJitter"`
	EventBufferSize   int           `yaml:"eventBufferSize"`
}

// FeedbackConfig describes the listener the companion program connects to.
type FeedbackConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	// AdvertiseHost is the address the controller dials back. Empty means
	// the first non-loopback interface address.
	AdvertiseHost string `yaml:"advertiseHost"`
	AdvertisePort int    `yaml:"advertisePort"`
	SocketName    string `yaml:"socketName"`
}

// HTTPConfig holds the client-facing server settings.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Algorithm        string `yaml:"algorithm"`
	SecretKey        string `yaml:"secretKey"`
	PublicKeyPEMFile string `yaml:"publicKeyPemFile"`
	// JWKSURL names a key set for RS256 tokens that carry a kid.
	JWKSURL             string        `yaml:"jwksUrl"`
	JWKSRefreshInterval time.Duration `yaml:"jwksRefreshInterval"`
	JWKSCacheTimeout    time.Duration `yaml:"jwksCacheTimeout"`
}

// RedisConfig configures the journal store and telemetry feed.
// An empty Addr disables both.
type RedisConfig struct {
	Addr             string        `yaml:"addr"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	Prefix           string        `yaml:"prefix"`
	TelemetryChannel string        `yaml:"telemetryChannel"`
	JournalTTL       time.Duration `yaml:"journalTtl"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	Journal    bool   `yaml:"journal"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// VariableConfig declares a telemetry variable and how it is written back.
type VariableConfig struct {
	Name        string `yaml:"name"`
	Write       string `yaml:"write"` // function, assignment, string, template
	Target      string `yaml:"target"`
	Collapsible bool   `yaml:"collapsible"`
	Motion      bool   `yaml:"motion"`
}

// BootstrapVariable is applied to the interpreter after every restart.
type BootstrapVariable struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"` // String, Integer, Float, Boolean, List, Pose
	Value string `yaml:"value"`
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Robot: RobotConfig{
			Host:            "polyscope",
			DashboardPort:   29999,
			SecondaryPort:   30002,
			InterpreterPort: 30020,
		},
		Timing: TimingConfig{
			PollInterval:          100 * time.Millisecond,
			ResponseTimeout:       10 * time.Second,
			ReconnectBackoff:      1 * time.Second,
			InterpreterStartDelay: 1 * time.Second,
			FeedbackSettleDelay:   500 * time.Millisecond,
			// The controller refuses an unlock sooner than 5s after the stop.
			UnlockDelay:       5 * time.Second,
			UnlockMaxAttempts: 10,
			ReadPeriod:        1 * time.Second,
			CommandTimeout:    60 * time.Second,
			UndoTimeout:       120 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			HeartbeatJitter:   2 * time.Second,
			EventBufferSize:   50,
		},
		Feedback: FeedbackConfig{
			ListenAddr:    ":8000",
			AdvertisePort: 8000,
			SocketName:    "rbc",
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming endpoints
			IdleTimeout:  120 * time.Second,
		},
		Auth: AuthConfig{
			Algorithm:           "HS256",
			JWKSRefreshInterval: 5 * time.Minute,
			JWKSCacheTimeout:    time.Hour,
		},
		Redis: RedisConfig{
			Prefix:           "rbc:",
			TelemetryChannel: "rbc:telemetry",
			JournalTTL:       24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
		Audit: AuditConfig{
			Dir:        "logs",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
		},
		Variables: DefaultVariables(),
	}
}

// DefaultVariables is the telemetry catalog used when none is configured.
func DefaultVariables() []VariableConfig {
	return []VariableConfig{
		{Name: "joints", Write: "function", Target: "movej", Motion: true},
		{Name: "payload", Write: "function", Target: "set_payload", Collapsible: true},
		{Name: "digital_out_0", Write: "template", Target: "set_standard_digital_out(0, {})", Collapsible: true},
		{Name: "digital_out_1", Write: "template", Target: "set_standard_digital_out(1, {})", Collapsible: true},
	}
}
