package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Validation source selects which constraint annotations are compiled.
const (
	SourceAuto          = "auto"
	SourcePGV           = "pgv"
	SourceProtovalidate = "protovalidate"
)

// Validation mode selects when streamed messages are validated.
const (
	ModePerMessage = "per_message"
	ModeAggregate  = "aggregate"
)

// TLSConfig holds certificate material paths for the TLS gRPC listener.
type TLSConfig struct {
	Enabled           bool
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientCert bool
}

// CORSConfig configures cross-origin handling on the Connect listener.
type CORSConfig struct {
	Enabled      bool
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
}

// ConnectConfig configures the Connect/gRPC-Web HTTP listener.
type ConnectConfig struct {
	Enabled bool
	Port    int
	TLS     bool
	CORS    CORSConfig
}

// ValidationConfig configures the constraint engine.
type ValidationConfig struct {
	Enabled    bool
	Source     string // auto | pgv | protovalidate
	Mode       string // per_message | aggregate
	CELMessage string // disabled | experimental
}

// ReloadConfig configures the hot-reload watchers.
type ReloadConfig struct {
	WatchProtos  bool
	WatchRules   bool
	Debounce     time.Duration
	DrainTimeout time.Duration
}

// Config is the full server configuration. Values come from environment
// variables with the defaults below; directories come from flags.
type Config struct {
	ProtoDir string
	RuleDir  string

	PlaintextPort int
	TLSPort       int
	TLS           TLSConfig

	Connect ConnectConfig

	Validation ValidationConfig
	Reload     ReloadConfig

	AdminPort int
	LogLevel  string
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		ProtoDir:      "protos",
		RuleDir:       "rules/grpc",
		PlaintextPort: 50050,
		TLSPort:       50051,
		Connect: ConnectConfig{
			Enabled: true,
			Port:    50052,
			CORS: CORSConfig{
				Enabled:      true,
				AllowOrigins: []string{"*"},
			},
		},
		Validation: ValidationConfig{
			Enabled:    true,
			Source:     SourceAuto,
			Mode:       ModePerMessage,
			CELMessage: "disabled",
		},
		Reload: ReloadConfig{
			WatchProtos:  true,
			WatchRules:   true,
			Debounce:     500 * time.Millisecond,
			DrainTimeout: 10 * time.Second,
		},
		AdminPort: 50053,
		LogLevel:  "info",
	}
}

// FromEnv builds a Config from defaults overridden by environment variables.
func FromEnv() (*Config, error) {
	cfg := Default()

	var err error
	if cfg.PlaintextPort, err = envPort("GRPC_PORT_PLAINTEXT", cfg.PlaintextPort); err != nil {
		return nil, err
	}
	if cfg.TLSPort, err = envPort("GRPC_PORT_TLS", cfg.TLSPort); err != nil {
		return nil, err
	}
	if cfg.Connect.Port, err = envPort("CONNECT_PORT", cfg.Connect.Port); err != nil {
		return nil, err
	}
	if cfg.AdminPort, err = envPort("ADMIN_PORT", cfg.AdminPort); err != nil {
		return nil, err
	}

	cfg.TLS.Enabled = envBool("GRPC_TLS_ENABLED", cfg.TLS.Enabled)
	cfg.TLS.CertFile = envString("GRPC_TLS_CERT_PATH", cfg.TLS.CertFile)
	cfg.TLS.KeyFile = envString("GRPC_TLS_KEY_PATH", cfg.TLS.KeyFile)
	cfg.TLS.CAFile = envString("GRPC_TLS_CA_PATH", cfg.TLS.CAFile)
	cfg.TLS.RequireClientCert = envBool("GRPC_TLS_REQUIRE_CLIENT_CERT", cfg.TLS.RequireClientCert)

	// Cert+key presence implies TLS even without the explicit toggle.
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cfg.TLS.Enabled = true
	}

	cfg.Connect.Enabled = envBool("CONNECT_ENABLED", cfg.Connect.Enabled)
	cfg.Connect.TLS = envBool("CONNECT_TLS_ENABLED", cfg.Connect.TLS)
	cfg.Connect.CORS.Enabled = envBool("CONNECT_CORS_ENABLED", cfg.Connect.CORS.Enabled)
	cfg.Connect.CORS.AllowOrigins = envList("CONNECT_CORS_ORIGINS", cfg.Connect.CORS.AllowOrigins)
	cfg.Connect.CORS.AllowMethods = envList("CONNECT_CORS_METHODS", cfg.Connect.CORS.AllowMethods)
	cfg.Connect.CORS.AllowHeaders = envList("CONNECT_CORS_HEADERS", cfg.Connect.CORS.AllowHeaders)

	cfg.Validation.Enabled = envBool("VALIDATION_ENABLED", cfg.Validation.Enabled)
	cfg.Validation.Source = envString("VALIDATION_SOURCE", cfg.Validation.Source)
	cfg.Validation.Mode = envString("VALIDATION_MODE", cfg.Validation.Mode)
	cfg.Validation.CELMessage = envString("VALIDATION_CEL_MESSAGE", cfg.Validation.CELMessage)

	cfg.Reload.WatchProtos = envBool("HOT_RELOAD_PROTOS", cfg.Reload.WatchProtos)
	cfg.Reload.WatchRules = envBool("HOT_RELOAD_RULES", cfg.Reload.WatchRules)

	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum-valued fields and port sanity.
func (c *Config) Validate() error {
	switch c.Validation.Source {
	case SourceAuto, SourcePGV, SourceProtovalidate:
	default:
		return fmt.Errorf("invalid VALIDATION_SOURCE %q (want auto, pgv or protovalidate)", c.Validation.Source)
	}
	switch c.Validation.Mode {
	case ModePerMessage, ModeAggregate:
	default:
		return fmt.Errorf("invalid VALIDATION_MODE %q (want per_message or aggregate)", c.Validation.Mode)
	}
	switch c.Validation.CELMessage {
	case "disabled", "experimental":
	default:
		return fmt.Errorf("invalid VALIDATION_CEL_MESSAGE %q (want disabled or experimental)", c.Validation.CELMessage)
	}
	for _, p := range []int{c.PlaintextPort, c.TLSPort, c.Connect.Port, c.AdminPort} {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("port %d out of range", p)
		}
	}
	return nil
}

// MTLSRequested reports whether the TLS listener should verify client certs.
func (c *Config) MTLSRequested() bool {
	return c.TLS.CAFile != "" && c.TLS.RequireClientCert
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return def
	}
}

func envPort(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
