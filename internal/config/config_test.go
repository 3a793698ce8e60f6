package config

import "testing"

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PlaintextPort != 50050 || cfg.TLSPort != 50051 || cfg.Connect.Port != 50052 || cfg.AdminPort != 50053 {
		t.Errorf("default ports = %d/%d/%d/%d", cfg.PlaintextPort, cfg.TLSPort, cfg.Connect.Port, cfg.AdminPort)
	}
	if cfg.TLS.Enabled {
		t.Error("TLS defaults off")
	}
	if !cfg.Connect.Enabled || !cfg.Connect.CORS.Enabled {
		t.Error("Connect and CORS default on")
	}
	if !cfg.Validation.Enabled || cfg.Validation.Source != SourceAuto || cfg.Validation.Mode != ModePerMessage {
		t.Errorf("validation defaults = %+v", cfg.Validation)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("GRPC_PORT_PLAINTEXT", "9000")
	t.Setenv("CONNECT_ENABLED", "false")
	t.Setenv("VALIDATION_MODE", "aggregate")
	t.Setenv("CONNECT_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PlaintextPort != 9000 {
		t.Errorf("PlaintextPort = %d", cfg.PlaintextPort)
	}
	if cfg.Connect.Enabled {
		t.Error("CONNECT_ENABLED=false not applied")
	}
	if cfg.Validation.Mode != ModeAggregate {
		t.Errorf("Mode = %q", cfg.Validation.Mode)
	}
	origins := cfg.Connect.CORS.AllowOrigins
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		t.Errorf("AllowOrigins = %v", origins)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestFromEnvCertKeyImpliesTLS(t *testing.T) {
	t.Setenv("GRPC_TLS_CERT_PATH", "/certs/server.crt")
	t.Setenv("GRPC_TLS_KEY_PATH", "/certs/server.key")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.TLS.Enabled {
		t.Error("cert+key should imply TLS")
	}
}

func TestFromEnvBadPort(t *testing.T) {
	t.Setenv("GRPC_PORT_PLAINTEXT", "not-a-port")
	if _, err := FromEnv(); err == nil {
		t.Error("invalid port should fail")
	}
}

func TestValidateEnums(t *testing.T) {
	cfg := Default()
	cfg.Validation.Source = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("invalid source should fail")
	}

	cfg = Default()
	cfg.Validation.Mode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("invalid mode should fail")
	}

	cfg = Default()
	cfg.Validation.CELMessage = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("invalid cel mode should fail")
	}

	cfg = Default()
	cfg.AdminPort = 0
	if err := cfg.Validate(); err == nil {
		t.Error("port 0 should fail")
	}
}

func TestMTLSRequested(t *testing.T) {
	cfg := Default()
	if cfg.MTLSRequested() {
		t.Error("mTLS off by default")
	}
	cfg.TLS.CAFile = "/certs/ca.crt"
	if cfg.MTLSRequested() {
		t.Error("CA alone is not mTLS")
	}
	cfg.TLS.RequireClientCert = true
	if !cfg.MTLSRequested() {
		t.Error("CA + require flag is mTLS")
	}
}
