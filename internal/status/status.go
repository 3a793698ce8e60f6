// Package status assembles the read-only admin surface: the status
// payload, a health probe, Prometheus metrics and a manual reload hook.
package status

import (
	"github.com/wudi/grpcmock/internal/config"
	"github.com/wudi/grpcmock/internal/metrics"
	"github.com/wudi/grpcmock/internal/reload"
	"github.com/wudi/grpcmock/internal/rules"
	"github.com/wudi/grpcmock/internal/schema"
	"github.com/wudi/grpcmock/internal/validate"
)

// TLSStatus reports the TLS gRPC listener.
type TLSStatus struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	State   string `json:"state,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CORSStatus reports the Connect CORS policy.
type CORSStatus struct {
	Enabled      bool     `json:"enabled"`
	AllowOrigins []string `json:"allow_origins,omitempty"`
	AllowMethods []string `json:"allow_methods,omitempty"`
	AllowHeaders []string `json:"allow_headers,omitempty"`
}

// ConnectStatus reports the Connect listener.
type ConnectStatus struct {
	Enabled  bool       `json:"enabled"`
	Port     int        `json:"port"`
	TLS      bool       `json:"tls"`
	State    string     `json:"state,omitempty"`
	Error    string     `json:"error,omitempty"`
	CORS     CORSStatus `json:"cors"`
	Services []string   `json:"services"`
}

// GRPCStatus reports the native gRPC listeners.
type GRPCStatus struct {
	PlaintextPort  int       `json:"plaintext_port"`
	PlaintextState string    `json:"plaintext_state,omitempty"`
	TLS            TLSStatus `json:"tls"`
}

// ReloadStatus is the reload metadata plus load reports.
type ReloadStatus struct {
	LastTriggered    string              `json:"last_triggered,omitempty"`
	Mode             string              `json:"mode,omitempty"`
	DowntimeDetected bool                `json:"downtime_detected"`
	LastError        string              `json:"last_error,omitempty"`
	LoadedProtos     []string            `json:"loaded_protos"`
	SkippedProtos    []schema.FileReport `json:"skipped_protos"`
	RuleErrors       []rules.LoadError   `json:"rule_errors"`
}

// Payload is the full status document the admin surface returns.
type Payload struct {
	Ready      bool               `json:"ready"`
	GRPC       GRPCStatus         `json:"grpc"`
	Connect    ConnectStatus      `json:"connect"`
	Services   []string           `json:"services"`
	RuleKeys   []string           `json:"rule_keys"`
	Validation validate.Coverage  `json:"validation_coverage"`
	Reload     ReloadStatus       `json:"reload"`
	Metrics    *metrics.Snapshot  `json:"metrics"`
}

// Build assembles the payload from the live components.
func Build(cfg *config.Config, coord *reload.Coordinator, m *metrics.Collector) *Payload {
	info := coord.Info()
	snap := coord.Snapshot()
	plain, tlsSrv, connect := coord.Servers()

	p := &Payload{
		Ready: coord.Ready(),
		GRPC: GRPCStatus{
			PlaintextPort: cfg.PlaintextPort,
			TLS: TLSStatus{
				Enabled: cfg.TLS.Enabled,
				Port:    cfg.TLSPort,
				Error:   info.TLSError,
			},
		},
		Connect: ConnectStatus{
			Enabled: cfg.Connect.Enabled,
			Port:    cfg.Connect.Port,
			TLS:     cfg.Connect.TLS,
			Error:   info.ConnectError,
			CORS: CORSStatus{
				Enabled:      cfg.Connect.CORS.Enabled,
				AllowOrigins: cfg.Connect.CORS.AllowOrigins,
				AllowMethods: cfg.Connect.CORS.AllowMethods,
				AllowHeaders: cfg.Connect.CORS.AllowHeaders,
			},
			Services: []string{},
		},
		Services:   []string{},
		RuleKeys:   []string{},
		Validation: info.Coverage,
		Reload: ReloadStatus{
			Mode:             info.Mode,
			DowntimeDetected: info.DowntimeDetected,
			LastError:        info.LastError,
			LoadedProtos:     []string{},
			SkippedProtos:    []schema.FileReport{},
			RuleErrors:       []rules.LoadError{},
		},
		Metrics: m.Snapshot(),
	}

	if plain != nil {
		p.GRPC.PlaintextState = string(plain.State())
	}
	if tlsSrv != nil {
		p.GRPC.TLS.State = string(tlsSrv.State())
	}
	if connect != nil {
		p.Connect.State = string(connect.State())
	}

	if snap.Registry != nil {
		p.Services = snap.Registry.ServiceNames()
		p.Connect.Services = snap.Registry.ServiceNames()
	}
	if snap.Rules != nil {
		p.RuleKeys = snap.Rules.Keys()
		p.Reload.RuleErrors = snap.Rules.Errors()
	}
	if !info.LastTriggered.IsZero() {
		p.Reload.LastTriggered = info.LastTriggered.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	if info.ProtoReport != nil {
		if loaded := info.ProtoReport.Loaded(); loaded != nil {
			p.Reload.LoadedProtos = loaded
		}
		if skipped := info.ProtoReport.Skipped(); skipped != nil {
			p.Reload.SkippedProtos = skipped
		}
	}
	if info.RuleErrors != nil {
		p.Reload.RuleErrors = info.RuleErrors
	}
	return p
}
