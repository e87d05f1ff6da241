package observability

import (
	"maps"
	"strings"
	"time"
)

const (
	// EndpointStdout is a special endpoint value that outputs to stdout (for local development).
	EndpointStdout = "stdout"

	// ProtocolHTTP specifies OTLP over HTTP/protobuf.
	ProtocolHTTP = "http"

	// ProtocolGRPC specifies OTLP over gRPC.
	ProtocolGRPC = "grpc"

	// EnvironmentDevelopment is the default environment name.
	EnvironmentDevelopment = "development"
)

// BoolPtr returns a pointer to the provided bool value.
func BoolPtr(v bool) *bool {
	return &v
}

// Float64Ptr returns a pointer to the provided float64 value.
func Float64Ptr(v float64) *float64 {
	return &v
}

// Config defines the telemetry export settings of the client process.
type Config struct {
	// Enabled controls whether spans and metrics are exported at all.
	Enabled bool `koanf:"enabled" json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	Service     ServiceConfig `koanf:"service" json:"service" yaml:"service" mapstructure:"service"`
	Environment string        `koanf:"environment" json:"environment" yaml:"environment" mapstructure:"environment"`
	Trace       TraceConfig   `koanf:"trace" json:"trace" yaml:"trace" mapstructure:"trace"`
	Metrics     MetricsConfig `koanf:"metrics" json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// ServiceConfig identifies the process in exported telemetry.
type ServiceConfig struct {
	Name    string `koanf:"name" json:"name" yaml:"name" mapstructure:"name"`
	Version string `koanf:"version" json:"version" yaml:"version" mapstructure:"version"`
}

// TraceConfig configures span export.
type TraceConfig struct {
	// Enabled defaults to true when observability is enabled.
	Enabled *bool `koanf:"enabled" json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	// Endpoint is "stdout" or an OTLP collector address.
	Endpoint string `koanf:"endpoint" json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	// Protocol is "http" or "grpc"; metrics use the same protocol.
	Protocol string            `koanf:"protocol" json:"protocol" yaml:"protocol" mapstructure:"protocol"`
	Insecure bool              `koanf:"insecure" json:"insecure" yaml:"insecure" mapstructure:"insecure"`
	Headers  map[string]string `koanf:"headers" json:"headers" yaml:"headers" mapstructure:"headers"`
	// SampleRate is the TraceIDRatioBased ratio, 1.0 when unset.
	SampleRate    *float64      `koanf:"samplerate" json:"sampleRate" yaml:"samplerate" mapstructure:"samplerate"`
	BatchTimeout  time.Duration `koanf:"batchtimeout" json:"batchTimeout" yaml:"batchtimeout" mapstructure:"batchtimeout"`
	ExportTimeout time.Duration `koanf:"exporttimeout" json:"exportTimeout" yaml:"exporttimeout" mapstructure:"exporttimeout"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Enabled       *bool         `koanf:"enabled" json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Endpoint      string        `koanf:"endpoint" json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Interval      time.Duration `koanf:"interval" json:"interval" yaml:"interval" mapstructure:"interval"`
	ExportTimeout time.Duration `koanf:"exporttimeout" json:"exportTimeout" yaml:"exporttimeout" mapstructure:"exporttimeout"`
}

// ApplyDefaults fills unset fields. Explicit false/zero pointers are kept.
func (c *Config) ApplyDefaults() {
	if c.Service.Version == "" {
		c.Service.Version = "unknown"
	}
	if c.Environment == "" {
		c.Environment = EnvironmentDevelopment
	}

	if c.Trace.Endpoint == "" {
		c.Trace.Endpoint = EndpointStdout
	}
	if c.Enabled && c.Trace.Enabled == nil {
		c.Trace.Enabled = BoolPtr(true)
	}
	if c.Trace.Protocol == "" {
		c.Trace.Protocol = ProtocolHTTP
	}
	if c.Trace.Endpoint == EndpointStdout {
		c.Trace.Insecure = true
	}
	if c.Trace.SampleRate == nil {
		c.Trace.SampleRate = Float64Ptr(1.0)
	}
	if c.Trace.BatchTimeout == 0 {
		c.Trace.BatchTimeout = c.pick(500*time.Millisecond, 5*time.Second, c.Trace.Endpoint)
	}
	if c.Trace.ExportTimeout == 0 {
		c.Trace.ExportTimeout = c.pick(10*time.Second, 60*time.Second, c.Trace.Endpoint)
	}
	c.Trace.Headers = cloneHeaderMap(c.Trace.Headers)

	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = c.Trace.Endpoint
	}
	if c.Enabled && c.Metrics.Enabled == nil {
		c.Metrics.Enabled = BoolPtr(true)
	}
	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = c.pick(10*time.Second, 60*time.Second, c.Metrics.Endpoint)
	}
	if c.Metrics.ExportTimeout == 0 {
		c.Metrics.ExportTimeout = c.pick(10*time.Second, 30*time.Second, c.Metrics.Endpoint)
	}
}

// pick returns dev for development or stdout setups and prod otherwise.
func (c *Config) pick(dev, prod time.Duration, endpoint string) time.Duration {
	if c.Environment == EnvironmentDevelopment || endpoint == EndpointStdout {
		return dev
	}
	return prod
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if !c.Enabled {
		return nil
	}
	if c.Service.Name == "" {
		return ErrMissingServiceName
	}
	if c.Trace.SampleRate != nil && (*c.Trace.SampleRate < 0 || *c.Trace.SampleRate > 1) {
		return ErrInvalidSampleRate
	}
	if c.Trace.Protocol != ProtocolHTTP && c.Trace.Protocol != ProtocolGRPC {
		return ErrInvalidProtocol
	}
	for _, endpoint := range []string{c.Trace.Endpoint, c.Metrics.Endpoint} {
		if err := validateEndpoint(endpoint, c.Trace.Protocol); err != nil {
			return err
		}
	}
	return nil
}

// validateEndpoint enforces host:port for gRPC and a URL scheme for HTTP.
func validateEndpoint(endpoint, protocol string) error {
	if endpoint == "" || endpoint == EndpointStdout {
		return nil
	}
	hasScheme := strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
	switch protocol {
	case ProtocolGRPC:
		if hasScheme {
			return ErrInvalidEndpointFormat
		}
	case ProtocolHTTP:
		if !hasScheme {
			return ErrInvalidEndpointFormat
		}
	}
	return nil
}

func cloneHeaderMap(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	clone := make(map[string]string, len(headers))
	maps.Copy(clone, headers)
	return clone
}
