package config

import (
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/gaborage/go-snoo/observability"
	"github.com/gaborage/go-snoo/ratelimit"
)

// Environment constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config represents the overall client configuration structure.
// The embedded koanf.Koanf instance allows access to keys not mapped
// onto the struct.
type Config struct {
	App           AppConfig            `koanf:"app" json:"app" yaml:"app" mapstructure:"app"`
	API           APIConfig            `koanf:"api" json:"api" yaml:"api" mapstructure:"api"`
	Auth          AuthConfig           `koanf:"auth" json:"auth" yaml:"auth" mapstructure:"auth"`
	Reauth        ReauthConfig         `koanf:"reauth" json:"reauth" yaml:"reauth" mapstructure:"reauth"`
	Rate          ratelimit.Settings   `koanf:"rate" json:"rate" yaml:"rate" mapstructure:"rate"`
	Log           LogConfig            `koanf:"log" json:"log" yaml:"log" mapstructure:"log"`
	Observability observability.Config `koanf:"observability" json:"observability" yaml:"observability" mapstructure:"observability"`

	// k holds the underlying Koanf instance for flexible access to custom configurations
	k *koanf.Koanf `json:"-" yaml:"-" mapstructure:"-"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name    string `koanf:"name" json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	Version string `koanf:"version" json:"version" yaml:"version" mapstructure:"version" validate:"required"`
	Env     string `koanf:"env" json:"env" yaml:"env" mapstructure:"env" validate:"oneof=development staging production"`
}

// APIConfig holds the remote API endpoints and transport settings.
type APIConfig struct {
	// PublicURL is the base URL of anonymous clients.
	PublicURL string `koanf:"publicurl" json:"publicUrl" yaml:"publicurl" mapstructure:"publicurl" validate:"required,url"`
	// OAuthURL is the base URL of authenticated clients.
	OAuthURL string `koanf:"oauthurl" json:"oauthUrl" yaml:"oauthurl" mapstructure:"oauthurl" validate:"required,url"`
	TokenURL string `koanf:"tokenurl" json:"tokenUrl" yaml:"tokenurl" mapstructure:"tokenurl" validate:"required,url"`

	Timeout    time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	MaxResends int           `koanf:"maxresends" json:"maxResends" yaml:"maxresends" mapstructure:"maxresends" validate:"gte=0"`
	// UserAgent overrides the generated "go:<app>:v<version> (by u/<username>)" value.
	UserAgent string       `koanf:"useragent" json:"userAgent" yaml:"useragent" mapstructure:"useragent"`
	Pacing    PacingConfig `koanf:"pacing" json:"pacing" yaml:"pacing" mapstructure:"pacing"`
}

// PacingConfig enables client-side request pacing. RPS 0 disables it.
type PacingConfig struct {
	RPS   float64 `koanf:"rps" json:"rps" yaml:"rps" mapstructure:"rps" validate:"gte=0"`
	Burst int     `koanf:"burst" json:"burst" yaml:"burst" mapstructure:"burst" validate:"gte=0"`
}

// AuthConfig holds the application and account credentials. All fields are
// optional for anonymous-only use.
type AuthConfig struct {
	ClientID     string `koanf:"clientid" json:"clientId" yaml:"clientid" mapstructure:"clientid" validate:"required_with=Username"`
	ClientSecret string `koanf:"clientsecret" json:"-" yaml:"clientsecret" mapstructure:"clientsecret" validate:"required_with=ClientID"`
	Username     string `koanf:"username" json:"username" yaml:"username" mapstructure:"username"`
	Password     string `koanf:"password" json:"-" yaml:"password" mapstructure:"password" validate:"required_with=Username"`
}

// Configured reports whether an authenticated identity is configured.
func (a *AuthConfig) Configured() bool {
	return a.Username != ""
}

// ReauthConfig bounds token refreshes.
type ReauthConfig struct {
	MaxRetries      int   `koanf:"maxretries" json:"maxRetries" yaml:"maxretries" mapstructure:"maxretries" validate:"gte=0"`
	InvalidStatuses []int `koanf:"invalidstatuses" json:"invalidStatuses" yaml:"invalidstatuses" mapstructure:"invalidstatuses" validate:"min=1,dive,gte=400,lte=599"`
}

// LogConfig holds log settings.
type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Pretty bool   `koanf:"pretty" json:"pretty" yaml:"pretty" mapstructure:"pretty"`
}
