// Package config loads the phone configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/walkie_talkie/internal/log"
	"github.com/arzzra/walkie_talkie/pkg/profile"
	"github.com/arzzra/walkie_talkie/pkg/sip/transport"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// Insecure skips server certificate verification.
	Insecure bool `yaml:"insecure"`
}

type TransportConfig struct {
	Network string `yaml:"network"` // udp, tcp or tls
	Listen  string `yaml:"listen"`  // local host:port to bind
	// Advertise is the host:port put into Via and Contact when it differs
	// from the bound address (NAT, 0.0.0.0 listeners).
	Advertise string    `yaml:"advertise"`
	TLS       TLSConfig `yaml:"tls"`
}

type RegistrationConfig struct {
	Expires        time.Duration `yaml:"expires"`
	RefreshRatio   float64       `yaml:"refresh_ratio"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type TimersConfig struct {
	T1 time.Duration `yaml:"t1"`
	T2 time.Duration `yaml:"t2"`
	T4 time.Duration `yaml:"t4"`
	D  time.Duration `yaml:"d"`
}

type CallConfig struct {
	InviteTimeout time.Duration `yaml:"invite_timeout"`
	Speaker       bool          `yaml:"speaker"`
	PushToTalk    bool          `yaml:"push_to_talk"`
	// AutoAnswer makes the CLI answer ringing calls on its own.
	AutoAnswer bool `yaml:"auto_answer"`
	MediaPort  int  `yaml:"media_port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

type Config struct {
	Profile profile.Profile `yaml:"profile"`
	// Target is the user or URI called by default.
	Target    string          `yaml:"target"`
	Transport TransportConfig `yaml:"transport"`
	// Registrar is an explicit host:port. Empty means DNS SRV lookup of
	// the profile domain.
	Registrar    string             `yaml:"registrar"`
	NameServer   string             `yaml:"name_server"`
	Registration RegistrationConfig `yaml:"registration"`
	Timers       TimersConfig       `yaml:"timers"`
	Call         CallConfig         `yaml:"call"`
	Log          LogConfig          `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// Default returns the configuration used when a field is not set.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Network: transport.UDP,
			Listen:  "0.0.0.0:5060",
		},
		Registration: RegistrationConfig{
			Expires:        3600 * time.Second,
			RefreshRatio:   0.9,
			BackoffInitial: time.Second,
			BackoffMax:     60 * time.Second,
		},
		Timers: TimersConfig{
			T1: 500 * time.Millisecond,
			T2: 4 * time.Second,
			T4: 5 * time.Second,
			D:  32 * time.Second,
		},
		Call: CallConfig{
			InviteTimeout: 30 * time.Second,
			Speaker:       true,
			PushToTalk:    true,
			MediaPort:     4000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: log.FormatConsole,
		},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	conf := Default()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Validate checks value ranges. Missing profile fields are not reported
// here, registration rejects them with profile.ErrInvalidProfile.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	c.Transport.Network = strings.ToLower(c.Transport.Network)
	switch c.Transport.Network {
	case transport.UDP, transport.TCP:
	case transport.TLS:
		if (c.Transport.TLS.CertFile == "") != (c.Transport.TLS.KeyFile == "") {
			invalid("transport.tls needs both cert_file and key_file")
		}
	default:
		invalid("transport.network %q is not udp, tcp or tls", c.Transport.Network)
	}
	if _, _, err := net.SplitHostPort(c.Transport.Listen); err != nil {
		invalid("transport.listen %q: %v", c.Transport.Listen, err)
	}
	if c.Transport.Advertise != "" {
		if _, _, err := net.SplitHostPort(c.Transport.Advertise); err != nil {
			invalid("transport.advertise %q: %v", c.Transport.Advertise, err)
		}
	}
	if c.Registrar != "" {
		if _, _, err := net.SplitHostPort(c.Registrar); err != nil {
			invalid("registrar %q: %v", c.Registrar, err)
		}
	}

	r := c.Registration
	if r.Expires < time.Second {
		invalid("registration.expires %s is below 1s", r.Expires)
	}
	if r.RefreshRatio <= 0 || r.RefreshRatio >= 1 {
		invalid("registration.refresh_ratio %v must be in (0, 1)", r.RefreshRatio)
	}
	if r.BackoffInitial <= 0 || r.BackoffMax < r.BackoffInitial {
		invalid("registration backoff %s..%s", r.BackoffInitial, r.BackoffMax)
	}

	t := c.Timers
	if t.T1 <= 0 || t.T2 < t.T1 || t.T4 <= 0 || t.D < 0 {
		invalid("timers t1=%s t2=%s t4=%s d=%s", t.T1, t.T2, t.T4, t.D)
	}

	if c.Call.InviteTimeout <= 0 {
		invalid("call.invite_timeout must be positive")
	}
	if c.Call.MediaPort <= 0 || c.Call.MediaPort > 65535 {
		invalid("call.media_port %d", c.Call.MediaPort)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		invalid("log.level: %v", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", log.FormatConsole, log.FormatDev, log.FormatJSON, log.FormatText:
	default:
		invalid("log.format %q", c.Log.Format)
	}

	return errors.Join(errs...)
}
