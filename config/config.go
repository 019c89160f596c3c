// Package config holds the connection configuration consumed by the
// messaging core and loads it from YAML files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/glimte/smfcore/contracts"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Default and Load.
const (
	DefaultHost              = "localhost:5672"
	DefaultVPNName           = "/"
	DefaultConnectionTimeout = 30 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultTopicExchange     = "amq.topic"
	MaxCompressionLevel      = 9
)

// ConnectionConfig describes one broker session. It is treated as immutable
// once Validate has passed.
type ConnectionConfig struct {
	// Host is a comma-separated list of host[:port] entries, optionally with an amqp:// or amqps:// scheme.
	Host              string        `yaml:"host"`
	VPNName           string        `yaml:"vpnName"`
	ClientID          string        `yaml:"clientId"`
	ClientDescription string        `yaml:"clientDescription"`
	LocalAddress      string        `yaml:"localAddress"`
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	ReadTimeout       time.Duration `yaml:"readTimeout"`
	// CompressionLevel enables payload compression when greater than zero.
	CompressionLevel int    `yaml:"compressionLevel"`
	Transacted       bool   `yaml:"transacted"`
	TopicExchange    string `yaml:"topicExchange"`

	Auth         *AuthConfig         `yaml:"auth"`
	Retry        *RetryConfig        `yaml:"retryConfig"`
	SecureSocket *SecureSocketConfig `yaml:"secureSocket"`
	Flags        Flags               `yaml:"flags"`
}

// Flags toggle broker-assisted message fields.
type Flags struct {
	GenerateSendTimestamps     bool `yaml:"generateSendTimestamps"`
	GenerateReceiveTimestamps  bool `yaml:"generateReceiveTimestamps"`
	GenerateSequenceNumbers    bool `yaml:"generateSequenceNumbers"`
	CalculateMessageExpiration bool `yaml:"calculateMessageExpiration"`
}

// RetryConfig governs the transport's own connect and reconnect attempts.
// Negative retry counts mean unbounded.
type RetryConfig struct {
	ConnectRetries        int           `yaml:"connectRetries"`
	ConnectRetriesPerHost int           `yaml:"connectRetriesPerHost"`
	ReconnectRetries      int           `yaml:"reconnectRetries"`
	ReconnectRetryWait    time.Duration `yaml:"reconnectRetryWait"`
}

// DefaultRetry returns the retry policy used when none is configured.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		ConnectRetries:        0,
		ConnectRetriesPerHost: 0,
		ReconnectRetries:      3,
		ReconnectRetryWait:    3 * time.Second,
	}
}

// Default returns a configuration for a local broker.
func Default() *ConnectionConfig {
	return &ConnectionConfig{
		Host:              DefaultHost,
		VPNName:           DefaultVPNName,
		ConnectionTimeout: DefaultConnectionTimeout,
		ReadTimeout:       DefaultReadTimeout,
		TopicExchange:     DefaultTopicExchange,
	}
}

// Load reads a YAML configuration file on top of Default and validates it.
func Load(filename string) (*ConnectionConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*ConnectionConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields, ranges and the auth and TLS variants.
func (c *ConnectionConfig) Validate() error {
	if len(c.Hosts()) == 0 {
		return contracts.NewValidationError("host", "at least one host is required")
	}
	if c.ConnectionTimeout < 0 {
		return contracts.NewValidationError("connectionTimeout", "cannot be negative")
	}
	if c.ReadTimeout < 0 {
		return contracts.NewValidationError("readTimeout", "cannot be negative")
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > MaxCompressionLevel {
		return contracts.NewValidationError("compressionLevel", "must be between 0 and %d, got %d", MaxCompressionLevel, c.CompressionLevel)
	}
	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return err
		}
	}
	if c.Retry != nil && c.Retry.ReconnectRetryWait < 0 {
		return contracts.NewValidationError("retryConfig.reconnectRetryWait", "cannot be negative")
	}
	if c.SecureSocket != nil {
		if err := c.SecureSocket.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Hosts splits Host into its non-empty entries.
func (c *ConnectionConfig) Hosts() []string {
	var hosts []string
	for _, h := range strings.Split(c.Host, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// RetryPolicy returns the configured retry policy or DefaultRetry.
func (c *ConnectionConfig) RetryPolicy() RetryConfig {
	if c.Retry == nil {
		return DefaultRetry()
	}
	return *c.Retry
}

// Exchange returns the topic exchange used for topic destinations.
func (c *ConnectionConfig) Exchange() string {
	if c.TopicExchange == "" {
		return DefaultTopicExchange
	}
	return c.TopicExchange
}
