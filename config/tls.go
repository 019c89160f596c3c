package config

import (
	"strings"

	"github.com/glimte/smfcore/contracts"
)

// Store formats understood without an external secure-channel provider.
const (
	StoreFormatPEM = "PEM"
)

// SecureSocketConfig is the TLS policy for the broker connection.
type SecureSocketConfig struct {
	TrustStore         *TrustStoreConfig `yaml:"trustStore"`
	KeyStore           *KeyStoreConfig   `yaml:"keyStore"`
	Protocols          []string          `yaml:"protocols"`
	CipherSuites       []string          `yaml:"cipherSuites"`
	Validation         *ValidationConfig `yaml:"certValidation"`
	TrustedCommonNames []string          `yaml:"trustedCommonNames"`
	ServerName         string            `yaml:"serverName"`
}

// TrustStoreConfig locates the CA certificates used to verify the broker.
type TrustStoreConfig struct {
	Location string `yaml:"location"`
	Password string `yaml:"password"`
	Format   string `yaml:"format"`
}

// KeyStoreConfig locates the client certificate and key.
type KeyStoreConfig struct {
	Location    string `yaml:"location"`
	KeyLocation string `yaml:"keyLocation"`
	Password    string `yaml:"password"`
	KeyPassword string `yaml:"keyPassword"`
	KeyAlias    string `yaml:"keyAlias"`
	Format      string `yaml:"format"`
}

// ValidationConfig controls broker certificate checks.
type ValidationConfig struct {
	Enabled          bool `yaml:"enabled"`
	ValidateDate     bool `yaml:"validateDate"`
	ValidateHostname bool `yaml:"validateHostname"`
}

// DefaultValidation enables every check.
func DefaultValidation() ValidationConfig {
	return ValidationConfig{Enabled: true, ValidateDate: true, ValidateHostname: true}
}

// CertValidation returns the configured checks, or DefaultValidation when unset.
func (s *SecureSocketConfig) CertValidation() ValidationConfig {
	if s.Validation == nil {
		return DefaultValidation()
	}
	return *s.Validation
}

// Validate checks store formats and locations.
func (s *SecureSocketConfig) Validate() error {
	if s.TrustStore != nil && s.TrustStore.Location == "" {
		return contracts.NewValidationError("secureSocket.trustStore.location", "must not be empty")
	}
	if s.KeyStore != nil {
		if s.KeyStore.Location == "" {
			return contracts.NewValidationError("secureSocket.keyStore.location", "must not be empty")
		}
		if IsPEM(s.KeyStore.Format) && s.KeyStore.KeyLocation == "" {
			return contracts.NewValidationError("secureSocket.keyStore.keyLocation", "required for PEM key stores")
		}
	}
	for _, p := range s.Protocols {
		switch strings.ToUpper(p) {
		case "TLSV1.2", "TLSV1.3":
		default:
			return contracts.NewValidationError("secureSocket.protocols", "unsupported protocol %q", p)
		}
	}
	return nil
}

// IsPEM reports whether format names PEM. An empty format defaults to PEM.
func IsPEM(format string) bool {
	return format == "" || strings.EqualFold(format, StoreFormatPEM)
}
