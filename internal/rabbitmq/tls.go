package rabbitmq

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/glimte/smfcore/config"
)

// SecureChannelProvider loads key material in formats other than PEM
// (JKS, PKCS12 and the like).
type SecureChannelProvider interface {
	TrustedCertificates(store config.TrustStoreConfig) (*x509.CertPool, error)
	ClientCertificate(store config.KeyStoreConfig) (tls.Certificate, error)
}

var tlsVersions = map[string]uint16{
	"TLSV1.2": tls.VersionTLS12,
	"TLSV1.3": tls.VersionTLS13,
}

// TLSConfig builds the client TLS configuration for serverName.
func TLSConfig(s *config.SecureSocketConfig, serverName string, provider SecureChannelProvider) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if s == nil {
		return cfg, nil
	}
	if s.ServerName != "" {
		cfg.ServerName = s.ServerName
	}

	if len(s.Protocols) > 0 {
		cfg.MinVersion, cfg.MaxVersion = protocolRange(s.Protocols)
	}
	if len(s.CipherSuites) > 0 {
		suites, err := cipherSuites(s.CipherSuites)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}

	if s.TrustStore != nil {
		pool, err := trustPool(*s.TrustStore, provider)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if s.KeyStore != nil {
		cert, err := clientCertificate(*s.KeyStore, provider)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	validation := s.CertValidation()
	if !validation.Enabled {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}
	if validation.ValidateHostname && validation.ValidateDate && len(s.TrustedCommonNames) == 0 {
		return cfg, nil
	}

	// Relaxed hostname or date checks, or a common-name allow list, need a
	// custom chain verification in place of the default one.
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = verifier(cfg.RootCAs, validation, s.TrustedCommonNames)
	return cfg, nil
}

func verifier(roots *x509.CertPool, v config.ValidationConfig, trustedNames []string) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("tls: broker presented no certificate")
		}
		leaf := cs.PeerCertificates[0]

		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if v.ValidateHostname {
			opts.DNSName = cs.ServerName
		}
		if !v.ValidateDate {
			opts.CurrentTime = leaf.NotBefore
		}
		if _, err := leaf.Verify(opts); err != nil {
			return err
		}

		if len(trustedNames) > 0 {
			for _, name := range trustedNames {
				if strings.EqualFold(name, leaf.Subject.CommonName) {
					return nil
				}
			}
			return fmt.Errorf("tls: common name %q is not trusted", leaf.Subject.CommonName)
		}
		return nil
	}
}

func trustPool(store config.TrustStoreConfig, provider SecureChannelProvider) (*x509.CertPool, error) {
	if !config.IsPEM(store.Format) {
		if provider == nil {
			return nil, ErrNoChannelProvider
		}
		return provider.TrustedCertificates(store)
	}

	data, err := os.ReadFile(store.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust store: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: no certificates in trust store %s", ErrInvalidConfiguration, store.Location)
	}
	return pool, nil
}

func clientCertificate(store config.KeyStoreConfig, provider SecureChannelProvider) (tls.Certificate, error) {
	if !config.IsPEM(store.Format) {
		if provider == nil {
			return tls.Certificate{}, ErrNoChannelProvider
		}
		return provider.ClientCertificate(store)
	}
	cert, err := tls.LoadX509KeyPair(store.Location, store.KeyLocation)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key store: %w", err)
	}
	return cert, nil
}

func protocolRange(protocols []string) (uint16, uint16) {
	var lo, hi uint16
	for _, p := range protocols {
		v, ok := tlsVersions[strings.ToUpper(p)]
		if !ok {
			continue
		}
		if lo == 0 || v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == 0 {
		return tls.VersionTLS12, 0
	}
	return lo, hi
}

func cipherSuites(names []string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown cipher suite %s", ErrInvalidConfiguration, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
