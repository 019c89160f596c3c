package config

import (
	"github.com/glimte/smfcore/contracts"
)

// AuthConfig selects exactly one authentication variant.
type AuthConfig struct {
	Basic    *BasicAuth    `yaml:"basic"`
	Kerberos *KerberosAuth `yaml:"kerberos"`
	OAuth2   *OAuth2Auth   `yaml:"oauth2"`
}

// BasicAuth authenticates with a username and password.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// KerberosAuth authenticates with a GSSAPI token obtained from an external provider.
type KerberosAuth struct {
	ServiceName          string `yaml:"serviceName"`
	JAASLoginContext     string `yaml:"jaasLoginContext"`
	MutualAuthentication bool   `yaml:"mutualAuthentication"`
	JAASReloadEnabled    bool   `yaml:"jaasConfigReloadEnabled"`
}

// OAuth2Auth authenticates with a bearer access token or an OIDC id token.
type OAuth2Auth struct {
	Issuer      string `yaml:"issuer"`
	AccessToken string `yaml:"accessToken"`
	OIDCToken   string `yaml:"oidcToken"`
}

// Validate requires exactly one variant.
func (a *AuthConfig) Validate() error {
	n := 0
	if a.Basic != nil {
		n++
	}
	if a.Kerberos != nil {
		n++
		if a.Kerberos.ServiceName == "" {
			return contracts.NewValidationError("auth.kerberos.serviceName", "must not be empty")
		}
	}
	if a.OAuth2 != nil {
		n++
		if a.OAuth2.AccessToken == "" && a.OAuth2.OIDCToken == "" {
			return contracts.NewValidationError("auth.oauth2", "accessToken or oidcToken is required")
		}
	}
	if n > 1 {
		return contracts.NewValidationError("auth", "exactly one of basic, kerberos or oauth2 may be set")
	}
	return nil
}

// Effective returns the variant to apply. No variant selects basic with
// empty credentials.
func (a *AuthConfig) Effective() any {
	switch {
	case a == nil:
		return BasicAuth{}
	case a.Kerberos != nil:
		return *a.Kerberos
	case a.OAuth2 != nil:
		return *a.OAuth2
	case a.Basic != nil:
		return *a.Basic
	default:
		return BasicAuth{}
	}
}
