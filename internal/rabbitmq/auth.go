package rabbitmq

import (
	"context"
	"fmt"

	"github.com/glimte/smfcore/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TokenProvider supplies externally managed credential tokens, such as a
// Kerberos GSSAPI initial context token for a service principal.
type TokenProvider interface {
	Token(ctx context.Context, serviceName string) ([]byte, error)
}

// gssapiAuth is a single-step GSSAPI SASL mechanism carrying a token
// produced by a TokenProvider.
type gssapiAuth struct {
	token []byte
}

func (a *gssapiAuth) Mechanism() string { return "GSSAPI" }
func (a *gssapiAuth) Response() string  { return string(a.token) }

// Authentication maps the configured auth variant to a SASL mechanism.
// A nil auth config yields PLAIN with empty credentials.
func Authentication(ctx context.Context, auth *config.AuthConfig, tokens TokenProvider) (amqp.Authentication, error) {
	switch v := auth.Effective().(type) {
	case config.BasicAuth:
		return &amqp.PlainAuth{Username: v.Username, Password: v.Password}, nil

	case config.OAuth2Auth:
		token := v.AccessToken
		if token == "" {
			token = v.OIDCToken
		}
		// Token-based brokers read the bearer token from the PLAIN password.
		return &amqp.PlainAuth{Username: "", Password: token}, nil

	case config.KerberosAuth:
		if tokens == nil {
			return nil, ErrNoTokenProvider
		}
		token, err := tokens.Token(ctx, v.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain kerberos token for %s: %w", v.ServiceName, err)
		}
		return &gssapiAuth{token: token}, nil

	default:
		return nil, fmt.Errorf("%w: unknown auth variant %T", ErrInvalidConfiguration, v)
	}
}
