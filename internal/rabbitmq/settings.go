package rabbitmq

import (
	"context"
	"net/url"
	"strings"

	"github.com/glimte/smfcore/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

const product = "smfcore"

// URLs converts the configured host list into AMQP URLs. Entries without a
// scheme get amqps when a TLS policy is present and amqp otherwise.
func URLs(cfg *config.ConnectionConfig) []string {
	scheme := "amqp"
	if cfg.SecureSocket != nil {
		scheme = "amqps"
	}

	var urls []string
	for _, host := range cfg.Hosts() {
		if strings.Contains(host, "://") {
			urls = append(urls, host)
			continue
		}
		u := url.URL{Scheme: scheme, Host: host, Path: "/"}
		urls = append(urls, u.String())
	}
	return urls
}

// ChannelProperties builds the amqp091 configuration for a session: virtual
// host, heartbeat from the read timeout, dial timeout, local address,
// client identity, one SASL mechanism and the TLS policy.
func ChannelProperties(ctx context.Context, cfg *config.ConnectionConfig, tokens TokenProvider, provider SecureChannelProvider) (amqp.Config, error) {
	auth, err := Authentication(ctx, cfg.Auth, tokens)
	if err != nil {
		return amqp.Config{}, err
	}

	dial, err := netDial(cfg.ConnectionTimeout, cfg.LocalAddress)
	if err != nil {
		return amqp.Config{}, &ConnectionError{Op: "resolve local address", URL: cfg.LocalAddress, Err: err}
	}

	props := amqp.Table{
		"product":  product,
		"platform": "golang",
	}
	if cfg.ClientID != "" {
		props["connection_name"] = cfg.ClientID
	}
	if cfg.ClientDescription != "" {
		props["information"] = cfg.ClientDescription
	}

	out := amqp.Config{
		SASL:       []amqp.Authentication{auth},
		Vhost:      cfg.VPNName,
		Heartbeat:  cfg.ReadTimeout,
		Locale:     "en_US",
		Properties: props,
		Dial:       dial,
	}

	// ServerName is left empty so amqp091 derives it from each host URL.
	if cfg.SecureSocket != nil {
		tlsCfg, err := TLSConfig(cfg.SecureSocket, "", provider)
		if err != nil {
			return amqp.Config{}, err
		}
		out.TLSClientConfig = tlsCfg
	}

	return out, nil
}
