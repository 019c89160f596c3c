// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package smfcore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/smfcore/config"
	"github.com/glimte/smfcore/contracts"
	"github.com/glimte/smfcore/messaging"
	"github.com/glimte/smfcore/monitor"
	"github.com/prometheus/client_golang/prometheus"
)

// Client provides the main entry point for smfcore. It owns one session
// and the health registry that reports on it.
type Client struct {
	session *messaging.Session
	metrics *monitor.PrometheusMetrics
	health  *monitor.Registry
	logger  *slog.Logger
}

// Connect opens a session for cfg
func Connect(ctx context.Context, cfg *config.ConnectionConfig, options ...ClientOption) (*Client, error) {
	c := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(c)
	}

	sessionOpts := []messaging.SessionOption{messaging.WithLogger(c.logger)}
	var metrics *monitor.PrometheusMetrics
	if c.registerer != nil {
		metrics = monitor.NewPrometheusMetrics(c.registerer)
		if err := metrics.Register(); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		sessionOpts = append(sessionOpts, messaging.WithMetrics(metrics))
	}
	sessionOpts = append(sessionOpts, c.sessionOpts...)

	session, err := messaging.Open(ctx, cfg, sessionOpts...)
	if err != nil {
		return nil, err
	}

	health := monitor.NewRegistry()
	health.Register(monitor.NewSessionChecker("session", session))

	return &Client{
		session: session,
		metrics: metrics,
		health:  health,
		logger:  c.logger,
	}, nil
}

// ConnectFile loads a YAML connection configuration and opens a session
func ConnectFile(ctx context.Context, path string, options ...ClientOption) (*Client, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, cfg, options...)
}

// Session returns the underlying session
func (c *Client) Session() *messaging.Session {
	return c.session
}

// Health returns the health registry. The session check is registered as
// "session" and each flow opened through OpenConsumerFlow as "flow:<id>".
func (c *Client) Health() *monitor.Registry {
	return c.health
}

// Metrics returns the Prometheus collector, or nil when none was configured
func (c *Client) Metrics() *monitor.PrometheusMetrics {
	return c.metrics
}

// OpenConsumerFlow opens a flow on the session and registers its health
// check. Unregister the check after closing the flow, or it reports the
// client unhealthy.
func (c *Client) OpenConsumerFlow(ctx context.Context, sub contracts.SubscriptionConfig) (*messaging.Flow, error) {
	flow, err := c.session.OpenConsumerFlow(ctx, sub)
	if err != nil {
		return nil, err
	}
	c.health.Register(monitor.NewFlowChecker("flow:"+flow.ID(), flow))
	return flow, nil
}

// OpenProducer opens the session's producer
func (c *Client) OpenProducer(ctx context.Context, options ...messaging.ProducerOption) (*messaging.Producer, error) {
	return c.session.OpenProducer(ctx, options...)
}

// Close closes the session and everything opened on it
func (c *Client) Close() {
	c.session.Close()
	c.logger.Info("Client closed")
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger      *slog.Logger
	registerer  prometheus.Registerer
	sessionOpts []messaging.SessionOption
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithPrometheus records session metrics on registerer
func WithPrometheus(registerer prometheus.Registerer) ClientOption {
	return func(c *clientConfig) {
		c.registerer = registerer
	}
}

// WithSessionOptions passes options through to messaging.Open
func WithSessionOptions(options ...messaging.SessionOption) ClientOption {
	return func(c *clientConfig) {
		c.sessionOpts = append(c.sessionOpts, options...)
	}
}
