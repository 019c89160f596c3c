package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/smfcore"
	"github.com/glimte/smfcore/config"
	"github.com/glimte/smfcore/contracts"
	"github.com/glimte/smfcore/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// passwordEnv overrides the basic-auth password from the config file.
const passwordEnv = "SMF_PASSWORD"

type globalFlags struct {
	configPath  string
	host        string
	vpn         string
	username    string
	verbose     bool
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "smfctl",
		Short: "Send, receive and provision against an SMF broker",
		Long: `smfctl is a CLI for exercising guaranteed and direct messaging against a broker.
It sends to queues and topics, receives from queues, durable endpoints and direct topics,
and provisions durable topic endpoints.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML connection configuration file")
	rootCmd.PersistentFlags().StringVarP(&g.host, "host", "H", "", "Comma-separated broker hosts (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&g.vpn, "vpn", "", "Message VPN (overrides the config file)")
	rootCmd.PersistentFlags().StringVarP(&g.username, "username", "u", "", "Basic auth username; the password is read from "+passwordEnv)
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&g.metricsAddr, "metrics-addr", "", "Serve /metrics and /health on this address while running")

	rootCmd.AddCommand(newSendCmd(g), newReceiveCmd(g), newProvisionCmd(g))
	return rootCmd
}

func newSendCmd(g *globalFlags) *cobra.Command {
	var (
		queue         string
		topic         string
		body          string
		count         int
		correlationID string
		direct        bool
		transacted    bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send messages to a queue or topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := buildDestination(queue, topic)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			client, err := connect(ctx, g, transacted)
			if err != nil {
				return err
			}
			defer client.Close()

			producer, err := client.OpenProducer(ctx)
			if err != nil {
				return fmt.Errorf("failed to open producer: %w", err)
			}

			mode := contracts.Persistent
			if direct {
				mode = contracts.Direct
			}
			for i := 0; i < count; i++ {
				res, err := producer.Send(ctx, dest, &contracts.Message{
					Payload:       []byte(body),
					DeliveryMode:  mode,
					CorrelationID: correlationID,
				})
				if err != nil {
					return fmt.Errorf("failed to send message %d: %w", i+1, err)
				}
				fmt.Printf("sent %s key=%s\n", dest, res.CorrelationKey)
			}

			if transacted {
				if err := client.Session().Commit(ctx); err != nil {
					return fmt.Errorf("failed to commit: %w", err)
				}
				fmt.Println("committed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Destination queue")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Destination topic")
	cmd.Flags().StringVarP(&body, "body", "b", "", "Message payload")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of messages to send")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Application correlation ID")
	cmd.Flags().BoolVar(&direct, "direct", false, "Send with direct (non-persistent) delivery")
	cmd.Flags().BoolVar(&transacted, "transacted", false, "Send in a transaction and commit at the end")
	return cmd
}

func newReceiveCmd(g *globalFlags) *cobra.Command {
	var (
		queue    string
		topic    string
		endpoint string
		ackMode  string
		count    int
		timeout  time.Duration
		reject   bool
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive messages from a queue, durable endpoint or direct topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := buildSubscription(queue, topic, endpoint, ackMode, nil)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			client, err := connect(ctx, g, false)
			if err != nil {
				return err
			}
			defer client.Close()

			flow, err := client.OpenConsumerFlow(ctx, sub)
			if err != nil {
				return fmt.Errorf("failed to open flow: %w", err)
			}
			defer flow.Close()

			printHeader()
			for received := 0; count <= 0 || received < count; {
				msg, err := flow.Receive(ctx, timeout)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return fmt.Errorf("failed to receive: %w", err)
				}
				if msg == nil {
					fmt.Println("No message within", timeout)
					return nil
				}
				received++
				printMessage(msg)

				if msg.Handle() == nil {
					continue
				}
				settle := flow.Ack
				if reject {
					settle = func(m *contracts.Message) error { return flow.Nack(m, false) }
				}
				if err := settle(msg); err != nil {
					return fmt.Errorf("failed to settle message: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue to consume")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Topic to subscribe to")
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Durable endpoint for the topic subscription")
	cmd.Flags().StringVar(&ackMode, "ack-mode", string(contracts.ClientAck), "CLIENT_ACK or AUTO_ACK")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Messages to receive; 0 receives until interrupted")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Per-message wait; negative waits forever")
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject received messages instead of acknowledging them")
	return cmd
}

func newProvisionCmd(g *globalFlags) *cobra.Command {
	var (
		topic    string
		endpoint string
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a durable topic endpoint",
		Long:  "Create the durable endpoint if it does not exist and subscribe it to the topic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			stopped := false
			sub, err := buildSubscription("", topic, endpoint, "", &stopped)
			if err != nil {
				return err
			}
			if _, ok := sub.(contracts.DurableTopicSubscription); !ok {
				return contracts.NewValidationError("endpointName", "required for provisioning")
			}

			ctx, stop := signalContext()
			defer stop()

			client, err := connect(ctx, g, false)
			if err != nil {
				return err
			}
			defer client.Close()

			flow, err := client.OpenConsumerFlow(ctx, sub)
			if err != nil {
				return fmt.Errorf("failed to provision %s: %w", endpoint, err)
			}
			flow.Close()

			fmt.Printf("endpoint %s subscribed to %s\n", endpoint, topic)
			return nil
		},
	}

	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Topic to subscribe the endpoint to")
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Durable endpoint name")
	return cmd
}

// loadConfig reads the config file, if any, and applies flag and
// environment overrides. The result is validated when the session opens.
func loadConfig(g *globalFlags, transacted bool) (*config.ConnectionConfig, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if g.host != "" {
		cfg.Host = g.host
	}
	if g.vpn != "" {
		cfg.VPNName = g.vpn
	}
	if transacted {
		cfg.Transacted = true
	}

	if g.username != "" {
		if cfg.Auth == nil {
			cfg.Auth = &config.AuthConfig{}
		}
		if cfg.Auth.Basic == nil {
			cfg.Auth.Basic = &config.BasicAuth{}
		}
		cfg.Auth.Basic.Username = g.username
	}
	if password, ok := os.LookupEnv(passwordEnv); ok && cfg.Auth != nil && cfg.Auth.Basic != nil {
		cfg.Auth.Basic.Password = password
	}
	return cfg, nil
}

func connect(ctx context.Context, g *globalFlags, transacted bool) (*smfcore.Client, error) {
	cfg, err := loadConfig(g, transacted)
	if err != nil {
		return nil, err
	}

	logger := newLogger(g.verbose)
	opts := []smfcore.ClientOption{smfcore.WithLogger(logger)}
	if g.metricsAddr != "" {
		opts = append(opts, smfcore.WithPrometheus(prometheus.DefaultRegisterer))
	}

	client, err := smfcore.Connect(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if g.metricsAddr != "" {
		serveMetrics(ctx, g.metricsAddr, client.Health(), logger)
	}
	return client, nil
}

func serveMetrics(ctx context.Context, addr string, health *monitor.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", monitor.NewHandler(health, 5*time.Second, monitor.WithHandlerLogger(logger)))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("Serving metrics", "addr", addr)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// buildDestination maps the --queue and --topic flags to a destination.
func buildDestination(queue, topic string) (contracts.Destination, error) {
	m := map[string]any{}
	if queue != "" {
		m[contracts.QueueNameKey] = queue
	}
	if topic != "" {
		m[contracts.TopicNameKey] = topic
	}
	return contracts.ParseDestination(m)
}

// buildSubscription maps receive flags to a subscription. A topic with an
// endpoint is durable; a topic without one is a direct listener.
func buildSubscription(queue, topic, endpoint, ackMode string, startState *bool) (contracts.SubscriptionConfig, error) {
	m := map[string]any{}
	switch {
	case queue != "" && topic != "":
		return nil, contracts.ErrMissingField
	case queue != "":
		m[contracts.QueueNameKey] = queue
	case topic != "":
		m[contracts.TopicNameKey] = topic
		if endpoint != "" {
			m["endpointType"] = contracts.EndpointTypeDurable
			m["endpointName"] = endpoint
		}
	}
	if ackMode != "" {
		m["ackMode"] = ackMode
	}
	if startState != nil {
		m["startState"] = *startState
	}
	return contracts.ParseSubscription(m)
}

func printHeader() {
	fmt.Printf("%-28s %-30s %-12s %-11s %s\n", "Key", "Destination", "Mode", "Redelivered", "Payload")
	fmt.Println(strings.Repeat("-", 100))
}

func printMessage(msg *contracts.Message) {
	dest := ""
	if msg.Destination != nil {
		dest = msg.Destination.String()
	}
	fmt.Printf("%-28s %-30s %-12s %-11t %s\n",
		truncate(msg.CorrelationKey, 28),
		truncate(dest, 30),
		msg.DeliveryMode,
		msg.Redelivered,
		truncate(string(msg.Payload), 60),
	)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
