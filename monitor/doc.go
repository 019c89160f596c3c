// Package monitor exports session metrics to Prometheus and reports
// session and flow health.
//
// PrometheusMetrics implements messaging.MetricsCollector:
//
//	metrics := monitor.NewPrometheusMetrics(prometheus.DefaultRegisterer)
//	if err := metrics.Register(); err != nil {
//		return err
//	}
//	sess, err := messaging.Open(ctx, cfg, messaging.WithMetrics(metrics))
//
// Health checks are collected in a Registry and served by Handler.
package monitor
