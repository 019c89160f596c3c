package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/smfcore/messaging"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// OverallHealth aggregates every registered check
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// SessionState is the part of a session a health check reads.
type SessionState interface {
	ID() string
	Transacted() bool
	IsConnected() bool
	IsClosed() bool
}

// FlowStatus is the part of a flow a health check reads.
type FlowStatus interface {
	ID() string
	Queue() string
	State() messaging.FlowState
}

// SessionChecker reports a session healthy while its connection is up.
type SessionChecker struct {
	name    string
	session SessionState
}

// NewSessionChecker creates a checker for session
func NewSessionChecker(name string, session SessionState) *SessionChecker {
	return &SessionChecker{name: name, session: session}
}

func (c *SessionChecker) Name() string {
	return c.name
}

func (c *SessionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details: map[string]any{
			"session_id": c.session.ID(),
			"transacted": c.session.Transacted(),
		},
	}

	switch {
	case c.session.IsClosed():
		result.Status = StatusUnhealthy
		result.Message = "Session is closed"
	case !c.session.IsConnected():
		result.Status = StatusUnhealthy
		result.Message = "Connection is down"
	default:
		result.Status = StatusHealthy
		result.Message = "Session is connected"
	}

	result.Duration = time.Since(start)
	return result
}

// FlowChecker maps a flow's lifecycle state to a health status. A stopped
// flow is degraded; a closed one is unhealthy.
type FlowChecker struct {
	name string
	flow FlowStatus
}

// NewFlowChecker creates a checker for flow
func NewFlowChecker(name string, flow FlowStatus) *FlowChecker {
	return &FlowChecker{name: name, flow: flow}
}

func (c *FlowChecker) Name() string {
	return c.name
}

func (c *FlowChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.flow.State()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Message:   "Flow is " + state.String(),
		Details: map[string]any{
			"flow_id": c.flow.ID(),
			"queue":   c.flow.Queue(),
			"state":   state.String(),
		},
	}

	switch state {
	case messaging.FlowStarted:
		result.Status = StatusHealthy
	case messaging.FlowClosed:
		result.Status = StatusUnhealthy
	default:
		result.Status = StatusDegraded
	}

	result.Duration = time.Since(start)
	return result
}

// Registry manages health checks
type Registry struct {
	checkers map[string]Checker
	mu       sync.RWMutex
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a health checker
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a health checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Check runs every registered check concurrently. Checks still running
// when ctx ends are reported unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.RUnlock()

	type named struct {
		name   string
		result CheckResult
	}
	results := make(chan named, len(checkers))
	for name, checker := range checkers {
		go func(name string, checker Checker) {
			results <- named{name: name, result: checker.Check(ctx)}
		}(name, checker)
	}

	checks := make(map[string]CheckResult, len(checkers))
	overall := StatusHealthy

collect:
	for i := 0; i < len(checkers); i++ {
		select {
		case res := <-results:
			checks[res.name] = res.result
			overall = worse(overall, res.result.Status)
		case <-ctx.Done():
			for name := range checkers {
				if _, ok := checks[name]; !ok {
					checks[name] = CheckResult{
						Name:      name,
						Status:    StatusUnhealthy,
						Message:   "Check timed out",
						Duration:  time.Since(start),
						Timestamp: time.Now(),
						Error:     ctx.Err().Error(),
					}
				}
			}
			overall = StatusUnhealthy
			break collect
		}
	}

	return OverallHealth{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
	}
}

func worse(a, b Status) Status {
	if a == StatusUnhealthy || b == StatusUnhealthy {
		return StatusUnhealthy
	}
	if a == StatusDegraded || b == StatusDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Handler serves the registry as JSON
type Handler struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger used for response failures
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration, options ...HandlerOption) *Handler {
	h := &Handler{registry: registry, timeout: timeout, logger: slog.Default()}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	health := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(health); err != nil {
		h.logger.Warn("Failed to encode health response", "status", health.Status, "error", err)
	}
}
