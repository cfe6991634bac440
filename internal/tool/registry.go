// Package tool provides the tool registry consulted by the agent loop.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentstream/internal/domain"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 30 * time.Second

var (
	// ErrToolNotFound is reported when the model asks for a name that is not registered.
	ErrToolNotFound = errors.New("tool not found")
	// ErrRegistryFrozen is returned by Register after Freeze.
	ErrRegistryFrozen = errors.New("tool registry is frozen")
	// ErrToolTimeout is reported when an executor does not return in time.
	ErrToolTimeout = errors.New("tool execution timed out")
)

// Tool is a named, schema-typed capability.
type Tool interface {
	Name() string
	Description() string
	Schema() *Schema
	// Execute runs the tool. The returned value must be JSON serializable.
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// Spec is one tool catalog entry as offered to the model.
type Spec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	InputSchema *Schema `json:"inputSchema"`
}

// Registry keeps the mapping between tool names and implementations.
// It is written during startup and read-only once frozen.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	frozen  bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A non-positive timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: timeout,
		logger:  logger,
	}
}

// Register inserts a tool when its name is not in use.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %s: %w", name, ErrRegistryFrozen)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Freeze prevents further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get fetches a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Catalog lists registered tools in registration order.
func (r *Registry) Catalog() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, Spec{
			Name:        name,
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return specs
}

// Execute runs one invocation and always returns an outcome: lookup failures,
// invalid input, executor errors, panics and timeouts become error outcomes.
func (r *Registry) Execute(ctx context.Context, inv domain.ToolInvocation) domain.ToolOutcome {
	payload, err := r.execute(ctx, inv)
	if err != nil {
		r.logger.Warn("Tool execution failed", "tool", inv.Name, "tool_use_id", inv.ID, "error", err)
		return errorOutcome(inv.ID, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return errorOutcome(inv.ID, fmt.Errorf("encode %s result: %w", inv.Name, err))
	}
	return domain.ToolOutcome{
		ToolUseID: inv.ID,
		Status:    domain.ToolStatusSuccess,
		Payload:   data,
	}
}

func (r *Registry) execute(ctx context.Context, inv domain.ToolInvocation) (any, error) {
	t, ok := r.Get(inv.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, inv.Name)
	}

	input := map[string]any{}
	if raw := strings.TrimSpace(string(inv.Input)); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return nil, fmt.Errorf("parse %s input: %w", inv.Name, err)
		}
	}
	if err := t.Schema().Validate(input); err != nil {
		return nil, fmt.Errorf("tool %s validation failed: %w", inv.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("tool %s panicked: %v", inv.Name, p)}
			}
		}()
		v, err := t.Execute(ctx, input)
		done <- result{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrToolTimeout, r.timeout)
		}
		return nil, ctx.Err()
	}
}

func errorOutcome(id string, err error) domain.ToolOutcome {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return domain.ToolOutcome{
		ToolUseID: id,
		Status:    domain.ToolStatusError,
		Payload:   data,
	}
}
