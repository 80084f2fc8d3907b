// Package jobs implements the TaskPipe job execution engine.
//
// This file defines the handler registry: the mapping from job type to
// handler function and retry policy.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxAttempts is the attempt budget applied when a policy does not set one.
const DefaultMaxAttempts = 3

// DefaultExecutionTimeout bounds a single handler invocation.
const DefaultExecutionTimeout = 60 * time.Second

// Execution carries the inputs of a single handler invocation. Attempt is the
// 1-based number of this execution, so handlers can derive idempotency keys
// that are stable across redeliveries of the same attempt.
type Execution struct {
	JobID   string
	Type    string
	Attempt int
	Payload json.RawMessage

	result json.RawMessage
}

// SetResult records an optional result payload persisted with the execution
// log entry on success.
func (e *Execution) SetResult(result json.RawMessage) {
	e.result = result
}

// Result returns the recorded result payload, if any.
func (e *Execution) Result() json.RawMessage {
	return e.result
}

// Handler executes one attempt of a job. A nil return marks the attempt
// succeeded; errors are classified into transient and permanent failures.
type Handler func(ctx context.Context, exec *Execution) error

// Policy configures retry behavior for a job type.
type Policy struct {
	// MaxAttempts is the total attempt budget, first execution included.
	MaxAttempts int
	// BackoffBase is the delay scale for the first retry.
	BackoffBase time.Duration
	// BackoffCap bounds the exponential delay growth.
	BackoffCap time.Duration
	// ExecutionTimeout bounds a single handler invocation.
	ExecutionTimeout time.Duration
	// Classify decides the error kind for unmarked handler errors. Nil means
	// unmarked errors are treated as transient.
	Classify Classifier
}

// DefaultPolicy returns the policy applied to types registered without one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      DefaultMaxAttempts,
		BackoffBase:      DefaultBackoffBase,
		BackoffCap:       DefaultBackoffCap,
		ExecutionTimeout: DefaultExecutionTimeout,
	}
}

// normalize fills zero fields with defaults.
func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultBackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = DefaultBackoffCap
	}
	if p.ExecutionTimeout <= 0 {
		p.ExecutionTimeout = DefaultExecutionTimeout
	}
	return p
}

type registration struct {
	handler Handler
	policy  Policy
}

// Registry maps job types to handlers and policies. Registration happens at
// startup; lookups are concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register binds a handler and policy to a job type. Registering the same
// type twice is a configuration error.
func (r *Registry) Register(jobType string, handler Handler, policy Policy) error {
	if jobType == "" {
		return fmt.Errorf("job type must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for job type %s must not be nil", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("job type %s already registered", jobType)
	}
	r.handlers[jobType] = registration{handler: handler, policy: policy.normalize()}
	slog.Debug("Registry.Register: registered job type", "type", jobType, "maxAttempts", policy.normalize().MaxAttempts)
	return nil
}

// Lookup returns the handler and policy for a job type.
func (r *Registry) Lookup(jobType string) (Handler, Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[jobType]
	return reg.handler, reg.policy, ok
}

// Policy returns the retry policy for a job type.
func (r *Registry) Policy(jobType string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[jobType]
	return reg.policy, ok
}

// Types returns the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
