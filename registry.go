package leasequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownCommand is returned when no executor is registered for a command kind.
var ErrUnknownCommand = errors.New("unknown command kind")

// ExecutorFunc runs one command. A returned error is reported as a failure and
// the job is retried on a later poll.
type ExecutorFunc func(ctx context.Context, payload []byte) error

// Registry maps command kinds to executors. Register everything before the
// worker starts; lookups are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]ExecutorFunc)}
}

// Register binds kind to fn.
func (r *Registry) Register(kind string, fn ExecutorFunc) error {
	if kind == "" {
		return fmt.Errorf("command kind is required")
	}
	if fn == nil {
		return fmt.Errorf("executor for %q is nil", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[kind]; exists {
		return fmt.Errorf("executor for %q already registered", kind)
	}
	r.executors[kind] = fn
	return nil
}

// Kinds returns the registered command kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Execute dispatches cmd to its executor.
func (r *Registry) Execute(ctx context.Context, cmd Command) error {
	r.mu.RLock()
	fn, ok := r.executors[cmd.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
	}
	return fn(ctx, cmd.Payload)
}

// RegisterJSON binds kind to a typed executor whose payload is JSON-decoded into T.
func RegisterJSON[T any](r *Registry, kind string, fn func(ctx context.Context, v T) error) error {
	if fn == nil {
		return fmt.Errorf("executor for %q is nil", kind)
	}
	return r.Register(kind, func(ctx context.Context, payload []byte) error {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("failed to decode %q payload: %w", kind, err)
		}
		return fn(ctx, v)
	})
}

// NewJSONCommand encodes v as the payload of a kind command.
func NewJSONCommand[T any](kind string, v T) (Command, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode %q payload: %w", kind, err)
	}
	return Command{Kind: kind, Payload: payload}, nil
}
