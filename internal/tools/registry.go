// Package tools runs model-issued tool calls against locally registered
// executors and turns every outcome, failures included, into a result payload
// the model can read.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/duplex/internal/logger"
	"github.com/ent0n29/duplex/internal/observability"
	"github.com/ent0n29/duplex/internal/policy"
	"github.com/ent0n29/duplex/internal/realtime"
	"github.com/ent0n29/duplex/internal/wire"
)

const defaultTimeout = 10 * time.Second

var (
	ErrToolNameRequired = errors.New("tool name is required")
	ErrDuplicateTool    = errors.New("tool already registered")
	ErrUnknownTool      = errors.New("unknown tool")
)

// Func executes one call. args is the JSON object sent by the model and has
// already passed schema validation. The returned value is JSON encoded.
type Func func(ctx context.Context, args json.RawMessage) (any, error)

// Definition describes a tool as the model sees it.
type Definition struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters,omitempty"`
	Timeout     time.Duration  `yaml:"timeout" json:"-"`
	// Result, when set, is returned verbatim by tools loaded from a file.
	Result any `yaml:"result" json:"-"`
}

type entry struct {
	def    Definition
	params json.RawMessage
	schema *gojsonschema.Schema
	fn     Func
}

// Registry maps tool names to executors. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	order   []string
	timeout time.Duration
	metrics *observability.Metrics
	log     *slog.Logger
}

type Option func(*Registry)

// WithTimeout sets the per-call limit for tools that do not set their own.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]*entry),
		timeout: defaultTimeout,
		log:     logger.DefaultLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "tools")
	return r
}

// Register adds a tool. Its Parameters, when present, must be a valid JSON schema.
func (r *Registry) Register(def Definition, fn Func) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return ErrToolNameRequired
	}
	if fn == nil {
		return fmt.Errorf("tool %s: executor is nil", def.Name)
	}
	e := &entry{def: def, fn: fn}
	if len(def.Parameters) > 0 {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s: encode parameters: %w", def.Name, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return fmt.Errorf("tool %s: invalid parameters schema: %w", def.Name, err)
		}
		e.params, e.schema = raw, schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = e
	r.order = append(r.order, def.Name)
	return nil
}

// Tools returns the session tool list in registration order.
func (r *Registry) Tools() []wire.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.Tool, 0, len(r.order))
	for _, name := range r.order {
		e := r.tools[name]
		out = append(out, wire.Tool{Name: name, Description: e.def.Description, Parameters: e.params})
	}
	return out
}

// HasAll reports whether every call names a registered tool.
func (r *Registry) HasAll(calls []realtime.ToolCall) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range calls {
		if _, ok := r.tools[c.Name]; !ok {
			return false
		}
	}
	return len(calls) > 0
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs one call and always returns a result for it.
func (r *Registry) Execute(ctx context.Context, call realtime.ToolCall) realtime.ToolResult {
	res := realtime.ToolResult{CallID: call.CallID, Name: call.Name}
	start := time.Now()
	out, outcome, err := r.execute(ctx, call)
	if err != nil {
		res.Output = errorPayload(err)
		r.log.Warn("tool call failed", "tool", call.Name, "call_id", call.CallID, "outcome", outcome, "error", err)
	} else {
		res.Output = out
		r.log.Debug("tool call finished", "tool", call.Name, "call_id", call.CallID, "elapsed", time.Since(start))
	}
	r.metrics.ToolCall(call.Name, outcome)
	return res
}

func (r *Registry) execute(ctx context.Context, call realtime.ToolCall) (string, string, error) {
	r.mu.RLock()
	e, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", "unknown", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	if d := policy.DecideToolCall(call.Name, call.Arguments); d.Blocked {
		return "", "blocked", fmt.Errorf("blocked by policy: %s", d.Reason)
	}

	args := json.RawMessage(strings.TrimSpace(call.Arguments))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return "", "invalid", errors.New("arguments are not valid JSON")
	}
	if e.schema != nil {
		result, err := e.schema.Validate(gojsonschema.NewBytesLoader(args))
		if err != nil {
			return "", "invalid", fmt.Errorf("validate arguments: %w", err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				msgs = append(msgs, desc.String())
			}
			return "", "invalid", fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
		}
	}

	timeout := r.timeout
	if e.def.Timeout > 0 {
		timeout = e.def.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		v, err := e.fn(ctx, args)
		done <- outcome{v: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return "", "error", o.err
		}
		b, err := json.Marshal(o.v)
		if err != nil {
			return "", "error", fmt.Errorf("encode result: %w", err)
		}
		return string(b), "ok", nil
	case <-ctx.Done():
		return "", "timeout", fmt.Errorf("tool timed out after %s", timeout)
	}
}

// ExecuteAll runs calls concurrently and returns their results in call order.
func (r *Registry) ExecuteAll(ctx context.Context, calls []realtime.ToolCall) []realtime.ToolResult {
	results := make([]realtime.ToolResult, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.Execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func errorPayload(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}
