// Package tools runs the functions the voice agent may call.
//
// A [Dispatcher] holds two kinds of tools: built-in Go handlers registered
// with [Dispatcher.Register], and tools discovered on external MCP servers
// registered with [Dispatcher.RegisterServer]. Both appear in the manifest
// that the agent's settings declare, in registration order.
//
// Dispatch never fails. Every outcome, including unknown names, malformed
// arguments and handler panics, is encoded as a JSON [Result].
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jarvis/internal/duplex"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/pkg/provider/llm"
)

// Result status values.
const (
	StatusSuccess   = "success"
	StatusAvailable = "available"
	StatusBusy      = "busy"
	StatusError     = "error"
)

// Result is the JSON payload handed back to the agent.
type Result struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
	Link   string `json:"link,omitempty"`
}

// Errorf builds an error Result.
func Errorf(format string, args ...any) Result {
	return Result{Status: StatusError, Msg: fmt.Sprintf(format, args...)}
}

func (r Result) encode() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"status":"error","msg":"result encoding failed"}`
	}
	return string(data)
}

// Invocation is the input to a [Handler].
type Invocation struct {
	Name      string
	Arguments string
	SessionID string
}

// Handler executes a built-in tool. A returned error becomes an error
// Result carrying err's message.
type Handler func(ctx context.Context, inv Invocation) (Result, error)

// Tool is a built-in tool.
type Tool struct {
	Definition llm.ToolDefinition
	Handler    Handler
}

// Transport selects how an MCP server is reached.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes an external MCP server.
type ServerConfig struct {
	Name      string
	Transport Transport

	// Command is the executable and arguments for stdio servers.
	Command string

	// URL is the endpoint for streamable-http servers.
	URL string

	// Env adds variables to a stdio server's environment.
	Env map[string]string
}

type entry struct {
	def     llm.ToolDefinition
	handler Handler

	// server is set for tools discovered on an MCP server.
	server string
}

// Dispatcher implements [duplex.ToolDispatcher]. It is safe for concurrent
// use.
type Dispatcher struct {
	mu      sync.RWMutex
	order   []string
	tools   map[string]entry
	servers map[string]*mcpsdk.ClientSession

	client  *mcpsdk.Client
	metrics *observe.Metrics
}

var _ duplex.ToolDispatcher = (*Dispatcher)(nil)

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithMetrics records dispatches on m instead of the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New returns an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools:   make(map[string]entry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "jarvis-tools", Version: "1.0.0"},
			nil,
		),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Register adds built-in tools. A name already in use is an error and
// nothing from the batch is added.
func (d *Dispatcher) Register(tools ...Tool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range tools {
		if t.Definition.Name == "" {
			return fmt.Errorf("tools: tool has empty name")
		}
		if t.Handler == nil {
			return fmt.Errorf("tools: tool %q has nil handler", t.Definition.Name)
		}
		if _, dup := d.tools[t.Definition.Name]; dup {
			return fmt.Errorf("tools: tool %q already registered", t.Definition.Name)
		}
	}
	for _, t := range tools {
		d.add(t.Definition.Name, entry{def: t.Definition, handler: t.Handler})
	}
	return nil
}

// add must be called with d.mu held.
func (d *Dispatcher) add(name string, e entry) {
	if _, ok := d.tools[name]; !ok {
		d.order = append(d.order, name)
	}
	d.tools[name] = e
}

// RegisterServer connects to an MCP server and adds every tool it lists.
// Re-registering a server name replaces its previous connection and tools.
func (d *Dispatcher) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		fields := strings.Fields(cfg.Command)
		if len(fields) == 0 {
			return fmt.Errorf("tools: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.Command(fields[0], fields[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = cmd.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}
	return d.RegisterTransport(ctx, cfg.Name, transport)
}

// RegisterTransport is [Dispatcher.RegisterServer] for an already built
// transport.
func (d *Dispatcher) RegisterTransport(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := d.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to server %q: %w", name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools of server %q: %w", name, err)
		}
		discovered = append(discovered, tool)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range discovered {
		if e, ok := d.tools[t.Name]; ok && e.server != name {
			_ = session.Close()
			return fmt.Errorf("tools: server %q tool %q collides with an existing tool", name, t.Name)
		}
	}

	if old, ok := d.servers[name]; ok {
		_ = old.Close()
		d.dropServerTools(name)
	}
	d.servers[name] = session
	for _, t := range discovered {
		d.add(t.Name, entry{
			def: llm.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			server: name,
		})
	}
	slog.Info("tools: mcp server registered", "server", name, "tools", len(discovered))
	return nil
}

// dropServerTools must be called with d.mu held.
func (d *Dispatcher) dropServerTools(server string) {
	kept := d.order[:0]
	for _, name := range d.order {
		if d.tools[name].server == server {
			delete(d.tools, name)
			continue
		}
		kept = append(kept, name)
	}
	d.order = kept
}

// schemaToMap converts an MCP input schema to the generic map used in
// [llm.ToolDefinition]. A missing or unconvertible schema becomes an empty
// object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Manifest returns every tool definition in registration order.
func (d *Dispatcher) Manifest() []llm.ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(d.order))
	for _, name := range d.order {
		defs = append(defs, d.tools[name].def)
	}
	return defs
}

// Dispatch implements [duplex.ToolDispatcher].
func (d *Dispatcher) Dispatch(ctx context.Context, call duplex.ToolCall) string {
	start := time.Now()
	res := d.run(ctx, call)
	d.metrics.RecordToolCall(ctx, call.Name, res.Status, time.Since(start))
	return res.encode()
}

func (d *Dispatcher) run(ctx context.Context, call duplex.ToolCall) (res Result) {
	log := observe.SessionLogger(ctx, call.SessionID).With("tool", call.Name, "call_id", call.ID)

	d.mu.RLock()
	e, ok := d.tools[call.Name]
	var session *mcpsdk.ClientSession
	if ok && e.server != "" {
		session = d.servers[e.server]
	}
	d.mu.RUnlock()

	if !ok {
		log.Warn("tools: unknown function")
		return Errorf("Unknown function %s", call.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("tools: handler panicked", "panic", r)
			res = Errorf("tool %s failed: %v", call.Name, r)
		}
	}()

	if e.server != "" {
		return callRemote(ctx, session, call)
	}

	res, err := e.handler(ctx, Invocation{Name: call.Name, Arguments: call.Arguments, SessionID: call.SessionID})
	if err != nil {
		log.Warn("tools: handler failed", "err", err)
		return Result{Status: StatusError, Msg: err.Error()}
	}
	log.Debug("tools: dispatched", "status", res.Status)
	return res
}

func callRemote(ctx context.Context, session *mcpsdk.ClientSession, call duplex.ToolCall) Result {
	if session == nil {
		return Errorf("tool %s is not connected", call.Name)
	}

	var args map[string]any
	if a := strings.TrimSpace(call.Arguments); a != "" && a != "{}" {
		if err := json.Unmarshal([]byte(a), &args); err != nil {
			return Errorf("invalid arguments for %s: %v", call.Name, err)
		}
	}

	cr, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: call.Name, Arguments: args})
	if err != nil {
		return Errorf("tool %s failed: %v", call.Name, err)
	}

	var sb strings.Builder
	for _, c := range cr.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if cr.IsError {
		return Result{Status: StatusError, Msg: sb.String()}
	}
	return Result{Status: StatusSuccess, Msg: sb.String()}
}

// Close disconnects every MCP server.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	sessions := d.servers
	d.servers = make(map[string]*mcpsdk.ClientSession)
	for name := range sessions {
		d.dropServerTools(name)
	}
	d.mu.Unlock()

	var g errgroup.Group
	for name, s := range sessions {
		g.Go(func() error {
			if err := s.Close(); err != nil {
				return fmt.Errorf("tools: close server %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
