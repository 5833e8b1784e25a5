// Package llm invokes language-model backends for structured JSON analysis.
//
// Every call is a single request/response: the caller supplies a system
// prompt, a user prompt, and the JSON schema of the expected object; the
// backend returns raw JSON bytes shaped by that schema. Streaming and tool
// calling are out of scope here.
//
// Backends register on a [Mux] under MQTT-style patterns ("openai/gpt-4o",
// "ark/#"), so callers pick a model by name and deployments rebind names
// to providers in config.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/trie"
)

// ErrNotRegistered is returned by [Mux.Invoke] when no backend matches the
// requested model name.
var ErrNotRegistered = errors.New("llm: no generator registered")

// Params are optional sampling overrides. Zero fields are left to the
// backend's defaults.
type Params struct {
	Temperature float64 `json:"temperature,omitzero" yaml:"temperature,omitzero"`
	TopP        float64 `json:"top_p,omitzero" yaml:"top_p,omitzero"`
	MaxTokens   int     `json:"max_tokens,omitzero" yaml:"max_tokens,omitzero"`
}

// Request is one structured-output invocation.
type Request struct {
	// System frames the model (persona, tone, task). May be empty.
	System string

	// User carries the content to analyze plus the instruction.
	User string

	// Schema describes the expected response object. Required.
	Schema *jsonschema.Schema

	// SchemaName and SchemaDescription label the schema for backends that
	// register it by name (OpenAI structured outputs).
	SchemaName        string
	SchemaDescription string

	// Params override the backend's sampling defaults when non-nil.
	Params *Params
}

func (r *Request) validate() error {
	if r == nil {
		return errors.New("llm: nil request")
	}
	if r.User == "" {
		return errors.New("llm: request without user content")
	}
	if r.Schema == nil {
		return errors.New("llm: request without schema")
	}
	return nil
}

// Response is the backend's reply.
type Response struct {
	// JSON is the raw model output. Shaped by the request schema but not
	// validated here; callers parse with [Unmarshal] and validate.
	JSON []byte

	// Model is the backend model that served the call.
	Model string
}

// Generator produces a structured JSON response for a request. The name is
// the model name the caller invoked; multiplexers use it for routing and
// pass it through.
type Generator interface {
	Invoke(ctx context.Context, name string, req *Request) (*Response, error)
}

var _ Generator = (*Mux)(nil)

// Mux routes invocations to registered generators by pattern matching the
// model name against a trie. Exact segments win over "+" over "#".
type Mux struct {
	mux *trie.Trie[Generator]
}

// NewMux creates an empty multiplexer.
func NewMux() *Mux {
	return &Mux{mux: trie.New[Generator]()}
}

// Handle registers a generator for the given pattern. Registering the same
// pattern twice is an error.
func (m *Mux) Handle(pattern string, gen Generator) error {
	return m.mux.Set(pattern, func(ptr *Generator, existed bool) error {
		if existed {
			return fmt.Errorf("llm: generator already registered for %s", pattern)
		}
		*ptr = gen
		return nil
	})
}

// Invoke looks up the generator matching name and delegates to it.
func (m *Mux) Invoke(ctx context.Context, name string, req *Request) (*Response, error) {
	ptr, ok := m.mux.Get(name)
	if !ok || *ptr == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return (*ptr).Invoke(ctx, name, req)
}

// Patterns returns all registered patterns in sorted order.
func (m *Mux) Patterns() []string {
	return m.mux.Patterns()
}

// Unmarshal parses model-produced JSON into v, repairing malformed output.
// Models occasionally emit trailing commas, unquoted keys, or fenced code
// blocks; on a syntax error the data is run through jsonrepair and parsed
// again. Non-syntax errors are returned as-is.
func Unmarshal(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		fixed, rerr := jsonrepair.JSONRepair(string(data))
		if rerr != nil {
			return fmt.Errorf("llm: repair json: %w", rerr)
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}
