// Package flow runs the per-window analysis pipeline.
//
// Eight stages execute once per closed window: persona load, signal
// normalization, topic detection, mood estimation, planning, generation,
// summarization, and memory update. Plan is the single branch point; it
// picks a [Route] from a closed set and Generate dispatches on it with an
// exhaustive switch. Only Generate leaves the process (one model call,
// bounded by a timeout).
//
// Two [Runner] implementations execute the same stage table: [Sequential]
// walks it in order, [Graph] walks a node/edge form of it. Observable
// behavior is identical; the graph form exists for deployments that
// schedule stages through a graph substrate, and the sequential form is
// the degradation path when that substrate is unavailable.
//
// A stage error aborts only the current run: the engine returns a
// [Result] tagged failed with the causing stage and message, and the
// persona record is left untouched.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/llm"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/persona"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/window"
)

const (
	defaultGenerateTimeout = 30 * time.Second
	defaultTopSignals      = 5
)

// Status tags a run outcome.
type Status int

const (
	StatusUnknown Status = iota
	StatusOK
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

func (s *Status) UnmarshalJSON(data []byte) error {
	v, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("flow: unquote status: %w", err)
	}
	switch v {
	case "ok":
		*s = StatusOK
	case "failed":
		*s = StatusFailed
	case "unknown":
		*s = StatusUnknown
	default:
		return fmt.Errorf("flow: unknown status %q", v)
	}
	return nil
}

// Result is the single structured event a run yields, success or failure.
type Result struct {
	EntityID string `json:"entity_id"`
	Status   Status `json:"status"`

	// Window is the analyzed window, statistics included.
	Window *window.Window `json:"window,omitempty"`

	// Success outputs.
	Summary string `json:"summary,omitempty"`
	Card    *Card  `json:"card,omitempty"`
	Model   string `json:"model,omitempty"`

	// Intermediate outputs, kept on failures too for debuggability.
	Decision RouteDecision `json:"decision"`
	Topics   []Topic       `json:"topics,omitempty"`
	Mood     Mood          `json:"mood"`

	// Failure outputs.
	FailedStage string `json:"failed_stage,omitempty"`
	Error       string `json:"error,omitempty"`

	Elapsed jsontime.Duration `json:"elapsed"`

	// GenerateElapsed is the model call latency, zero when the run
	// failed before Generate.
	GenerateElapsed jsontime.Duration `json:"generate_elapsed,omitzero"`
}

// OK reports whether the run completed successfully.
func (r *Result) OK() bool { return r.Status == StatusOK }

// Env carries the collaborators stages draw on. One Env serves many runs.
type Env struct {
	// Personas loads and saves persona records.
	Personas *persona.Store

	// Generator serves the Generate stage, usually an [llm.Mux].
	Generator llm.Generator

	// Model is the model name passed to the generator, e.g. "ark/doubao-pro".
	Model string

	// GenerateTimeout bounds the single model call per run. Default 30s.
	GenerateTimeout time.Duration

	// TopSignals caps the salient chat snippets carried into the prompt.
	// Default 5.
	TopSignals int
}

func (e *Env) validate() error {
	if e == nil {
		return errors.New("flow: nil env")
	}
	if e.Personas == nil {
		return errors.New("flow: env without persona store")
	}
	if e.Generator == nil {
		return errors.New("flow: env without generator")
	}
	if e.Model == "" {
		return errors.New("flow: env without model name")
	}
	return nil
}

func (e *Env) timeout() time.Duration {
	if e.GenerateTimeout > 0 {
		return e.GenerateTimeout
	}
	return defaultGenerateTimeout
}

func (e *Env) topK() int {
	if e.TopSignals > 0 {
		return e.TopSignals
	}
	return defaultTopSignals
}

// Runner executes the pipeline over one state. A failed stage yields a
// failed Result, not an error; the error return is reserved for broken
// engine wiring.
type Runner interface {
	Run(ctx context.Context, st *State) (*Result, error)
}

// Option configures [New].
type Option func(*options)

type options struct {
	sequential bool
}

// WithSequential selects the [Sequential] runner instead of [Graph].
func WithSequential() Option {
	return func(o *options) { o.sequential = true }
}

// Engine binds an environment to a runner.
type Engine struct {
	env    *Env
	runner Runner
}

// New creates an engine. The [Graph] runner is the default; pass
// [WithSequential] to run the plain ordered loop.
func New(env *Env, opts ...Option) (*Engine, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	p := &pipeline{env: env}
	var runner Runner
	if o.sequential {
		runner = newSequential(p)
	} else {
		g, err := newGraph(p)
		if err != nil {
			return nil, err
		}
		runner = g
	}
	return &Engine{env: env, runner: runner}, nil
}

// Runner exposes the engine's runner, mainly for tests comparing the two
// implementations.
func (e *Engine) Runner() Runner { return e.runner }

// Analyze runs the full pipeline for one closed window.
func (e *Engine) Analyze(ctx context.Context, w *window.Window) (*Result, error) {
	if w == nil || w.EntityID == "" {
		return nil, errors.New("flow: window without entity")
	}
	st := &State{EntityID: w.EntityID, Window: w}
	return e.runner.Run(ctx, st)
}

// runStage executes one stage with panic isolation. A cancelled context
// stops the run before the stage body executes.
func runStage(ctx context.Context, stage Stage, fn StageFunc, st *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flow: stage %s panicked: %v", stage, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("flow: stage %s: %w", stage, err)
	}
	return fn(ctx, st)
}

// finish converts a run's terminal condition into a Result.
func finish(st *State, start time.Time, failedStage Stage, err error) (*Result, error) {
	res := &Result{
		EntityID:        st.EntityID,
		Window:          st.Window,
		Decision:        st.Decision,
		Topics:          st.Topics,
		Mood:            st.Mood,
		Elapsed:         jsontime.Duration(time.Since(start)),
		GenerateElapsed: jsontime.Duration(st.GenerateElapsed),
	}
	if err != nil {
		slog.Warn("flow: run failed",
			"entity", st.EntityID,
			"stage", failedStage.String(),
			"error", err,
		)
		res.Status = StatusFailed
		res.FailedStage = failedStage.String()
		res.Error = err.Error()
		return res, nil
	}
	res.Status = StatusOK
	res.Summary = st.Summary
	res.Card = st.Card
	res.Model = st.Model
	return res, nil
}
