package flow

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/danmu"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/persona"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/window"
)

// Stage identifies one step of the analysis pipeline.
type Stage int

const (
	StageUnknown Stage = iota
	StagePersonaLoad
	StageSignalNormalize
	StageTopicDetect
	StageMoodEstimate
	StagePlan
	StageGenerate
	StageSummarize
	StageMemoryUpdate
)

var stageNames = map[Stage]string{
	StagePersonaLoad:     "persona_load",
	StageSignalNormalize: "signal_normalize",
	StageTopicDetect:     "topic_detect",
	StageMoodEstimate:    "mood_estimate",
	StagePlan:            "plan",
	StageGenerate:        "generate",
	StageSummarize:       "summarize",
	StageMemoryUpdate:    "memory_update",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Route is the strategic focus chosen once per window.
type Route int

const (
	RouteUnknown Route = iota
	RouteDeepen
	RouteEnergize
	RouteCallToAction
	RouteAnswer
)

var routeNames = map[Route]string{
	RouteDeepen:       "deepen",
	RouteEnergize:     "energize",
	RouteCallToAction: "calltoaction",
	RouteAnswer:       "answer",
}

var routeValues = map[string]Route{
	"unknown":      RouteUnknown,
	"deepen":       RouteDeepen,
	"energize":     RouteEnergize,
	"calltoaction": RouteCallToAction,
	"answer":       RouteAnswer,
}

func (r Route) String() string {
	if name, ok := routeNames[r]; ok {
		return name
	}
	return "unknown"
}

// Label returns the route's display name for summaries and monitors.
func (r Route) Label() string {
	switch r {
	case RouteDeepen:
		return "深挖话题"
	case RouteEnergize:
		return "调动气氛"
	case RouteCallToAction:
		return "引导转化"
	case RouteAnswer:
		return "优先答疑"
	default:
		return "未知"
	}
}

func (r Route) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(r.String())), nil
}

func (r *Route) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("flow: unquote route: %w", err)
	}
	v, ok := routeValues[s]
	if !ok {
		return fmt.Errorf("flow: unknown route %q", s)
	}
	*r = v
	return nil
}

// MoodLevel buckets the numeric mood score.
type MoodLevel int

const (
	MoodLow MoodLevel = iota + 1
	MoodNeutral
	MoodHigh
)

var moodNames = map[MoodLevel]string{
	MoodLow:     "low",
	MoodNeutral: "neutral",
	MoodHigh:    "high",
}

var moodValues = map[string]MoodLevel{
	"unknown": 0,
	"low":     MoodLow,
	"neutral": MoodNeutral,
	"high":    MoodHigh,
}

func (m MoodLevel) String() string {
	if name, ok := moodNames[m]; ok {
		return name
	}
	return "unknown"
}

func (m MoodLevel) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(m.String())), nil
}

func (m *MoodLevel) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("flow: unquote mood level: %w", err)
	}
	v, ok := moodValues[s]
	if !ok {
		return fmt.Errorf("flow: unknown mood level %q", s)
	}
	*m = v
	return nil
}

// Mood is the estimated room atmosphere for one window.
type Mood struct {
	// Score is in [0, 100]; 50 is the neutral baseline.
	Score float64   `json:"score"`
	Level MoodLevel `json:"level"`
}

// Topic is one ranked topic candidate.
type Topic struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords,omitempty"`
}

// RouteDecision records the chosen route together with the inputs that
// produced it. It is part of the run output, not a side log.
type RouteDecision struct {
	Route            Route     `json:"route"`
	TopicConfidence  float64   `json:"topic_confidence"`
	Mood             MoodLevel `json:"mood"`
	PendingQuestions int       `json:"pending_questions"`
}

// Sentiment labels for [Card.Sentiment].
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Card is the fixed analysis object the Generate stage parses from the
// model response.
type Card struct {
	// Overview is a one-or-two sentence read of the window.
	Overview string `json:"overview"`

	// Sentiment is one of positive, neutral, negative.
	Sentiment string `json:"sentiment"`

	// Highlights are moments worth repeating.
	Highlights []string `json:"highlights"`

	// Risks are moments to avoid or recover from.
	Risks []string `json:"risks"`

	// NextActions are concrete suggestions for the next window.
	NextActions []string `json:"next_actions"`

	// Confidence is the model's self-reported confidence in [0, 1].
	Confidence float64 `json:"confidence"`
}

var cardSchemaOnce = sync.OnceValues(func() (*jsonschema.Schema, error) {
	s, err := jsonschema.For[Card](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("flow: derive card schema: %w", err)
	}
	s.Description = "Structured analysis of one live-stream window."
	if p, ok := s.Properties["sentiment"]; ok {
		p.Enum = []any{SentimentPositive, SentimentNeutral, SentimentNegative}
	}
	if p, ok := s.Properties["confidence"]; ok {
		lo, hi := 0.0, 1.0
		p.Minimum = &lo
		p.Maximum = &hi
	}
	return s, nil
})

var cardResolvedOnce = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	s, err := cardSchemaOnce()
	if err != nil {
		return nil, err
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("flow: resolve card schema: %w", err)
	}
	return resolved, nil
})

// CardSchema returns the JSON schema of [Card] sent to model backends.
func CardSchema() (*jsonschema.Schema, error) {
	return cardSchemaOnce()
}

// GenerationError reports a failed external model call or a malformed
// model response. It is never retried within the same run.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("flow: generate with %s: %v", e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// State is threaded through all pipeline stages. It is owned exclusively
// by one run; stages mutate it in place and never share it.
type State struct {
	EntityID string
	Window   *window.Window

	// Persona is this run's snapshot. MemoryUpdate mutates and persists
	// it; on failed runs it is discarded untouched.
	Persona *persona.Record

	// SignalNormalize outputs.
	Keywords   map[string]int
	TopSignals []danmu.Signal

	// TopicDetect output, ranked by confidence, never empty after the
	// stage runs.
	Topics []Topic

	// MoodEstimate output.
	Mood Mood

	// Plan output.
	Decision RouteDecision

	// Generate outputs. RawCard keeps the unparsed model bytes for
	// debugging; Model names the backend that served the call;
	// GenerateElapsed is the model call latency, set even when the call
	// fails.
	Card            *Card
	RawCard         []byte
	Model           string
	GenerateElapsed time.Duration

	// Summarize output.
	Summary string
}

// topTopic returns the highest-confidence candidate, defined only after
// TopicDetect has run.
func (st *State) topTopic() Topic {
	if len(st.Topics) == 0 {
		return Topic{}
	}
	return st.Topics[0]
}
