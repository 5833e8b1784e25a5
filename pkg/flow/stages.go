package flow

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/danmu"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/llm"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/persona"
)

// StageFunc executes one pipeline stage, mutating the state in place.
type StageFunc func(ctx context.Context, st *State) error

type stageNode struct {
	stage Stage
	fn    StageFunc
}

// pipeline binds the stage implementations to an environment.
type pipeline struct {
	env *Env
}

// stages returns the stage table in execution order. Both runners derive
// their schedule from this table.
func (p *pipeline) stages() []stageNode {
	return []stageNode{
		{StagePersonaLoad, p.personaLoad},
		{StageSignalNormalize, p.signalNormalize},
		{StageTopicDetect, p.topicDetect},
		{StageMoodEstimate, p.moodEstimate},
		{StagePlan, p.plan},
		{StageGenerate, p.generate},
		{StageSummarize, p.summarize},
		{StageMemoryUpdate, p.memoryUpdate},
	}
}

func (p *pipeline) personaLoad(ctx context.Context, st *State) error {
	rec, err := p.env.Personas.Load(ctx, st.EntityID)
	if err != nil {
		return fmt.Errorf("flow: load persona: %w", err)
	}
	st.Persona = rec
	return nil
}

func (p *pipeline) signalNormalize(_ context.Context, st *State) error {
	w := st.Window
	texts := make([]string, 0, len(w.Entries)+len(w.Signals))
	for _, e := range w.Entries {
		texts = append(texts, e.Text)
	}
	for _, s := range w.Signals {
		texts = append(texts, s.Text)
	}
	st.Keywords = extractKeywords(texts)
	st.TopSignals = topSignals(w.Signals, p.env.topK())
	return nil
}

const (
	minTopicFreq = 2
	maxTopics    = 3

	// fallbackTopic is emitted when no keyword cluster clears the
	// frequency threshold. TopicDetect never returns an empty list.
	fallbackTopic      = "日常互动"
	fallbackConfidence = 0.2
)

func (p *pipeline) topicDetect(_ context.Context, st *State) error {
	type cluster struct {
		name  string
		count int
	}
	var ranked []cluster
	for name, count := range st.Keywords {
		if count >= minTopicFreq {
			ranked = append(ranked, cluster{name, count})
		}
	}
	slices.SortFunc(ranked, func(a, b cluster) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	if len(ranked) > maxTopics {
		ranked = ranked[:maxTopics]
	}

	topics := make([]Topic, 0, len(ranked))
	for _, c := range ranked {
		topics = append(topics, Topic{
			Name: c.name,
			// Asymptotic in the count: 2 hits give 0.5, 8 give 0.8,
			// never reaching 1.
			Confidence: float64(c.count) / float64(c.count+2),
			Keywords:   []string{c.name},
		})
	}
	if len(topics) == 0 {
		topics = append(topics, Topic{Name: fallbackTopic, Confidence: fallbackConfidence})
	}
	st.Topics = topics
	return nil
}

// Mood score thresholds. Scores live in [0, 100] with a 50 baseline.
const (
	moodLowBelow  = 35.0
	moodHighFrom  = 65.0
	moodBase      = 50.0
	moodSupportW  = 4.0
	moodEmotionW  = 3.0
	moodQuestionW = 5.0
)

func (p *pipeline) moodEstimate(_ context.Context, st *State) error {
	var support, emotion int
	for _, s := range st.Window.Signals {
		switch s.Category {
		case danmu.CategorySupport:
			support++
		case danmu.CategoryEmotion:
			emotion++
		}
	}
	pending := st.Window.Stats.PendingQuestions

	score := moodBase + moodSupportW*float64(support) + moodEmotionW*float64(emotion) - moodQuestionW*float64(pending)
	score = min(100, max(0, score))

	level := MoodNeutral
	switch {
	case score < moodLowBelow:
		level = MoodLow
	case score >= moodHighFrom:
		level = MoodHigh
	}
	st.Mood = Mood{Score: score, Level: level}
	return nil
}

const (
	// strongTopicConfidence marks a topic worth deepening.
	strongTopicConfidence = 0.6

	// answerPendingMin is the question backlog that forces the answer route.
	answerPendingMin = 2
)

// planTable is evaluated top to bottom; the first matching row wins and
// the zero row falls through to energize. Keyed on (topic confidence,
// mood level, pending questions).
var planTable = []struct {
	when  func(conf float64, mood MoodLevel, pending int) bool
	route Route
}{
	{func(_ float64, _ MoodLevel, pending int) bool { return pending >= answerPendingMin }, RouteAnswer},
	{func(_ float64, mood MoodLevel, _ int) bool { return mood == MoodLow }, RouteEnergize},
	{func(_ float64, mood MoodLevel, _ int) bool { return mood == MoodHigh }, RouteCallToAction},
	{func(conf float64, _ MoodLevel, _ int) bool { return conf >= strongTopicConfidence }, RouteDeepen},
}

func (p *pipeline) plan(_ context.Context, st *State) error {
	top := st.topTopic()
	pending := st.Window.Stats.PendingQuestions

	route := RouteEnergize
	for _, row := range planTable {
		if row.when(top.Confidence, st.Mood.Level, pending) {
			route = row.route
			break
		}
	}
	st.Decision = RouteDecision{
		Route:            route,
		TopicConfidence:  top.Confidence,
		Mood:             st.Mood.Level,
		PendingQuestions: pending,
	}
	return nil
}

func (p *pipeline) generate(ctx context.Context, st *State) error {
	schema, err := CardSchema()
	if err != nil {
		return err
	}
	resolved, err := cardResolvedOnce()
	if err != nil {
		return err
	}

	req := &llm.Request{
		System:            systemPrompt(st.Persona),
		User:              userPrompt(st),
		Schema:            schema,
		SchemaName:        "live_window_analysis",
		SchemaDescription: "Structured analysis of one live-stream window.",
	}

	cctx, cancel := context.WithTimeout(ctx, p.env.timeout())
	defer cancel()

	callStart := time.Now()
	resp, err := p.env.Generator.Invoke(cctx, p.env.Model, req)
	st.GenerateElapsed = time.Since(callStart)
	if err != nil {
		return &GenerationError{Model: p.env.Model, Err: err}
	}

	var instance any
	if err := llm.Unmarshal(resp.JSON, &instance); err != nil {
		return &GenerationError{Model: resp.Model, Err: fmt.Errorf("parse response: %w", err)}
	}
	if err := resolved.Validate(instance); err != nil {
		return &GenerationError{Model: resp.Model, Err: fmt.Errorf("schema mismatch: %w", err)}
	}
	var card Card
	if err := llm.Unmarshal(resp.JSON, &card); err != nil {
		return &GenerationError{Model: resp.Model, Err: fmt.Errorf("parse response: %w", err)}
	}

	st.Card = &card
	st.RawCard = resp.JSON
	st.Model = resp.Model
	return nil
}

func (p *pipeline) summarize(_ context.Context, st *State) error {
	if st.Card == nil {
		return errors.New("flow: summarize without card")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "【%s】%s", st.Decision.Route.Label(), st.topTopic().Name)
	fmt.Fprintf(&sb, " | 气氛%s(%.0f)", moodLabel(st.Mood.Level), st.Mood.Score)
	fmt.Fprintf(&sb, " | %s", sentimentLabel(st.Card.Sentiment))
	if len(st.Card.Highlights) > 0 {
		fmt.Fprintf(&sb, " | %s", st.Card.Highlights[0])
	}
	st.Summary = sb.String()
	return nil
}

func (p *pipeline) memoryUpdate(ctx context.Context, st *State) error {
	if st.Persona == nil || st.Card == nil {
		return errors.New("flow: memory update without persona or card")
	}
	limit := p.env.Personas.Cap()
	now := jsontime.NowEpochMilli()

	st.Persona.AddHighlight(persona.Note{Text: st.Card.Overview, Time: now}, limit)
	for _, risk := range st.Card.Risks {
		st.Persona.AddSetback(persona.Note{Text: risk, Time: now}, limit)
	}
	if err := p.env.Personas.Save(ctx, st.Persona); err != nil {
		return fmt.Errorf("flow: persist persona: %w", err)
	}
	return nil
}

func moodLabel(m MoodLevel) string {
	switch m {
	case MoodLow:
		return "低迷"
	case MoodHigh:
		return "热烈"
	default:
		return "平稳"
	}
}

func sentimentLabel(s string) string {
	switch s {
	case SentimentPositive:
		return "正面"
	case SentimentNeutral:
		return "中性"
	case SentimentNegative:
		return "负面"
	default:
		return s
	}
}

// topSignals returns the k most salient signals, weight descending with
// earlier messages breaking ties.
func topSignals(signals []danmu.Signal, k int) []danmu.Signal {
	out := slices.Clone(signals)
	slices.SortStableFunc(out, func(a, b danmu.Signal) int {
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		if a.Time.Before(b.Time) {
			return -1
		}
		if b.Time.Before(a.Time) {
			return 1
		}
		return 0
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// stopRunes are function characters excluded from keyword bigrams.
const stopRunes = "的了是在有和就不也吗呢啊吧这那个你我他她它们都很还要会能可以什么怎么没哦嗯呀哈"

// extractKeywords builds a frequency table of Han bigrams and ASCII words
// over the window's transcript and chat text. Bigrams touching a function
// character are skipped; ASCII tokens shorter than two characters are
// dropped.
func extractKeywords(texts []string) map[string]int {
	counts := make(map[string]int)
	for _, text := range texts {
		for _, token := range tokenize(text) {
			counts[token]++
		}
	}
	return counts
}

func tokenize(s string) []string {
	var tokens []string
	runes := []rune(s)

	var ascii []rune
	flushASCII := func() {
		if len(ascii) >= 2 {
			tokens = append(tokens, strings.ToLower(string(ascii)))
		}
		ascii = ascii[:0]
	}

	for i, r := range runes {
		if r < 128 {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				ascii = append(ascii, r)
				continue
			}
			flushASCII()
			continue
		}
		flushASCII()
		if !unicode.Is(unicode.Han, r) || i+1 >= len(runes) {
			continue
		}
		next := runes[i+1]
		if !unicode.Is(unicode.Han, next) {
			continue
		}
		if strings.ContainsRune(stopRunes, r) || strings.ContainsRune(stopRunes, next) {
			continue
		}
		tokens = append(tokens, string(runes[i:i+2]))
	}
	flushASCII()
	return tokens
}
