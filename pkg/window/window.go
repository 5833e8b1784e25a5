// Package window collects transcript entries and chat signals into
// contiguous analysis windows. A Collector accumulates until Close, which
// snapshots the window with its derived stats and starts the next one;
// window boundaries are strictly monotonic and every tick produces a
// window, even an empty one.
package window

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/danmu"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/transcript"
)

// Stats are the derived metrics computed when a window closes.
type Stats struct {
	// Sentences is the number of committed sentences across entries.
	Sentences int `json:"sentences"`

	// SpeakingSeconds estimates time spent talking, from rune count.
	SpeakingSeconds float64 `json:"speaking_seconds"`

	// SpeakingRatio is SpeakingSeconds over the window span, in [0,1].
	SpeakingRatio float64 `json:"speaking_ratio"`

	// PossibleSecondSpeaker flags diverging speaker attribution.
	PossibleSecondSpeaker bool `json:"possible_second_speaker,omitempty"`

	// PendingQuestions counts question-category chat signals.
	PendingQuestions int `json:"pending_questions"`
}

// Window is one closed collection interval.
type Window struct {
	EntityID string              `json:"entity_id"`
	Start    jsontime.Milli      `json:"start"`
	End      jsontime.Milli      `json:"end"`
	Entries  []*transcript.Entry `json:"entries,omitempty"`
	Signals  []danmu.Signal      `json:"signals,omitempty"`
	Stats    Stats               `json:"stats"`
}

// Duration returns the window span.
func (w *Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Empty reports whether the window collected nothing.
func (w *Window) Empty() bool {
	return len(w.Entries) == 0 && len(w.Signals) == 0
}

// defaultCharsPerSecond converts transcript length to speaking time.
// Mandarin live commentary runs around five characters a second.
const defaultCharsPerSecond = 5.0

// Option configures a Collector.
type Option func(*Collector)

// WithCharsPerSecond overrides the speaking time estimate rate.
func WithCharsPerSecond(cps float64) Option {
	return func(c *Collector) {
		if cps > 0 {
			c.charsPerSec = cps
		}
	}
}

// WithStart pins the first window's start time. Tests use this; the default
// is the collector's creation time.
func WithStart(t time.Time) Option {
	return func(c *Collector) { c.start = t }
}

// Collector accumulates one entity's entries and signals into the current
// window. Safe for concurrent use: the session loop adds entries while the
// chat path adds signals.
type Collector struct {
	mu          sync.Mutex
	entityID    string
	charsPerSec float64
	start       time.Time
	entries     []*transcript.Entry
	signals     []danmu.Signal
}

// NewCollector creates a collector for the entity.
func NewCollector(entityID string, opts ...Option) *Collector {
	c := &Collector{
		entityID:    entityID,
		charsPerSec: defaultCharsPerSecond,
		start:       time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddEntry attributes a committed transcript entry to the current window.
func (c *Collector) AddEntry(e *transcript.Entry) {
	cp := e.Clone()
	c.mu.Lock()
	c.entries = append(c.entries, cp)
	c.mu.Unlock()
}

// ReplaceLastEntry swaps the most recent entry of the current window for e.
// Deduplication can supersede an entry after it was attributed; the window
// must carry the replacement, not both. If the superseded entry landed in an
// already-closed window the swap degrades to a plain append.
func (c *Collector) ReplaceLastEntry(e *transcript.Entry) {
	cp := e.Clone()
	c.mu.Lock()
	if n := len(c.entries); n > 0 {
		c.entries[n-1] = cp
	} else {
		c.entries = append(c.entries, cp)
	}
	c.mu.Unlock()
}

// AddSignal attributes a chat signal to the current window.
func (c *Collector) AddSignal(s danmu.Signal) {
	c.mu.Lock()
	c.signals = append(c.signals, s)
	c.mu.Unlock()
}

// Pending returns how many entries and signals the current window holds.
func (c *Collector) Pending() (entries, signals int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), len(c.signals)
}

// Close snapshots the current window ending at now and starts the next one
// at the same instant. Closing an untouched collector still returns a
// window; no entry or signal is ever attributed twice.
func (c *Collector) Close(now time.Time) *Window {
	c.mu.Lock()
	w := &Window{
		EntityID: c.entityID,
		Start:    jsontime.Milli(c.start),
		End:      jsontime.Milli(now),
		Entries:  c.entries,
		Signals:  c.signals,
	}
	c.entries = nil
	c.signals = nil
	c.start = now
	c.mu.Unlock()

	w.Stats = computeStats(w, c.charsPerSec)
	return w
}

func computeStats(w *Window, charsPerSec float64) Stats {
	var s Stats
	runes := 0
	for _, e := range w.Entries {
		runes += utf8.RuneCountInString(e.Text)
		s.Sentences += countSentences(e.Text)
	}
	s.SpeakingSeconds = float64(runes) / charsPerSec
	if span := w.Duration().Seconds(); span > 0 {
		s.SpeakingRatio = min(s.SpeakingSeconds/span, 1)
	}
	s.PossibleSecondSpeaker = secondSpeaker(w.Entries)
	for _, sig := range w.Signals {
		if sig.Category == danmu.CategoryQuestion {
			s.PendingQuestions++
		}
	}
	return s
}

// sentenceTerminators split committed text into sentences for counting.
const sentenceTerminators = "。！？!?"

func countSentences(text string) int {
	n := 0
	for _, part := range strings.FieldsFunc(text, func(r rune) bool {
		return strings.ContainsRune(sentenceTerminators, r)
	}) {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	return n
}

// secondSpeakerRatio: a second attribution score at or above half the
// dominant one suggests another voice in the room.
const secondSpeakerRatio = 0.5

func secondSpeaker(entries []*transcript.Entry) bool {
	labels := make(map[string]struct{})
	for _, e := range entries {
		if e.Speaker != "" {
			labels[e.Speaker] = struct{}{}
			if len(labels) >= 2 {
				return true
			}
		}
		if len(e.SpeakerScores) >= 2 {
			scores := append([]float64(nil), e.SpeakerScores...)
			sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
			if scores[0] > 0 && scores[1]/scores[0] >= secondSpeakerRatio {
				return true
			}
		}
	}
	return false
}
