// Package transcript turns the recognizer event stream into clean transcript
// entries. The Assembler is the per-session state machine holding at most one
// open hypothesis; the Log keeps committed entries with adjacent-duplicate
// suppression.
package transcript

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/asr"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
)

// ErrStaleEvent is returned by Apply for events older than what the
// assembler has already applied. Stale events are dropped, never partially
// applied.
var ErrStaleEvent = errors.New("transcript: stale event")

// Entry is one transcript line. While open it mirrors the recognizer's
// current hypothesis; once Final it never changes.
type Entry struct {
	// ID identifies the entry across display updates and commits.
	ID string `json:"id"`

	// Text is the hypothesis text, or the definitive text once Final.
	Text string `json:"text"`

	// Time is the capture timestamp of the utterance start.
	Time jsontime.Seconds `json:"time_sec"`

	// Confidence is the recognizer confidence in [0,1], zero when unknown.
	Confidence float64 `json:"confidence,omitempty"`

	// Final marks a committed entry.
	Final bool `json:"final"`

	// Speaker is the diarization label, when available.
	Speaker string `json:"speaker,omitempty"`

	// SpeakerScores carries per-speaker attribution scores.
	SpeakerScores []float64 `json:"speaker_scores,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	v := *e
	if e.SpeakerScores != nil {
		v.SpeakerScores = append([]float64(nil), e.SpeakerScores...)
	}
	return &v
}

// Assembler folds recognition events into transcript entries. It is owned by
// a single goroutine; methods must not be called concurrently.
type Assembler struct {
	sessionID string
	open      *Entry
	lastSeq   int64
	newID     func() string
}

// NewAssembler creates an assembler for one recognizer session.
func NewAssembler(sessionID string) *Assembler {
	return &Assembler{
		sessionID: sessionID,
		lastSeq:   -1,
		newID:     uuid.NewString,
	}
}

// Apply folds one event into the assembler state.
//
// The returned display entry is the refreshed open hypothesis, nil when the
// event closed it. The returned committed entry is non-nil exactly when a
// final event carried non-empty normalized text. A final whose normalized
// text is empty retracts the utterance: the open slot is cleared and nothing
// is committed.
//
// Events with a sequence at or below the last applied one are dropped and
// reported as ErrStaleEvent; the assembler state is untouched.
func (a *Assembler) Apply(ev *asr.Event) (display, committed *Entry, err error) {
	if err := ev.Validate(); err != nil {
		return nil, nil, err
	}
	if ev.Seq <= a.lastSeq {
		slog.Debug("transcript: stale event dropped",
			"session", a.sessionID, "seq", ev.Seq, "last_seq", a.lastSeq)
		return nil, nil, fmt.Errorf("transcript: event seq %d at or before %d: %w", ev.Seq, a.lastSeq, ErrStaleEvent)
	}
	a.lastSeq = ev.Seq

	switch ev.Op {
	case asr.OpAppend:
		e := a.ensureOpen(ev)
		e.Text += ev.Text
		a.absorb(e, ev)
		return e.Clone(), nil, nil

	case asr.OpReplace:
		e := a.ensureOpen(ev)
		e.Text = ev.Text
		a.absorb(e, ev)
		return e.Clone(), nil, nil

	case asr.OpFinal:
		e := a.ensureOpen(ev)
		e.Text = ev.Text
		a.absorb(e, ev)
		a.open = nil
		if Normalize(e.Text) == "" {
			slog.Debug("transcript: empty final, nothing committed",
				"session", a.sessionID, "seq", ev.Seq)
			return nil, nil, nil
		}
		e.Text = strings.TrimSpace(e.Text)
		e.Final = true
		return nil, e, nil

	default:
		return nil, nil, fmt.Errorf("transcript: unsupported op %v", ev.Op)
	}
}

// Open returns a copy of the current open hypothesis, or nil.
func (a *Assembler) Open() *Entry {
	return a.open.Clone()
}

// LastSeq returns the sequence of the last applied event, -1 before any.
func (a *Assembler) LastSeq() int64 {
	return a.lastSeq
}

// Reset discards the open hypothesis without committing it.
func (a *Assembler) Reset() {
	a.open = nil
}

func (a *Assembler) ensureOpen(ev *asr.Event) *Entry {
	if a.open == nil {
		a.open = &Entry{
			ID:   a.newID(),
			Time: ev.Time,
		}
	}
	return a.open
}

// absorb copies per-event metadata onto the entry when the event carries it.
func (a *Assembler) absorb(e *Entry, ev *asr.Event) {
	if ev.Confidence > 0 {
		e.Confidence = ev.Confidence
	}
	if ev.Speaker != "" {
		e.Speaker = ev.Speaker
	}
	if len(ev.SpeakerScores) > 0 {
		e.SpeakerScores = append([]float64(nil), ev.SpeakerScores...)
	}
	if e.Time.IsZero() && !ev.Time.IsZero() {
		e.Time = ev.Time
	}
}
