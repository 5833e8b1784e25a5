// Package asr defines the recognition event stream feeding transcript
// assembly. Events arrive from an external speech recognizer gateway as
// partial and final hypotheses; this package provides the event model, the
// Source interface, and a reconnecting websocket client.
package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
)

// Sentinel errors.
var (
	// ErrClosed is returned when sending to or reading from a closed source.
	ErrClosed = errors.New("asr: source closed")
)

// Op is the recognition event operation.
type Op int

const (
	OpUnknown Op = iota
	// OpAppend extends the current hypothesis with additional text.
	OpAppend
	// OpReplace substitutes the whole current hypothesis.
	OpReplace
	// OpFinal closes the current hypothesis with its definitive text.
	OpFinal
)

// String returns the string representation of the operation.
func (op Op) String() string {
	switch op {
	case OpAppend:
		return "append"
	case OpReplace:
		return "replace"
	case OpFinal:
		return "final"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (op Op) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (op *Op) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "append":
		*op = OpAppend
	case "replace":
		*op = OpReplace
	case "final":
		*op = OpFinal
	default:
		*op = OpUnknown
	}
	return nil
}

// Event is one recognition hypothesis update from the recognizer gateway.
// Events are ephemeral: once applied to an assembler they are not retained.
type Event struct {
	// SessionID identifies the recognizer session the event belongs to.
	SessionID string `json:"session_id,omitempty"`

	// Seq orders events within a session. Monotonically increasing;
	// consumers drop events older than what they have already applied.
	Seq int64 `json:"seq"`

	// Op is the update operation.
	Op Op `json:"op"`

	// Text is the hypothesis fragment. For OpAppend the delta, for
	// OpReplace and OpFinal the whole hypothesis. May be empty for OpFinal
	// when the recognizer retracts the utterance.
	Text string `json:"text"`

	// Time is the capture timestamp assigned by the recognizer.
	Time jsontime.Seconds `json:"time_sec"`

	// Confidence is the recognizer confidence in [0,1]. Zero means the
	// recognizer did not report one.
	Confidence float64 `json:"confidence,omitempty"`

	// Speaker is the diarization label, when diarization is enabled.
	Speaker string `json:"speaker,omitempty"`

	// SpeakerScores carries per-speaker attribution scores in diarization
	// order, used downstream to flag a possible second speaker.
	SpeakerScores []float64 `json:"speaker_scores,omitempty"`
}

// Validate reports whether the event is well-formed enough to apply.
func (e *Event) Validate() error {
	if e == nil {
		return errors.New("asr: nil event")
	}
	if e.Op == OpUnknown {
		return fmt.Errorf("asr: unknown op in event seq=%d", e.Seq)
	}
	if e.Seq < 0 {
		return fmt.Errorf("asr: negative seq %d", e.Seq)
	}
	return nil
}

// Source is a stream of recognition events. Events terminates when the
// source is closed; a non-nil error from the iterator is terminal.
type Source interface {
	Events() iter.Seq2[*Event, error]
	Close() error
}

// Push is a channel-backed Source fed by explicit Send calls. The HTTP
// ingest path and tests use it in place of a live websocket stream.
type Push struct {
	ch        chan *Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewPush creates a Push source with the given channel capacity.
func NewPush(buffer int) *Push {
	if buffer <= 0 {
		buffer = 64
	}
	return &Push{
		ch:   make(chan *Event, buffer),
		done: make(chan struct{}),
	}
}

var _ Source = (*Push)(nil)

// Send delivers one event to the consumer. Blocks while the buffer is full;
// returns ErrClosed after Close.
func (p *Push) Send(ctx context.Context, ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.ch <- ev:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events implements Source.
func (p *Push) Events() iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for {
			select {
			case ev := <-p.ch:
				if !yield(ev, nil) {
					return
				}
			case <-p.done:
				// Drain what was buffered before the close.
				for {
					select {
					case ev := <-p.ch:
						if !yield(ev, nil) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}
}

// Close implements Source. Buffered events remain readable.
func (p *Push) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
