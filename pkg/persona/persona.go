// Package persona stores per-host persona records.
//
// A [Record] is the durable profile of one streaming host (entity): tone,
// taboo topics, and two bounded note lists tracking what worked well on
// stream and what did not. Records are loaded at the start of every
// analysis run and written back once at the end, so the store keeps the
// write path to a single KV Set per persistence.
//
// Both note lists are hard-capped. Appending beyond the cap drops the
// oldest notes first; unbounded growth is a defect, not a tuning knob.
//
// KV key layout:
//
//	persona:{entity} → msgpack Record
package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/kv"
)

// ErrNotFound is returned by [Store.Get] when no record exists for an
// entity. [Store.Load] never returns it; missing records are synthesized.
var ErrNotFound = errors.New("persona: record not found")

// DefaultCap is the maximum number of notes kept per list.
const DefaultCap = 120

// DefaultTone is the tone synthesized for hosts without a saved persona.
const DefaultTone = "自然亲和"

// nowMilli returns the current time. Extracted for test injection.
var nowMilli = jsontime.NowEpochMilli

// Note is one remembered outcome: a short text plus when it was recorded.
type Note struct {
	Text string         `json:"text" msgpack:"text"`
	Time jsontime.Milli `json:"time" msgpack:"time"`
}

// Record is the durable persona profile for one entity.
type Record struct {
	EntityID    string   `json:"entity_id" msgpack:"entity_id"`
	Tone        string   `json:"tone" msgpack:"tone"`
	TabooTopics []string `json:"taboo_topics,omitempty" msgpack:"taboo_topics,omitempty"`

	// Highlights are outcomes worth repeating, oldest first.
	// Setbacks are outcomes to avoid. Both are capped; see [Record.AddHighlight].
	Highlights []Note `json:"highlights,omitempty" msgpack:"highlights,omitempty"`
	Setbacks   []Note `json:"setbacks,omitempty" msgpack:"setbacks,omitempty"`

	UpdatedAt jsontime.Milli `json:"updated_at" msgpack:"updated_at"`
}

// Default synthesizes the persona used when no record exists: neutral
// tone, no taboo topics, empty history.
func Default(entityID string) *Record {
	return &Record{
		EntityID: entityID,
		Tone:     DefaultTone,
	}
}

// Clone returns a deep copy. Workflow runs operate on clones so a failed
// run never leaks partial mutations into shared state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.TabooTopics = slices.Clone(r.TabooTopics)
	cp.Highlights = slices.Clone(r.Highlights)
	cp.Setbacks = slices.Clone(r.Setbacks)
	return &cp
}

// AddHighlight appends a note to the highlight list, trimming oldest
// entries beyond max (DefaultCap when max <= 0). Notes with empty text
// are ignored.
func (r *Record) AddHighlight(n Note, max int) {
	r.Highlights = appendCapped(r.Highlights, n, max)
}

// AddSetback appends a note to the setback list with the same cap rule
// as [Record.AddHighlight].
func (r *Record) AddSetback(n Note, max int) {
	r.Setbacks = appendCapped(r.Setbacks, n, max)
}

func appendCapped(notes []Note, n Note, max int) []Note {
	if n.Text == "" {
		return notes
	}
	if max <= 0 {
		max = DefaultCap
	}
	notes = append(notes, n)
	if over := len(notes) - max; over > 0 {
		notes = slices.Delete(notes, 0, over)
	}
	return notes
}

// Store persists persona records in a KV store.
type Store struct {
	store kv.Store
	cap   int
}

// Option configures a Store.
type Option func(*Store)

// WithCap overrides the per-list note cap (default [DefaultCap]).
func WithCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cap = n
		}
	}
}

// NewStore wraps a KV store for persona persistence.
func NewStore(store kv.Store, opts ...Option) *Store {
	s := &Store{store: store, cap: DefaultCap}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cap returns the configured per-list note cap.
func (s *Store) Cap() int { return s.cap }

func personaKey(entityID string) kv.Key {
	return kv.Key{"persona", entityID}
}

// Get fetches the record for an entity. Returns [ErrNotFound] when no
// record has been saved.
func (s *Store) Get(ctx context.Context, entityID string) (*Record, error) {
	data, err := s.store.Get(ctx, personaKey(entityID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, entityID)
		}
		return nil, fmt.Errorf("persona: get %s: %w", entityID, err)
	}
	var rec Record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("persona: decode %s: %w", entityID, err)
	}
	return &rec, nil
}

// Load fetches the record for an entity, synthesizing a default when none
// exists. A missing persona is never an error; every other failure is.
func (s *Store) Load(ctx context.Context, entityID string) (*Record, error) {
	rec, err := s.Get(ctx, entityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			slog.Debug("persona: no record, using defaults", "entity", entityID)
			return Default(entityID), nil
		}
		return nil, err
	}
	return rec, nil
}

// Save writes the record in a single Set and stamps UpdatedAt. Callers
// batch all mutations on their copy first so persistence is all-or-nothing.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.EntityID == "" {
		return errors.New("persona: save: record without entity id")
	}
	rec.UpdatedAt = nowMilli()
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persona: encode %s: %w", rec.EntityID, err)
	}
	if err := s.store.Set(ctx, personaKey(rec.EntityID), data); err != nil {
		return fmt.Errorf("persona: save %s: %w", rec.EntityID, err)
	}
	return nil
}

// Delete removes the record for an entity. Deleting a missing record is
// not an error.
func (s *Store) Delete(ctx context.Context, entityID string) error {
	if err := s.store.Delete(ctx, personaKey(entityID)); err != nil {
		return fmt.Errorf("persona: delete %s: %w", entityID, err)
	}
	return nil
}

// AppendHighlight loads, appends, and saves in one call. Intended for
// manual curation (CLI, gateway); workflow runs mutate their snapshot and
// call [Store.Save] once instead.
func (s *Store) AppendHighlight(ctx context.Context, entityID, text string) (*Record, error) {
	rec, err := s.Load(ctx, entityID)
	if err != nil {
		return nil, err
	}
	rec.AddHighlight(Note{Text: text, Time: nowMilli()}, s.cap)
	if err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AppendSetback is the setback-list counterpart of [Store.AppendHighlight].
func (s *Store) AppendSetback(ctx context.Context, entityID, text string) (*Record, error) {
	rec, err := s.Load(ctx, entityID)
	if err != nil {
		return nil, err
	}
	rec.AddSetback(Note{Text: text, Time: nowMilli()}, s.cap)
	if err := s.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Entities lists every entity ID with a saved record, sorted.
func (s *Store) Entities(ctx context.Context) ([]string, error) {
	var ids []string
	for entry, err := range s.store.List(ctx, kv.Key{"persona"}) {
		if err != nil {
			return nil, fmt.Errorf("persona: list: %w", err)
		}
		if len(entry.Key) == 2 {
			ids = append(ids, entry.Key[1])
		}
	}
	return ids, nil
}
