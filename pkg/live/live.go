// Package live runs host assistant sessions. A session binds one streaming
// entity to a recognizer event source and a chat feed, assembles the
// transcript, cuts it into fixed windows and schedules one analysis run per
// window through the flow engine.
//
// Sessions are serial inside and concurrent across: all mutation for one
// session happens on its own task goroutines, while the coordinator only
// keeps the registry and fans results out to subscribers.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/asr"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/flow"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/observe"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/storage"
)

var (
	// ErrSessionExists is returned when a session ID is already registered.
	ErrSessionExists = errors.New("live: session exists")

	// ErrSessionNotFound is returned when no session matches the given ID.
	ErrSessionNotFound = errors.New("live: session not found")

	// ErrEntityBusy is returned when the entity already has a session.
	ErrEntityBusy = errors.New("live: entity busy")

	// ErrSessionStopped is returned when pushing into a stopping session.
	ErrSessionStopped = errors.New("live: session stopped")

	// ErrClosed is returned by a closed coordinator.
	ErrClosed = errors.New("live: coordinator closed")
)

const (
	defaultWindowEvery = 45 * time.Second
	defaultRunTimeout  = 60 * time.Second

	// subscriberBuffer is the per-subscriber result backlog. A subscriber
	// that falls further behind loses the newest result, not the run.
	subscriberBuffer = 8
)

// Coordinator owns the session registry and the shared analysis environment.
type Coordinator struct {
	engine      *flow.Engine
	archive     *storage.Archive
	metrics     *observe.Metrics
	windowEvery time.Duration
	runTimeout  time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	entities map[string]*Session
	subs     map[string]map[chan *flow.Result]struct{}
	closed   bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithArchive persists each stopped session through arc.
func WithArchive(arc *storage.Archive) Option {
	return func(c *Coordinator) { c.archive = arc }
}

// WithMetrics overrides the metrics sink, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithWindowEvery sets the default window cadence for new sessions.
func WithWindowEvery(d time.Duration) Option {
	return func(c *Coordinator) { c.windowEvery = d }
}

// WithRunTimeout bounds a single analysis run end to end.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.runTimeout = d }
}

// New creates a Coordinator running analyses through engine.
func New(engine *flow.Engine, opts ...Option) (*Coordinator, error) {
	if engine == nil {
		return nil, errors.New("live: nil engine")
	}
	c := &Coordinator{
		engine:      engine,
		windowEvery: defaultWindowEvery,
		runTimeout:  defaultRunTimeout,
		sessions:    make(map[string]*Session),
		entities:    make(map[string]*Session),
		subs:        make(map[string]map[chan *flow.Result]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.Default()
	}
	return c, nil
}

// SessionConfig describes a session to start.
type SessionConfig struct {
	// SessionID is generated when empty.
	SessionID string

	// EntityID is the streaming entity the session analyzes. Required.
	EntityID string

	// Source feeds recognizer events. Required. The session takes ownership
	// and closes it on stop.
	Source asr.Source

	// WindowEvery overrides the coordinator's window cadence.
	WindowEvery time.Duration
}

// StartSession registers and starts a session. One session per entity: a
// second session for a running entity fails with ErrEntityBusy.
func (c *Coordinator) StartSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.EntityID == "" {
		return nil, errors.New("live: empty entity id")
	}
	if cfg.Source == nil {
		return nil, errors.New("live: nil event source")
	}
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := newSession(c, id, cfg)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("live: session %s: %w", id, ErrSessionExists)
	}
	if cur, ok := c.entities[cfg.EntityID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("live: entity %s held by session %s: %w", cfg.EntityID, cur.ID(), ErrEntityBusy)
	}
	c.sessions[id] = s
	c.entities[cfg.EntityID] = s
	c.mu.Unlock()

	s.start(ctx)
	c.metrics.SessionStarted(ctx)
	slog.Info("live: session started",
		"session", id, "entity", cfg.EntityID, "window_every", s.windowEvery)
	return s, nil
}

// StopSession stops the session, waits for the in-flight run and archives
// the transcript and result history.
func (c *Coordinator) StopSession(ctx context.Context, id string) error {
	c.mu.RLock()
	s, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("live: session %s: %w", id, ErrSessionNotFound)
	}

	err := s.stop(ctx)

	c.mu.Lock()
	removed := c.sessions[id] == s
	if removed {
		delete(c.sessions, id)
		if c.entities[s.EntityID()] == s {
			delete(c.entities, s.EntityID())
		}
	}
	c.mu.Unlock()

	if removed {
		c.metrics.SessionStopped(ctx)
		slog.Info("live: session stopped", "session", id, "entity", s.EntityID())
	}
	return err
}

// Session returns the session with the given ID.
func (c *Coordinator) Session(id string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("live: session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// EntitySession returns the running session of the given entity.
func (c *Coordinator) EntitySession(entityID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entities[entityID]
	if !ok {
		return nil, fmt.Errorf("live: entity %s: %w", entityID, ErrSessionNotFound)
	}
	return s, nil
}

// Sessions lists all registered sessions, oldest first.
func (c *Coordinator) Sessions() []*Session {
	c.mu.RLock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Session) int {
		if !a.startedAt.Equal(b.startedAt) {
			if a.startedAt.Before(b.startedAt) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.id, b.id)
	})
	return out
}

// Subscribe delivers every analysis result for the entity, across sessions,
// until cancel is called. Delivery never blocks a run: when the channel
// buffer is full the newest result is dropped for that subscriber.
func (c *Coordinator) Subscribe(entityID string) (<-chan *flow.Result, func()) {
	ch := make(chan *flow.Result, subscriberBuffer)
	c.mu.Lock()
	set, ok := c.subs[entityID]
	if !ok {
		set = make(map[chan *flow.Result]struct{})
		c.subs[entityID] = set
	}
	set[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			if set, ok := c.subs[entityID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(c.subs, entityID)
				}
			}
			close(ch)
			c.mu.Unlock()
		})
	}
	return ch, cancel
}

// publish fans one result out to the entity's subscribers. Results are
// shared across subscribers and must be treated as read-only.
func (c *Coordinator) publish(entityID string, res *flow.Result) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ch := range c.subs[entityID] {
		select {
		case ch <- res:
		default:
			slog.Warn("live: subscriber lagging, result dropped", "entity", entityID)
		}
	}
}

// Close stops every session and rejects new ones.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.StopSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	SessionID string         `json:"session_id"`
	EntityID  string         `json:"entity_id"`
	State     State          `json:"state"`
	StartedAt jsontime.Milli `json:"started_at"`

	// Committed counts entries in the transcript log; Open carries the text
	// of the unfinished utterance, if any.
	Committed int    `json:"committed"`
	Open      string `json:"open,omitempty"`

	// PendingEntries and PendingSignals describe the window being collected.
	PendingEntries int `json:"pending_entries"`
	PendingSignals int `json:"pending_signals"`

	Runs        int    `json:"runs"`
	LastSummary string `json:"last_summary,omitempty"`
}
