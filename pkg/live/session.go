package live

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/asr"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/danmu"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/flow"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/transcript"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/window"
)

// Session is one live stream under analysis. The event loop is the only
// writer of the assembler and the transcript log; chat arrives from any
// goroutine and only touches the collector, which locks internally.
type Session struct {
	id       string
	entityID string

	coord     *Coordinator
	source    asr.Source
	asm       *transcript.Assembler
	log       *transcript.Log
	collector *window.Collector
	slot      *runSlot

	windowEvery time.Duration
	runTimeout  time.Duration
	startedAt   jsontime.Milli

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
	runWG  sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}

	mu      sync.Mutex
	state   State
	open    string
	results []*flow.Result
}

func newSession(c *Coordinator, id string, cfg SessionConfig) *Session {
	every := cfg.WindowEvery
	if every <= 0 {
		every = c.windowEvery
	}
	s := &Session{
		id:          id,
		entityID:    cfg.EntityID,
		coord:       c,
		source:      cfg.Source,
		asm:         transcript.NewAssembler(id),
		log:         transcript.NewLog(),
		collector:   window.NewCollector(cfg.EntityID),
		windowEvery: every,
		runTimeout:  c.runTimeout,
		startedAt:   jsontime.NowEpochMilli(),
		stopped:     make(chan struct{}),
		state:       StateIdle,
	}
	s.slot = &runSlot{
		launch: s.launchRun,
		dropped: func(w *window.Window) {
			s.coord.metrics.RecordDroppedWindow(context.Background())
			slog.Warn("live: analysis backlog, queued window dropped",
				"session", s.id,
				"start", w.Start.Time().Format(time.RFC3339),
				"end", w.End.Time().Format(time.RFC3339))
		},
		onDrain: func() { s.setState(StateListening) },
	}
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// EntityID returns the streaming entity the session analyzes.
func (s *Session) EntityID() string { return s.entityID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) start(ctx context.Context) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.ctx = sctx
	s.cancel = cancel
	g, gctx := errgroup.WithContext(sctx)
	s.g = g
	g.Go(func() error { return s.eventLoop(gctx) })
	g.Go(func() error { return s.windowLoop(gctx) })
	s.setState(StateListening)
}

// eventLoop drains the recognizer source. A failed source ends ingestion but
// not the session: chat keeps flowing and the transcript stays queryable.
func (s *Session) eventLoop(ctx context.Context) error {
	for ev, err := range s.source.Events() {
		if err != nil {
			if errors.Is(err, asr.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Error("live: event stream failed", "session", s.id, "err", err)
			return nil
		}
		s.ingest(ctx, ev)
		if ctx.Err() != nil {
			return nil
		}
	}
	slog.Debug("live: event stream ended", "session", s.id)
	return nil
}

func (s *Session) ingest(ctx context.Context, ev *asr.Event) {
	s.coord.metrics.RecordEvent(ctx, ev.Op.String())
	display, committed, err := s.asm.Apply(ev)
	switch {
	case errors.Is(err, transcript.ErrStaleEvent):
		s.coord.metrics.RecordStaleEvent(ctx)
		slog.Debug("live: stale event ignored", "session", s.id, "seq", ev.Seq)
		return
	case err != nil:
		slog.Warn("live: event rejected", "session", s.id, "seq", ev.Seq, "err", err)
		return
	}

	s.mu.Lock()
	if display != nil {
		s.open = display.Text
	} else {
		s.open = ""
	}
	s.mu.Unlock()

	if committed == nil {
		return
	}
	if replaced := s.log.Append(committed); replaced {
		s.coord.metrics.RecordDedupReplaced(ctx)
		s.collector.ReplaceLastEntry(committed)
		slog.Debug("live: duplicate utterance replaced", "session", s.id, "entry", committed.ID)
	} else {
		s.collector.AddEntry(committed)
	}
}

func (s *Session) windowLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.windowEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			w := s.collector.Close(now)
			s.coord.metrics.RecordWindow(ctx, w.Empty())
			s.slot.submit(w)
		}
	}
}

func (s *Session) launchRun(w *window.Window) {
	s.setState(StateAnalyzing)
	s.runWG.Add(1)
	go s.runAnalysis(w)
}

// runAnalysis executes one analysis run. The context is detached from the
// session so a stop lets the run finish instead of wasting the model call.
func (s *Session) runAnalysis(w *window.Window) {
	defer s.runWG.Done()
	defer s.slot.done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.runTimeout)
	defer cancel()

	res, err := s.coord.engine.Analyze(ctx, w)
	if err != nil {
		slog.Error("live: analysis aborted", "session", s.id, "err", err)
		return
	}

	s.coord.metrics.RecordRun(ctx, res.Status.String(), res.Decision.Route.String(), res.Elapsed.Seconds())
	if res.GenerateElapsed > 0 {
		s.coord.metrics.RecordGenerate(ctx, res.Model, res.GenerateElapsed.Seconds())
	}
	if res.Status == flow.StatusOK {
		slog.Info("live: analysis complete",
			"session", s.id, "route", res.Decision.Route, "summary", res.Summary)
	} else {
		slog.Warn("live: analysis failed",
			"session", s.id, "stage", res.FailedStage, "err", res.Error)
	}

	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
	s.coord.publish(s.entityID, res)
}

// PushDanmu classifies one chat message and attributes it to the current
// window. Safe from any goroutine.
func (s *Session) PushDanmu(ctx context.Context, msg *danmu.Message) error {
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return errors.New("live: empty chat message")
	}
	if !s.State().Active() {
		return ErrSessionStopped
	}
	sig := msg.Signal()
	s.coord.metrics.RecordDanmu(ctx, sig.Category.String())
	s.collector.AddSignal(sig)
	slog.Debug("live: chat signal",
		"session", s.id, "category", sig.Category, "user", msg.User)
	return nil
}

// Transcript returns the last n committed entries, all of them when n <= 0.
func (s *Session) Transcript(n int) []*transcript.Entry {
	if n <= 0 {
		return s.log.All()
	}
	return s.log.Tail(n)
}

// Results returns all analysis results so far, oldest first. The results
// are shared and must be treated as read-only.
func (s *Session) Results() []*flow.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*flow.Result, len(s.results))
	copy(out, s.results)
	return out
}

// Status snapshots the session.
func (s *Session) Status() *Status {
	pe, ps := s.collector.Pending()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &Status{
		SessionID:      s.id,
		EntityID:       s.entityID,
		State:          s.state,
		StartedAt:      s.startedAt,
		Committed:      s.log.Len(),
		Open:           s.open,
		PendingEntries: pe,
		PendingSignals: ps,
		Runs:           len(s.results),
	}
	if n := len(s.results); n > 0 {
		st.LastSummary = s.results[n-1].Summary
	}
	return st
}

// setState moves the session forward. Stop states win over the transitions
// reported by the run slot.
func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopping || s.state == StateStopped {
		if st != StateStopped {
			return
		}
	}
	s.state = st
}

func (s *Session) forceState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// stop shuts the session down: cancel the loops, close the source, wait for
// the in-flight run, then archive. The window being collected when stop is
// called is discarded, only closed windows are ever analyzed.
func (s *Session) stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.forceState(StateStopping)
		s.cancel()
		if err := s.source.Close(); err != nil {
			slog.Warn("live: source close", "session", s.id, "err", err)
		}
		if err := s.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("live: session tasks ended with error", "session", s.id, "err", err)
		}
		if abandoned := s.slot.stop(); abandoned != nil {
			s.coord.metrics.RecordDroppedWindow(ctx)
			slog.Warn("live: queued window abandoned at stop",
				"session", s.id,
				"start", abandoned.Start.Time().Format(time.RFC3339),
				"end", abandoned.End.Time().Format(time.RFC3339))
		}
		s.runWG.Wait()
		s.stopErr = s.archiveAll(ctx)
		s.forceState(StateStopped)
		close(s.stopped)
	})
	<-s.stopped
	return s.stopErr
}

func (s *Session) archiveAll(ctx context.Context) error {
	if s.coord.archive == nil {
		return nil
	}
	entries := s.log.All()
	results := s.Results()
	if err := s.coord.archive.SaveSession(ctx, s.entityID, s.id, entries, results); err != nil {
		return err
	}
	if len(entries) > 0 || len(results) > 0 {
		slog.Info("live: session archived",
			"session", s.id, "entries", len(entries), "results", len(results))
	}
	return nil
}
