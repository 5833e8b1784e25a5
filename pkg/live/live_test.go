package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/asr"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/danmu"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/flow"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/kv"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/llm"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/observe"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/persona"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/storage"
)

const testCard = `{
	"overview": "观众对色号讨论集中,互动节奏稳定",
	"sentiment": "positive",
	"highlights": ["试色环节弹幕明显变多"],
	"next_actions": ["继续按色号顺序讲解"],
	"confidence": 0.8
}`

// testGen is a concurrency-safe fake model endpoint. A non-nil gate blocks
// every call until the gate is closed, which lets tests hold a run in flight.
type testGen struct {
	mu          sync.Mutex
	json        string
	err         error
	gate        chan struct{}
	calls       int
	inFlight    int
	maxInFlight int
}

var _ llm.Generator = (*testGen)(nil)

func (g *testGen) Invoke(ctx context.Context, _ string, _ *llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	g.calls++
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	gate, genErr, body := g.gate, g.err, g.json
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if genErr != nil {
		return nil, genErr
	}
	return &llm.Response{JSON: []byte(body), Model: "test-model"}, nil
}

func (g *testGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *testGen) maxConcurrent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInFlight
}

func newTestEngine(t *testing.T, gen llm.Generator) *flow.Engine {
	t.Helper()
	eng, err := flow.New(&flow.Env{
		Personas:  persona.NewStore(kv.NewMemory(nil)),
		Generator: gen,
		Model:     "test/analysis",
	})
	if err != nil {
		t.Fatalf("flow.New: %v", err)
	}
	return eng
}

func newTestCoordinator(t *testing.T, gen llm.Generator, opts ...Option) *Coordinator {
	t.Helper()
	coord, err := New(newTestEngine(t, gen), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close(context.Background()) })
	return coord
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name != name {
				continue
			}
			sum, ok := sm.Metrics[i].Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func send(t *testing.T, p *asr.Push, seq int64, op asr.Op, text string) {
	t.Helper()
	err := p.Send(context.Background(), &asr.Event{Seq: seq, Op: op, Text: text})
	if err != nil {
		t.Fatalf("send seq %d: %v", seq, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	gen := &testGen{json: testCard}
	coord := newTestCoordinator(t, gen, WithWindowEvery(40*time.Millisecond))
	push := asr.NewPush(0)

	s, err := coord.StartSession(ctx, SessionConfig{
		SessionID: "sess-1",
		EntityID:  "host-1",
		Source:    push,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if s.State() != StateListening {
		t.Errorf("state = %v, want listening", s.State())
	}

	send(t, push, 1, asr.OpAppend, "大家好")
	waitFor(t, 2*time.Second, "open hypothesis", func() bool {
		return s.Status().Open == "大家好"
	})

	send(t, push, 2, asr.OpReplace, "大家好,今天试色全新口红")
	send(t, push, 3, asr.OpFinal, "大家好,今天试色全新口红")
	if err := s.PushDanmu(ctx, &danmu.Message{User: "小鱼", Text: "这个口红多少钱?"}); err != nil {
		t.Fatalf("PushDanmu: %v", err)
	}

	waitFor(t, 2*time.Second, "committed entry", func() bool {
		st := s.Status()
		return st.Committed == 1 && st.Open == ""
	})

	// The utterance lands in some window; that window's run must carry it.
	waitFor(t, 3*time.Second, "analysis of the spoken window", func() bool {
		for _, r := range s.Results() {
			if r.Window != nil && len(r.Window.Entries) == 1 {
				return r.Status == flow.StatusOK && r.EntityID == "host-1"
			}
		}
		return false
	})

	if err := coord.StopSession(ctx, "sess-1"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state after stop = %v", s.State())
	}
	if _, err := coord.Session("sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Session after stop = %v, want ErrSessionNotFound", err)
	}
	if err := coord.StopSession(ctx, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second stop = %v, want ErrSessionNotFound", err)
	}
}

func TestStartSessionValidation(t *testing.T) {
	ctx := context.Background()
	gen := &testGen{json: testCard}
	coord := newTestCoordinator(t, gen, WithWindowEvery(time.Second))

	if _, err := coord.StartSession(ctx, SessionConfig{Source: asr.NewPush(0)}); err == nil {
		t.Error("empty entity accepted")
	}
	if _, err := coord.StartSession(ctx, SessionConfig{EntityID: "host-1"}); err == nil {
		t.Error("nil source accepted")
	}

	if _, err := coord.StartSession(ctx, SessionConfig{
		SessionID: "dup", EntityID: "host-1", Source: asr.NewPush(0),
	}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	_, err := coord.StartSession(ctx, SessionConfig{
		SessionID: "dup", EntityID: "host-2", Source: asr.NewPush(0),
	})
	if !errors.Is(err, ErrSessionExists) {
		t.Errorf("duplicate id = %v, want ErrSessionExists", err)
	}
	_, err = coord.StartSession(ctx, SessionConfig{
		EntityID: "host-1", Source: asr.NewPush(0),
	})
	if !errors.Is(err, ErrEntityBusy) {
		t.Errorf("second session for entity = %v, want ErrEntityBusy", err)
	}
}

func TestSingleRunInFlight(t *testing.T) {
	ctx := context.Background()
	gen := &testGen{json: testCard, gate: make(chan struct{})}
	m, reader := newTestMetrics(t)
	coord := newTestCoordinator(t, gen,
		WithWindowEvery(30*time.Millisecond), WithMetrics(m))
	push := asr.NewPush(0)

	s, err := coord.StartSession(ctx, SessionConfig{EntityID: "host-1", Source: push})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	waitFor(t, 2*time.Second, "first run to start", func() bool {
		return gen.callCount() == 1
	})
	if s.State() != StateAnalyzing {
		t.Errorf("state = %v, want analyzing while a run is gated", s.State())
	}

	// Several more windows close while the run is held; the queue keeps
	// only the newest and counts the rest as dropped.
	waitFor(t, 2*time.Second, "a queued window to be dropped", func() bool {
		return counterValue(t, reader, "timao.windows.dropped") >= 1
	})
	if got := gen.callCount(); got != 1 {
		t.Fatalf("calls = %d while gated, want 1", got)
	}

	close(gen.gate)
	waitFor(t, 2*time.Second, "backlog to drain", func() bool {
		return gen.callCount() >= 2
	})
	if err := coord.StopSession(ctx, s.ID()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if got := gen.maxConcurrent(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	ctx := context.Background()
	gen := &testGen{json: testCard, gate: make(chan struct{})}
	sink, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	coord := newTestCoordinator(t, gen,
		WithWindowEvery(35*time.Millisecond), WithArchive(storage.NewArchive(sink)))
	push := asr.NewPush(0)

	s, err := coord.StartSession(ctx, SessionConfig{
		SessionID: "sess-arc", EntityID: "host-9", Source: push,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	send(t, push, 1, asr.OpFinal, "今天讲解口红色号对比")
	waitFor(t, 2*time.Second, "a run to start", func() bool {
		return gen.callCount() >= 1
	})

	done := make(chan error, 1)
	go func() { done <- coord.StopSession(ctx, "sess-arc") }()
	select {
	case <-done:
		t.Fatal("stop returned while a run was in flight")
	case <-time.After(60 * time.Millisecond):
	}

	close(gen.gate)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StopSession: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop never returned")
	}
	if s.State() != StateStopped {
		t.Errorf("state = %v, want stopped", s.State())
	}

	arc := storage.NewArchive(sink)
	results, err := arc.ReadResults(ctx, "host-9", "sess-arc")
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("archived results = %d, want exactly the in-flight run", len(results))
	}
	entries, err := arc.ReadTranscript(ctx, "host-9", "sess-arc")
	if err != nil {
		t.Fatalf("ReadTranscript: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "今天讲解口红色号对比" {
		t.Errorf("archived transcript = %v", entries)
	}
}

func TestSubscribeFanOut(t *testing.T) {
	ctx := context.Background()
	gen := &testGen{json: testCard}
	coord := newTestCoordinator(t, gen, WithWindowEvery(30*time.Millisecond))

	sub1, cancel1 := coord.Subscribe("host-1")
	defer cancel1()
	sub2, cancel2 := coord.Subscribe("host-1")

	if _, err := coord.StartSession(ctx, SessionConfig{
		EntityID: "host-1", Source: asr.NewPush(0),
	}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	recv := func(ch <-chan *flow.Result) *flow.Result {
		t.Helper()
		select {
		case r := <-ch:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("no result delivered")
			return nil
		}
	}
	r1, r2 := recv(sub1), recv(sub2)
	if r1.EntityID != "host-1" || r2.EntityID != "host-1" {
		t.Errorf("results for %q and %q, want host-1", r1.EntityID, r2.EntityID)
	}

	cancel2()
	waitFor(t, 2*time.Second, "cancelled channel to close", func() bool {
		select {
		case _, ok := <-sub2:
			return !ok
		default:
			return false
		}
	})

	// The remaining subscriber keeps receiving.
	recv(sub1)
}

func TestPushDanmu(t *testing.T) {
	ctx := context.Background()
	gen := &testGen{json: testCard}
	coord := newTestCoordinator(t, gen, WithWindowEvery(time.Hour))

	s, err := coord.StartSession(ctx, SessionConfig{
		EntityID: "host-1", Source: asr.NewPush(0),
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := s.PushDanmu(ctx, &danmu.Message{User: "路人", Text: "  "}); err == nil {
		t.Error("blank chat message accepted")
	}
	if err := s.PushDanmu(ctx, &danmu.Message{User: "小鱼", Text: "主播加油"}); err != nil {
		t.Fatalf("PushDanmu: %v", err)
	}
	if got := s.Status().PendingSignals; got != 1 {
		t.Errorf("pending signals = %d, want 1", got)
	}

	if err := coord.StopSession(ctx, s.ID()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if err := s.PushDanmu(ctx, &danmu.Message{User: "小鱼", Text: "还在吗"}); !errors.Is(err, ErrSessionStopped) {
		t.Errorf("push after stop = %v, want ErrSessionStopped", err)
	}
}

func TestDedupKeepsWindowAligned(t *testing.T) {
	ctx := context.Background()
	gen := &testGen{json: testCard}
	coord := newTestCoordinator(t, gen, WithWindowEvery(time.Hour))
	push := asr.NewPush(0)

	s, err := coord.StartSession(ctx, SessionConfig{EntityID: "host-1", Source: push})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	send(t, push, 1, asr.OpFinal, "今天带来全新口红色号")
	send(t, push, 2, asr.OpFinal, "今天带来全新口红色号!")

	waitFor(t, 2*time.Second, "dedup to settle", func() bool {
		st := s.Status()
		return st.Committed == 1 && st.PendingEntries == 1
	})
	if got := len(s.Transcript(0)); got != 1 {
		t.Errorf("transcript entries = %d, want 1", got)
	}
}

func TestCoordinatorClose(t *testing.T) {
	ctx := context.Background()
	gen := &testGen{json: testCard}
	coord := newTestCoordinator(t, gen, WithWindowEvery(time.Hour))

	sa, err := coord.StartSession(ctx, SessionConfig{
		SessionID: "s-a", EntityID: "host-a", Source: asr.NewPush(0),
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := coord.StartSession(ctx, SessionConfig{
		SessionID: "s-b", EntityID: "host-b", Source: asr.NewPush(0),
	}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if got := len(coord.Sessions()); got != 2 {
		t.Fatalf("sessions = %d, want 2", got)
	}
	es, err := coord.EntitySession("host-a")
	if err != nil || es != sa {
		t.Errorf("EntitySession = %v, %v", es, err)
	}

	if err := coord.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(coord.Sessions()); got != 0 {
		t.Errorf("sessions after close = %d", got)
	}
	if _, err := coord.StartSession(ctx, SessionConfig{
		EntityID: "host-c", Source: asr.NewPush(0),
	}); !errors.Is(err, ErrClosed) {
		t.Errorf("start after close = %v, want ErrClosed", err)
	}
}
