package flow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/kv"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/persona"
)

// runBoth analyzes the same fixture through the graph and sequential
// runners, each over its own store, and returns the two results.
func runBoth(t *testing.T, gen1, gen2 *fakeGen) (*Result, *Result) {
	t.Helper()
	ctx := context.Background()

	env1, _ := newTestEnv(t, gen1)
	graph, err := New(env1)
	if err != nil {
		t.Fatalf("New(graph): %v", err)
	}
	env2, _ := newTestEnv(t, gen2)
	seq, err := New(env2, WithSequential())
	if err != nil {
		t.Fatalf("New(sequential): %v", err)
	}

	r1, err := graph.Analyze(ctx, testWindow())
	if err != nil {
		t.Fatalf("graph Analyze: %v", err)
	}
	r2, err := seq.Analyze(ctx, testWindow())
	if err != nil {
		t.Fatalf("sequential Analyze: %v", err)
	}
	return r1, r2
}

func resultJSON(t *testing.T, r *Result) string {
	t.Helper()
	r.Elapsed = jsontime.Duration(0)
	r.GenerateElapsed = jsontime.Duration(0)
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return string(b)
}

func TestRunnersIdenticalOnSuccess(t *testing.T) {
	r1, r2 := runBoth(t, &fakeGen{json: goodCard}, &fakeGen{json: goodCard})
	if !r1.OK() || !r2.OK() {
		t.Fatalf("runs failed: graph=%s sequential=%s", r1.Error, r2.Error)
	}
	if g, s := resultJSON(t, r1), resultJSON(t, r2); g != s {
		t.Errorf("runner results diverge:\ngraph:      %s\nsequential: %s", g, s)
	}
}

func TestRunnersIdenticalOnFailure(t *testing.T) {
	fail := errors.New("upstream 500")
	r1, r2 := runBoth(t, &fakeGen{err: fail}, &fakeGen{err: fail})
	if r1.OK() || r2.OK() {
		t.Fatal("runs with failing generator succeeded")
	}
	if g, s := resultJSON(t, r1), resultJSON(t, r2); g != s {
		t.Errorf("runner failures diverge:\ngraph:      %s\nsequential: %s", g, s)
	}
}

func TestRunnerSelection(t *testing.T) {
	env, _ := newTestEnv(t, &fakeGen{json: goodCard})
	eng, err := New(env)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := eng.Runner().(*Graph); !ok {
		t.Errorf("default runner is %T, want *Graph", eng.Runner())
	}

	eng, err = New(env, WithSequential())
	if err != nil {
		t.Fatalf("New(WithSequential): %v", err)
	}
	if _, ok := eng.Runner().(*Sequential); !ok {
		t.Errorf("runner is %T, want *Sequential", eng.Runner())
	}
}

func TestGraphOrderMatchesStageTable(t *testing.T) {
	p := &pipeline{env: &Env{}}
	g, err := newGraph(p)
	if err != nil {
		t.Fatalf("newGraph: %v", err)
	}
	want := p.stages()
	if len(g.order) != len(want) {
		t.Fatalf("order has %d stages, want %d", len(g.order), len(want))
	}
	for i := range want {
		if g.order[i].stage != want[i].stage {
			t.Errorf("order[%d] = %s, want %s", i, g.order[i].stage, want[i].stage)
		}
	}
}

func TestGraphDetectsCycle(t *testing.T) {
	g := &Graph{
		nodes: []stageNode{
			{stage: StagePersonaLoad},
			{stage: StageSignalNormalize},
		},
		edges: map[Stage][]Stage{
			StagePersonaLoad:     {StageSignalNormalize},
			StageSignalNormalize: {StagePersonaLoad},
		},
	}
	if _, err := g.schedule(); err == nil {
		t.Fatal("cyclic graph scheduled")
	}
}

func TestGraphRejectsUnknownEdge(t *testing.T) {
	g := &Graph{
		nodes: []stageNode{{stage: StagePersonaLoad}},
		edges: map[Stage][]Stage{
			StagePersonaLoad: {StageGenerate},
		},
	}
	if _, err := g.schedule(); err == nil {
		t.Fatal("edge to unknown stage accepted")
	}
}

func TestNewValidatesEnv(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("nil env accepted")
	}
	store := persona.NewStore(kv.NewMemory(nil))
	cases := []struct {
		name string
		env  *Env
	}{
		{"no personas", &Env{Generator: &fakeGen{}, Model: "m"}},
		{"no generator", &Env{Personas: store, Model: "m"}},
		{"no model", &Env{Personas: store, Generator: &fakeGen{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.env); err == nil {
				t.Error("incomplete env accepted")
			}
		})
	}
}

func TestAnalyzeRejectsBadWindow(t *testing.T) {
	env, _ := newTestEnv(t, &fakeGen{json: goodCard})
	eng, err := New(env)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.Analyze(context.Background(), nil); err == nil {
		t.Error("nil window accepted")
	}
	w := testWindow()
	w.EntityID = ""
	if _, err := eng.Analyze(context.Background(), w); err == nil {
		t.Error("window without entity accepted")
	}
}

func TestRouteCodec(t *testing.T) {
	for _, r := range []Route{RouteDeepen, RouteEnergize, RouteCallToAction, RouteAnswer} {
		b, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal %s: %v", r, err)
		}
		var back Route
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if back != r {
			t.Errorf("round trip %s -> %s", r, back)
		}
	}
	var r Route
	if err := json.Unmarshal([]byte(`"moonwalk"`), &r); err == nil {
		t.Error("unknown route accepted")
	}
}

func TestStatusCodec(t *testing.T) {
	b, err := json.Marshal(StatusFailed)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"failed"` {
		t.Errorf("marshal = %s", b)
	}
	var s Status
	if err := json.Unmarshal([]byte(`"ok"`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != StatusOK {
		t.Errorf("unmarshal = %v", s)
	}
}
