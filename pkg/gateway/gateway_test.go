package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/asr"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/flow"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/kv"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/live"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/llm"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/persona"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/transcript"
)

const testCard = `{
	"overview": "色号讲解互动稳定",
	"sentiment": "neutral",
	"next_actions": ["继续讲解"],
	"confidence": 0.7
}`

type stubGen struct{ json string }

var _ llm.Generator = (*stubGen)(nil)

func (g *stubGen) Invoke(context.Context, string, *llm.Request) (*llm.Response, error) {
	return &llm.Response{JSON: []byte(g.json), Model: "test-model"}, nil
}

func newTestServer(t *testing.T, opts ...live.Option) (*Server, *live.Coordinator) {
	t.Helper()
	eng, err := flow.New(&flow.Env{
		Personas:  persona.NewStore(kv.NewMemory(nil)),
		Generator: &stubGen{json: testCard},
		Model:     "test/analysis",
	})
	if err != nil {
		t.Fatalf("flow.New: %v", err)
	}
	coord, err := live.New(eng, append([]live.Option{live.WithWindowEvery(time.Hour)}, opts...)...)
	if err != nil {
		t.Fatalf("live.New: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close(context.Background()) })
	return NewServer(coord), coord
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSessionCRUD(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]string{
		"session_id": "sess-1", "entity_id": "host-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body)
	}
	st := decodeBody[*live.Status](t, rec)
	if st.SessionID != "sess-1" || st.EntityID != "host-1" || st.State != live.StateListening {
		t.Errorf("status = %+v", st)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	if list := decodeBody[[]*live.Status](t, rec); len(list) != 1 {
		t.Errorf("sessions = %d, want 1", len(list))
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/sessions/sess-1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/events", map[string]any{
		"seq": 1, "op": "final", "text": "今天讲口红色号",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("push event = %d: %s", rec.Code, rec.Body)
	}

	// Ingestion is asynchronous; poll the transcript endpoint.
	deadline := time.Now().Add(2 * time.Second)
	var entries []*transcript.Entry
	for time.Now().Before(deadline) {
		rec = doJSON(t, srv, http.MethodGet, "/v1/entities/host-1/transcript", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("transcript = %d", rec.Code)
		}
		entries = decodeBody[[]*transcript.Entry](t, rec)
		if len(entries) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(entries) != 1 || entries[0].Text != "今天讲口红色号" {
		t.Fatalf("transcript entries = %v", entries)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/danmu", map[string]string{
		"user": "小鱼", "text": "这个口红多少钱?",
	})
	if rec.Code != http.StatusAccepted {
		t.Errorf("push danmu = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/v1/sessions/sess-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("stop = %d: %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, srv, http.MethodGet, "/v1/sessions/sess-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after stop = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-1/events", map[string]any{
		"seq": 2, "op": "final", "text": "还有人吗",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("push after stop = %d", rec.Code)
	}
}

func TestStartSessionValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing entity = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]string{
		"entity_id": "host-1", "window_every": "10s",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short cadence = %d: %s", rec.Code, rec.Body)
	}
	if body := decodeBody[map[string]string](t, rec); !strings.Contains(body["error"], "window_every") {
		t.Errorf("error body = %v", body)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader("{broken"))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("broken body = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]string{
		"entity_id": "host-1", "window_every": "45s",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("valid cadence = %d: %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]string{
		"entity_id": "host-1",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("busy entity = %d", rec.Code)
	}
}

func TestPushEventErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/sessions/nope/events", map[string]any{
		"seq": 1, "op": "final", "text": "喂",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session = %d", rec.Code)
	}

	doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]string{
		"session_id": "sess-ev", "entity_id": "host-1",
	})
	rec = doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-ev/events", map[string]any{
		"seq": 1, "op": "rewind", "text": "倒带",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown op = %d: %s", rec.Code, rec.Body)
	}
}

func TestPushDanmuErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/sessions/nope/danmu", map[string]string{
		"user": "u", "text": "你好",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session = %d", rec.Code)
	}

	doJSON(t, srv, http.MethodPost, "/v1/sessions", map[string]string{
		"session_id": "sess-dm", "entity_id": "host-1",
	})
	rec = doJSON(t, srv, http.MethodPost, "/v1/sessions/sess-dm/danmu", map[string]string{
		"user": "u", "text": "   ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank text = %d", rec.Code)
	}
}

func TestStream(t *testing.T) {
	srv, coord := newTestServer(t, live.WithWindowEvery(30*time.Millisecond))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/entities/host-1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()

	if _, err := coord.StartSession(context.Background(), live.SessionConfig{
		EntityID: "host-1", Source: asr.NewPush(0),
	}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var res flow.Result
	if err := conn.ReadJSON(&res); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if res.EntityID != "host-1" || res.Status != flow.StatusOK {
		t.Errorf("result = %s %s", res.EntityID, res.Status)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if body := decodeBody[map[string]string](t, rec); body["status"] != "ok" {
		t.Errorf("healthz body = %v", body)
	}

	rec = doJSON(t, srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "# ") {
		t.Errorf("metrics body looks empty: %q", rec.Body.String()[:min(80, rec.Body.Len())])
	}
}
