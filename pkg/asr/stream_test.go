package asr_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/asr"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// gatewayHandler drives one accepted connection. dial counts from 1.
type gatewayHandler func(t *testing.T, conn *websocket.Conn, dial int)

func newGateway(t *testing.T, handler gatewayHandler) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(t, conn, int(dials.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return srv, &dials
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readSubscribe consumes the subscribe frame every connection starts with.
func readSubscribe(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var sub map[string]any
	if err := conn.ReadJSON(&sub); err != nil {
		t.Errorf("read subscribe: %v", err)
		return nil
	}
	if sub["type"] != "subscribe" {
		t.Errorf("first frame type = %v, want subscribe", sub["type"])
	}
	return sub
}

func sendEvent(t *testing.T, conn *websocket.Conn, seq int64, op, text string) {
	t.Helper()
	msg := fmt.Sprintf(`{"seq":%d,"op":%q,"text":%q,"time_sec":%d.5}`, seq, op, text, 1756100000+seq)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Errorf("write event: %v", err)
	}
}

// binaryFrame wraps a payload in the gateway's binary framing.
func binaryFrame(msgType byte, payload []byte, gzipped bool) []byte {
	comp := byte(0)
	if gzipped {
		comp = 1
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Write(payload)
		zw.Close()
		payload = buf.Bytes()
	}
	frame := []byte{0x11, msgType<<4 | 0x01, 0x10 | comp, 0x00, 0, 0, 0, 0}
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	return append(frame, payload...)
}

func TestStreamReceivesEvents(t *testing.T) {
	srv, _ := newGateway(t, func(t *testing.T, conn *websocket.Conn, dial int) {
		defer conn.Close()
		sub := readSubscribe(t, conn)
		if sub["session_id"] != "live-1" {
			t.Errorf("session_id = %v, want live-1", sub["session_id"])
		}
		sendEvent(t, conn, 1, "append", "今天")
		sendEvent(t, conn, 2, "append", "天气不错")
		sendEvent(t, conn, 3, "final", "今天天气不错")
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	})

	st, err := asr.Dial(context.Background(), asr.StreamConfig{
		URL:       wsURL(srv),
		SessionID: "live-1",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer st.Close()

	var texts []string
	for ev, err := range st.Events() {
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		texts = append(texts, ev.Op.String()+":"+ev.Text)
		if len(texts) == 3 {
			break
		}
	}
	want := "append:今天,append:天气不错,final:今天天气不错"
	if got := strings.Join(texts, ","); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
}

func TestStreamReconnects(t *testing.T) {
	srv, dials := newGateway(t, func(t *testing.T, conn *websocket.Conn, dial int) {
		defer conn.Close()
		sub := readSubscribe(t, conn)
		switch dial {
		case 1:
			sendEvent(t, conn, 1, "append", "大家好")
			sendEvent(t, conn, 2, "final", "大家好")
			// Abrupt drop; the client should redial.
		case 2:
			if got, _ := sub["resume_seq"].(float64); int64(got) != 2 {
				t.Errorf("resume_seq = %v, want 2", sub["resume_seq"])
			}
			sendEvent(t, conn, 3, "final", "欢迎来到直播间")
			conn.ReadMessage()
		}
	})

	st, err := asr.Dial(context.Background(), asr.StreamConfig{
		URL:              wsURL(srv),
		SessionID:        "live-1",
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer st.Close()

	var seqs []int64
	for ev, err := range st.Events() {
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		seqs = append(seqs, ev.Seq)
		if len(seqs) == 3 {
			break
		}
	}
	if len(seqs) != 3 || seqs[2] != 3 {
		t.Errorf("seqs = %v, want [1 2 3]", seqs)
	}
	if got := dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestStreamBinaryFrames(t *testing.T) {
	plain, _ := json.Marshal(asr.Event{Seq: 1, Op: asr.OpAppend, Text: "宝子们"})
	zipped, _ := json.Marshal(asr.Event{Seq: 2, Op: asr.OpFinal, Text: "宝子们好"})

	srv, _ := newGateway(t, func(t *testing.T, conn *websocket.Conn, dial int) {
		defer conn.Close()
		readSubscribe(t, conn)
		conn.WriteMessage(websocket.BinaryMessage, binaryFrame(9, plain, false))
		conn.WriteMessage(websocket.BinaryMessage, binaryFrame(9, zipped, true))
		conn.ReadMessage()
	})

	st, err := asr.Dial(context.Background(), asr.StreamConfig{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer st.Close()

	var texts []string
	for ev, err := range st.Events() {
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		texts = append(texts, ev.Text)
		if len(texts) == 2 {
			break
		}
	}
	if texts[0] != "宝子们" || texts[1] != "宝子们好" {
		t.Errorf("texts = %v", texts)
	}
}

func TestStreamGatewayError(t *testing.T) {
	errPayload, _ := json.Marshal(asr.GatewayError{Code: 401, Message: "bad token"})
	srv, _ := newGateway(t, func(t *testing.T, conn *websocket.Conn, dial int) {
		defer conn.Close()
		readSubscribe(t, conn)
		conn.WriteMessage(websocket.BinaryMessage, binaryFrame(15, errPayload, false))
		conn.ReadMessage()
	})

	st, err := asr.Dial(context.Background(), asr.StreamConfig{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer st.Close()

	var sawErr *asr.GatewayError
	for _, err := range st.Events() {
		if err != nil {
			if !errors.As(err, &sawErr) {
				t.Fatalf("Events error = %v, want GatewayError", err)
			}
			break
		}
	}
	if sawErr == nil || sawErr.Code != 401 {
		t.Fatalf("gateway error = %+v, want code 401", sawErr)
	}
}

func TestDialFailsFast(t *testing.T) {
	_, err := asr.Dial(context.Background(), asr.StreamConfig{URL: "ws://127.0.0.1:1/asr"})
	if err == nil {
		t.Fatal("Dial against a dead endpoint should fail")
	}
	if _, err := asr.Dial(context.Background(), asr.StreamConfig{}); err == nil {
		t.Fatal("Dial without URL should fail")
	}
}
