package asr_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/asr"
	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/jsontime"
)

func TestOpJSON(t *testing.T) {
	cases := []struct {
		op   asr.Op
		want string
	}{
		{asr.OpAppend, `"append"`},
		{asr.OpReplace, `"replace"`},
		{asr.OpFinal, `"final"`},
		{asr.OpUnknown, `"unknown"`},
	}
	for _, c := range cases {
		data, err := json.Marshal(c.op)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", c.op, err)
		}
		if string(data) != c.want {
			t.Errorf("Marshal(%v) = %s, want %s", c.op, data, c.want)
		}
	}

	var op asr.Op
	if err := json.Unmarshal([]byte(`"replace"`), &op); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if op != asr.OpReplace {
		t.Errorf("Unmarshal replace = %v", op)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &op); err != nil {
		t.Fatalf("Unmarshal bogus: %v", err)
	}
	if op != asr.OpUnknown {
		t.Errorf("Unmarshal bogus = %v, want OpUnknown", op)
	}
}

func TestEventWireFormat(t *testing.T) {
	raw := []byte(`{"session_id":"live-1","seq":7,"op":"append","text":"今天","time_sec":1756100000.25,"confidence":0.92,"speaker_scores":[0.9,0.1]}`)

	var ev asr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.SessionID != "live-1" || ev.Seq != 7 || ev.Op != asr.OpAppend || ev.Text != "今天" {
		t.Errorf("decoded event = %+v", ev)
	}
	if got := ev.Time.Time().UnixMilli(); got != 1756100000250 {
		t.Errorf("time = %d ms, want 1756100000250", got)
	}
	if len(ev.SpeakerScores) != 2 {
		t.Errorf("speaker_scores = %v", ev.SpeakerScores)
	}
	if err := ev.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEventValidate(t *testing.T) {
	ev := &asr.Event{Seq: 1, Op: asr.OpUnknown, Text: "x"}
	if err := ev.Validate(); err == nil {
		t.Error("unknown op should fail validation")
	}
	ev = &asr.Event{Seq: -1, Op: asr.OpAppend}
	if err := ev.Validate(); err == nil {
		t.Error("negative seq should fail validation")
	}
	// Empty text is legal: a final may retract the utterance.
	ev = &asr.Event{Seq: 2, Op: asr.OpFinal, Text: ""}
	if err := ev.Validate(); err != nil {
		t.Errorf("empty final should validate: %v", err)
	}
}

func TestPushSource(t *testing.T) {
	ctx := context.Background()
	p := asr.NewPush(4)

	send := func(seq int64, op asr.Op, text string) {
		t.Helper()
		err := p.Send(ctx, &asr.Event{Seq: seq, Op: op, Text: text, Time: jsontime.NowSeconds()})
		if err != nil {
			t.Fatalf("Send seq=%d: %v", seq, err)
		}
	}
	send(1, asr.OpAppend, "你好")
	send(2, asr.OpFinal, "你好")

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Send(ctx, &asr.Event{Seq: 3, Op: asr.OpAppend, Text: "x"}); !errors.Is(err, asr.ErrClosed) {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}

	// Buffered events stay readable after close, then the stream ends.
	var seqs []int64
	for ev, err := range p.Events() {
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		seqs = append(seqs, ev.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("drained seqs = %v, want [1 2]", seqs)
	}
}

func TestPushRejectsInvalid(t *testing.T) {
	p := asr.NewPush(1)
	defer p.Close()
	err := p.Send(context.Background(), &asr.Event{Seq: 1, Op: asr.OpUnknown})
	if err == nil {
		t.Error("Send with unknown op should fail")
	}
}
