package asr

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/gorilla/websocket"
)

// GatewayError is an error frame reported by the recognizer gateway.
type GatewayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("asr: gateway error %d: %s", e.Code, e.Message)
}

// StreamConfig configures a websocket stream to the recognizer gateway.
type StreamConfig struct {
	// URL is the websocket endpoint, e.g. "ws://127.0.0.1:8090/asr".
	URL string

	// Token authenticates against the gateway. Optional.
	Token string

	// SessionID names the recognizer session to subscribe to.
	SessionID string

	// Language is the recognition language hint, e.g. "zh-CN".
	Language string

	// ReconnectInitial is the first redial delay. Default 500ms.
	ReconnectInitial time.Duration

	// ReconnectMax caps the redial delay. Default 15s.
	ReconnectMax time.Duration
}

func (c *StreamConfig) backoff() gax.Backoff {
	b := gax.Backoff{Initial: c.ReconnectInitial, Max: c.ReconnectMax, Multiplier: 1.6}
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 15 * time.Second
	}
	return b
}

// Stream is a Source over a websocket connection to the recognizer gateway.
// Read failures redial with exponential backoff until the context is
// cancelled or Close is called; consumers observe one continuous event
// sequence across redials.
type Stream struct {
	cfg    StreamConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cur     *session
	lastSeq int64
	closed  bool
}

var _ Source = (*Stream)(nil)

// Dial connects to the recognizer gateway and subscribes to the configured
// session. The initial dial failing is terminal; later failures redial.
func Dial(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("asr: StreamConfig.URL is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &Stream{cfg: cfg, ctx: ctx, cancel: cancel}
	sess, err := dialSession(ctx, cfg, 0)
	if err != nil {
		cancel()
		return nil, err
	}
	st.cur = sess
	return st, nil
}

// Events implements Source.
func (st *Stream) Events() iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		backoff := st.cfg.backoff()
		for {
			st.mu.Lock()
			sess := st.cur
			closed := st.closed
			st.mu.Unlock()
			if closed || sess == nil {
				return
			}

			healthy := false
			for ev, err := range sess.events() {
				if err != nil {
					var gwErr *GatewayError
					if errors.As(err, &gwErr) {
						yield(nil, gwErr)
						return
					}
					slog.Warn("asr: stream interrupted", "session", st.cfg.SessionID, "err", err)
					break
				}
				healthy = true
				st.trackSeq(ev)
				if !yield(ev, nil) {
					return
				}
			}
			if healthy {
				backoff = st.cfg.backoff()
			}

			if !st.redial(&backoff) {
				return
			}
		}
	}
}

// redial re-establishes the session after an interruption. Reports false
// when the stream is closed or the context is cancelled.
func (st *Stream) redial(backoff *gax.Backoff) bool {
	for {
		select {
		case <-st.ctx.Done():
			return false
		case <-time.After(backoff.Pause()):
		}

		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			return false
		}
		resume := st.lastSeq
		st.mu.Unlock()

		sess, err := dialSession(st.ctx, st.cfg, resume)
		if err != nil {
			slog.Warn("asr: redial failed", "session", st.cfg.SessionID, "err", err)
			continue
		}
		slog.Info("asr: stream reconnected", "session", st.cfg.SessionID, "resume_seq", resume)

		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			sess.close()
			return false
		}
		st.cur = sess
		st.mu.Unlock()
		return true
	}
}

func (st *Stream) trackSeq(ev *Event) {
	st.mu.Lock()
	if ev.Seq <= st.lastSeq && st.lastSeq > 0 {
		slog.Debug("asr: replayed event after reconnect", "seq", ev.Seq, "last_seq", st.lastSeq)
	} else {
		st.lastSeq = ev.Seq
	}
	st.mu.Unlock()
}

// Close implements Source.
func (st *Stream) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	sess := st.cur
	st.mu.Unlock()

	st.cancel()
	if sess != nil {
		sess.close()
	}
	return nil
}

// session is a single websocket connection. The receive loop decodes frames
// into events until the connection drops or the session is closed.
type session struct {
	conn      *websocket.Conn
	recvChan  chan *Event
	errChan   chan error
	closeChan chan struct{}
	closeOnce sync.Once
}

// subscribeRequest is the first frame sent on a new connection.
type subscribeRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Language  string `json:"language,omitempty"`
	ResumeSeq int64  `json:"resume_seq,omitempty"`
}

func dialSession(ctx context.Context, cfg StreamConfig, resumeSeq int64) (*session, error) {
	headers := http.Header{}
	if cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("asr: websocket connect failed: %w, status=%s, body=%s", err, resp.Status, string(body))
		}
		return nil, fmt.Errorf("asr: websocket connect failed: %w", err)
	}

	s := &session{
		conn:      conn,
		recvChan:  make(chan *Event, 100),
		errChan:   make(chan error, 1),
		closeChan: make(chan struct{}),
	}
	go s.receiveLoop()

	sub := subscribeRequest{
		Type:      "subscribe",
		SessionID: cfg.SessionID,
		Language:  cfg.Language,
		ResumeSeq: resumeSeq,
	}
	if err := conn.WriteJSON(sub); err != nil {
		s.close()
		return nil, fmt.Errorf("asr: subscribe failed: %w", err)
	}
	return s, nil
}

// events yields received events until the connection ends. A yielded error
// means the connection is gone; the caller decides whether to redial.
func (s *session) events() iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for {
			select {
			case ev, ok := <-s.recvChan:
				if !ok {
					// The error, if any, races with the channel close.
					select {
					case err := <-s.errChan:
						yield(nil, err)
					default:
					}
					return
				}
				if !yield(ev, nil) {
					return
				}
			case err := <-s.errChan:
				yield(nil, err)
				return
			case <-s.closeChan:
				return
			}
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.conn.Close()
	})
}

func (s *session) receiveLoop() {
	defer close(s.recvChan)
	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case s.errChan <- fmt.Errorf("asr: ws read: %w", err):
				default:
				}
			} else {
				select {
				case s.errChan <- fmt.Errorf("asr: ws closed: %w", err):
				default:
				}
			}
			return
		}

		var payload []byte
		switch msgType {
		case websocket.TextMessage:
			payload = data
		case websocket.BinaryMessage:
			var frameErr *GatewayError
			payload, frameErr = decodeBinaryFrame(data)
			if frameErr != nil {
				select {
				case s.errChan <- frameErr:
				default:
				}
				return
			}
			if payload == nil {
				continue
			}
		default:
			continue
		}

		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Debug("asr: dropping undecodable frame", "err", err)
			continue
		}
		if ev.Validate() != nil {
			continue
		}

		select {
		case s.recvChan <- &ev:
		case <-s.closeChan:
			return
		}
	}
}

// Binary frame layout, compatible with SAUC-style gateways:
//
//	byte 0: version (4 bits) + header size in 4-byte words (4 bits)
//	byte 1: message type (4 bits) + flags (4 bits)
//	byte 2: serialization (4 bits) + compression (4 bits)
//	byte 3: reserved
//	bytes 4-7: sequence (big-endian)
//	bytes 8-11: payload size (big-endian)
//	bytes 12+: payload
//
// Message type 9 carries an event payload, 15 an error payload.
const (
	frameTypeEvent = 9
	frameTypeError = 15
)

func decodeBinaryFrame(data []byte) ([]byte, *GatewayError) {
	if len(data) < 12 {
		return nil, nil
	}
	messageType := (data[1] >> 4) & 0x0F
	compression := data[2] & 0x0F
	payloadSize := binary.BigEndian.Uint32(data[8:12])
	if int(payloadSize) > len(data)-12 {
		return nil, nil
	}
	payload := data[12 : 12+payloadSize]

	if compression == 1 {
		reader, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, nil
		}
		payload, err = io.ReadAll(reader)
		reader.Close()
		if err != nil {
			return nil, nil
		}
	}

	switch messageType {
	case frameTypeEvent:
		return payload, nil
	case frameTypeError:
		var gwErr GatewayError
		if json.Unmarshal(payload, &gwErr) == nil {
			return nil, &gwErr
		}
		return nil, nil
	default:
		return nil, nil
	}
}
