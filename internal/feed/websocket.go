package feed

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

// WebSocket streams JSON quote frames from a websocket endpoint.
type WebSocket struct {
	url         string
	subscribe   string
	readTimeout time.Duration
	dialer      *websocket.Dialer
}

// NewWebSocket creates an adapter for url. subscribe, when set, is sent as a
// text frame right after connecting. A read that takes longer than
// readTimeout counts as a transport failure.
func NewWebSocket(url, subscribe string, readTimeout time.Duration) *WebSocket {
	return &WebSocket{
		url:         url,
		subscribe:   subscribe,
		readTimeout: readTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (w *WebSocket) Connect(ctx context.Context) (Stream, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", URL: w.url, Err: err}
	}

	if w.subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(w.subscribe)); err != nil {
			conn.Close()
			return nil, &TransportError{Op: "subscribe", URL: w.url, Err: err}
		}
	}

	s := &wsStream{conn: conn, url: w.url, readTimeout: w.readTimeout, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type wsStream struct {
	conn        *websocket.Conn
	url         string
	readTimeout time.Duration
	pending     []models.RawEvent
	done        chan struct{}
	closeOnce   sync.Once
}

func (s *wsStream) Next(ctx context.Context) (models.RawEvent, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return models.RawEvent{}, err
		}
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return models.RawEvent{}, ctxErr
			}
			return models.RawEvent{}, &TransportError{Op: "read", URL: s.url, Err: err}
		}

		events, err := decodeFrame(data)
		s.pending = append(s.pending, events...)
		if err != nil {
			return models.RawEvent{}, err
		}
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
