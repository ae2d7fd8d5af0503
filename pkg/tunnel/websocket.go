/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package tunnel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 30 * time.Second
	pingInterval = 25 * time.Second
	pongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsSession implements Session over a websocket connection. A single
// writer goroutine discipline is enforced with a mutex; reads happen on
// the caller's Recv goroutine.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newWSSession(conn *websocket.Conn) *wsSession {
	s := &wsSession{
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.pingLoop()

	return s
}

// Upgrade accepts an inbound HTTP request as a tunnel session.
func Upgrade(w http.ResponseWriter, r *http.Request) (Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("tunnel: upgrade failed: %w", err)
	}

	return newWSSession(conn), nil
}

// Dial establishes a session with the private node at url.
func Dial(ctx context.Context, url string, header http.Header) (Session, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("tunnel: dial %s: %w", url, err)
	}

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return newWSSession(conn), nil
}

func (s *wsSession) Send(f *Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	if err := s.conn.WriteJSON(f); err != nil {
		s.markDone()
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}

	return nil
}

func (s *wsSession) Recv() (*Frame, error) {
	var f Frame

	if err := s.conn.ReadJSON(&f); err != nil {
		s.markDone()

		if websocket.IsUnexpectedCloseError(err) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, ErrSessionClosed
		}

		select {
		case <-s.done:
			return nil, ErrSessionClosed
		default:
		}

		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	return &f, nil
}

func (s *wsSession) Close() error {
	s.markDone()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	return s.conn.Close()
}

func (s *wsSession) Done() <-chan struct{} {
	return s.done
}

func (s *wsSession) markDone() {
	s.once.Do(func() { close(s.done) })
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()

			if err != nil {
				s.markDone()
				return
			}
		}
	}
}
