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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard/pkg/logger"
)

func startResponder(t *testing.T, sess Session, handler Handler) *Conn {
	t.Helper()

	conn := NewConn(sess, logger.NewTestLogger())

	go func() { _ = conn.Serve(context.Background(), handler) }()

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestRequestReply(t *testing.T) {
	client, server := Pipe()

	startResponder(t, server, func(_ context.Context, f *Frame) (*Frame, error) {
		ack, err := EncodePayload(&EventAck{Acked: []string{"ev-1"}})
		require.NoError(t, err)

		return &Frame{Type: TypeEventAck, Payload: ack}, nil
	})

	conn := NewConn(client, logger.NewTestLogger())
	go func() { _ = conn.Serve(context.Background(), rejectAll) }()
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := conn.Request(ctx, &Frame{Channel: ChannelEvent, Type: TypeEventBatch})
	require.NoError(t, err)
	assert.Equal(t, TypeEventAck, reply.Type)
	assert.Equal(t, ChannelEvent, reply.Channel)

	// Replies are frames like any other: the receiving side validates
	// them, so they must carry their own ID.
	require.NoError(t, reply.Valid())
	assert.NotEmpty(t, reply.ID)

	var ack EventAck
	require.NoError(t, DecodePayload(reply, &ack))
	assert.Equal(t, []string{"ev-1"}, ack.Acked)
}

func TestRequestRemoteError(t *testing.T) {
	client, server := Pipe()

	startResponder(t, server, func(_ context.Context, f *Frame) (*Frame, error) {
		return &Frame{Type: TypeControlAck, Error: "unknown event"}, nil
	})

	conn := NewConn(client, logger.NewTestLogger())
	go func() { _ = conn.Serve(context.Background(), rejectAll) }()
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := conn.Request(ctx, &Frame{Channel: ChannelControl, Type: TypeStreamStart})
	require.Error(t, err)
	require.NotNil(t, reply)
	assert.Contains(t, err.Error(), "unknown event")
}

func TestRequestTimesOutWithoutReply(t *testing.T) {
	client, server := Pipe()

	// Responder swallows the request without answering.
	startResponder(t, server, func(_ context.Context, f *Frame) (*Frame, error) {
		return nil, nil
	})

	conn := NewConn(client, logger.NewTestLogger())
	go func() { _ = conn.Serve(context.Background(), rejectAll) }()
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.Request(ctx, &Frame{Channel: ChannelControl, Type: TypeStreamStart})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestFailsWhenSessionDies(t *testing.T) {
	client, server := Pipe()

	conn := NewConn(client, logger.NewTestLogger())

	errCh := make(chan error, 1)

	go func() {
		_, err := conn.Request(context.Background(), &Frame{Channel: ChannelControl, Type: TypeStreamStart})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not fail after session close")
	}
}

// A reply arriving while the session is being torn down must never race
// the waiter-channel close. Run under -race to surface regressions.
func TestCloseDuringReplyDeliveryDoesNotPanic(t *testing.T) {
	for i := 0; i < 200; i++ {
		_, client := Pipe()

		conn := NewConn(client, logger.NewTestLogger())

		conn.mu.Lock()
		conn.pending["req-1"] = make(chan *Frame, 1)
		conn.mu.Unlock()

		var wg sync.WaitGroup

		wg.Add(2)

		go func() {
			defer wg.Done()
			conn.deliverReply(&Frame{ID: "r-1", AckID: "req-1", Channel: ChannelControl, Type: TypeControlAck})
		}()
		go func() {
			defer wg.Done()
			_ = conn.Close()
		}()

		wg.Wait()
	}
}

func TestMalformedFrameClosesSession(t *testing.T) {
	client, server := Pipe()

	conn := NewConn(server, logger.NewTestLogger())

	serveErr := make(chan error, 1)

	go func() { serveErr <- conn.Serve(context.Background(), rejectAll) }()

	// Unknown channel bypasses Conn framing to simulate a bad peer.
	require.NoError(t, client.Send(&Frame{ID: "f-1", Channel: Channel("bogus"), Type: "x"}))

	select {
	case err := <-serveErr:
		require.ErrorIs(t, err, ErrMalformedFrame)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not terminate on malformed frame")
	}

	select {
	case <-server.Done():
	default:
		t.Fatal("session not closed after malformed frame")
	}
}

func TestNotifyDispatchesToHandler(t *testing.T) {
	client, server := Pipe()

	got := make(chan *Frame, 1)

	startResponder(t, server, func(_ context.Context, f *Frame) (*Frame, error) {
		got <- f
		return nil, nil
	})

	conn := NewConn(client, logger.NewTestLogger())
	defer conn.Close()

	require.NoError(t, conn.Notify(&Frame{Channel: ChannelStream, Type: TypeStreamChunk}))

	select {
	case f := <-got:
		assert.Equal(t, TypeStreamChunk, f.Type)
		assert.NotEmpty(t, f.ID)
		assert.NotZero(t, f.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestSendSeqIsStrictlyIncreasing(t *testing.T) {
	client, server := Pipe()

	conn := NewConn(client, logger.NewTestLogger())
	defer conn.Close()

	require.NoError(t, conn.Notify(&Frame{Channel: ChannelEvent, Type: TypeEventBatch}))
	require.NoError(t, conn.Notify(&Frame{Channel: ChannelEvent, Type: TypeEventBatch}))

	first, err := server.Recv()
	require.NoError(t, err)

	second, err := server.Recv()
	require.NoError(t, err)

	assert.Greater(t, second.Seq, first.Seq)
}

func TestFrameValid(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		ok    bool
	}{
		{"complete", Frame{ID: "a", Channel: ChannelEvent, Type: TypeEventBatch}, true},
		{"missing id", Frame{Channel: ChannelEvent, Type: TypeEventBatch}, false},
		{"unknown channel", Frame{ID: "a", Channel: Channel("weird"), Type: "x"}, false},
		{"missing type", Frame{ID: "a", Channel: ChannelEvent}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Valid()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedFrame)
			}
		})
	}
}

func rejectAll(_ context.Context, f *Frame) (*Frame, error) {
	return &Frame{Type: TypeControlAck, Error: "unexpected frame"}, nil
}
