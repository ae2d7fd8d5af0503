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

package relay

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard/pkg/gateway"
	"github.com/vzahanych/view-guard/pkg/logger"
	"github.com/vzahanych/view-guard/pkg/models"
	"github.com/vzahanych/view-guard/pkg/tunnel"
)

const testKey = "test-signing-key"

type fakeUses struct {
	mu   sync.Mutex
	uses map[string]int
}

func newFakeUses() *fakeUses {
	return &fakeUses{uses: make(map[string]int)}
}

func (f *fakeUses) ConsumeTokenUse(_ context.Context, tokenID string, useBudget int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uses[tokenID] >= useBudget {
		return 0, fmt.Errorf("%w: stream token use budget exhausted", models.ErrAuthorizationFailure)
	}

	f.uses[tokenID]++

	return useBudget - f.uses[tokenID], nil
}

func (f *fakeUses) consumed(tokenID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.uses[tokenID]
}

type fakeEvents struct {
	events map[string]*models.Event
}

func (f *fakeEvents) GetEvent(_ context.Context, eventID string) (*models.Event, error) {
	event, ok := f.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", models.ErrNotFound, eventID)
	}

	return event, nil
}

type fakeSessions struct {
	sess *gateway.DeviceSession
}

func (f *fakeSessions) Session(deviceID string) (*gateway.DeviceSession, error) {
	if f.sess == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrDeviceUnavailable, deviceID)
	}

	return f.sess, nil
}

// edgeSim answers StreamStart requests by streaming the configured
// chunks back on the stream channel, like the edge agent does.
type edgeSim struct {
	conn   *tunnel.Conn
	chunks [][]byte
	// seqOffset shifts chunk sequence numbers to provoke gaps.
	seqOffset int
}

func (e *edgeSim) handle(_ context.Context, f *tunnel.Frame) (*tunnel.Frame, error) {
	switch f.Type {
	case tunnel.TypeStreamStart:
		var start tunnel.StreamStart
		if err := tunnel.DecodePayload(f, &start); err != nil {
			return nil, err
		}

		go e.sendChunks(start.StreamID)

		return &tunnel.Frame{Type: tunnel.TypeControlAck}, nil
	case tunnel.TypeStreamAbort:
		return nil, nil
	default:
		return &tunnel.Frame{Type: tunnel.TypeControlAck, Error: "unexpected frame"}, nil
	}
}

func (e *edgeSim) sendChunks(streamID string) {
	for i, data := range e.chunks {
		seq := i
		if i > 0 {
			seq += e.seqOffset
		}

		payload, err := tunnel.EncodePayload(tunnel.StreamChunk{
			StreamID: streamID,
			Seq:      seq,
			Data:     data,
			EOF:      i == len(e.chunks)-1,
		})
		if err != nil {
			return
		}

		if err := e.conn.Notify(&tunnel.Frame{
			Channel: tunnel.ChannelStream,
			Type:    tunnel.TypeStreamChunk,
			Payload: payload,
		}); err != nil {
			return
		}
	}
}

// newRelayHarness wires a relay to a simulated edge over an in-memory
// session pair.
func newRelayHarness(t *testing.T, uses TokenUses, events EventLookup, chunks [][]byte, seqOffset int) *Relay {
	t.Helper()

	edgeSide, nodeSide := tunnel.Pipe()

	edgeConn := tunnel.NewConn(edgeSide, logger.NewTestLogger())
	nodeConn := tunnel.NewConn(nodeSide, logger.NewTestLogger())

	sess := &gateway.DeviceSession{DeviceID: "dev-1", TenantID: "tenant-1", Conn: nodeConn}

	r := New(uses, events, &fakeSessions{sess: sess}, Config{
		SigningKey:   testKey,
		StartTimeout: models.Duration(5 * time.Second),
		ChunkTimeout: models.Duration(5 * time.Second),
	}, logger.NewTestLogger())

	sim := &edgeSim{conn: edgeConn, chunks: chunks, seqOffset: seqOffset}

	go func() { _ = edgeConn.Serve(context.Background(), sim.handle) }()
	go func() {
		_ = nodeConn.Serve(context.Background(), func(ctx context.Context, f *tunnel.Frame) (*tunnel.Frame, error) {
			return r.HandleFrame(ctx, sess, f)
		})
	}()

	t.Cleanup(func() { _ = nodeConn.Close() })

	return r
}

func issueTestToken(t *testing.T, tokenID, eventID string, budget int, ttl time.Duration) string {
	t.Helper()

	signed, err := IssueToken(&models.StreamToken{
		TokenID:   tokenID,
		EventID:   eventID,
		Principal: "operator@example.com",
		UseBudget: budget,
		ExpiresAt: time.Now().Add(ttl),
	}, []byte(testKey))
	require.NoError(t, err)

	return signed
}

func streamableEvent(eventID string) *models.Event {
	return &models.Event{
		EventID:  eventID,
		TenantID: "tenant-1",
		DeviceID: "dev-1",
		ClipRef:  "clip-1",
	}
}

func TestStreamDeliversClipBytes(t *testing.T) {
	uses := newFakeUses()
	events := &fakeEvents{events: map[string]*models.Event{"ev-1": streamableEvent("ev-1")}}
	chunks := [][]byte{[]byte("first "), []byte("second "), []byte("third")}
	r := newRelayHarness(t, uses, events, chunks, 0)

	token := issueTestToken(t, "tok-1", "ev-1", 3, time.Minute)

	var buf bytes.Buffer
	require.NoError(t, r.Stream(context.Background(), token, &buf))

	assert.Equal(t, "first second third", buf.String())
	assert.Equal(t, 1, uses.consumed("tok-1"))

	// No stream registration may leak after completion.
	r.mu.Lock()
	assert.Empty(t, r.streams)
	r.mu.Unlock()
}

// Teardown must unblock a chunk delivery stuck on a full stream buffer
// instead of panicking the dispatch goroutine on a closed channel.
func TestStreamTeardownUnblocksPendingChunk(t *testing.T) {
	_, nodeSide := tunnel.Pipe()

	nodeConn := tunnel.NewConn(nodeSide, logger.NewTestLogger())
	sess := &gateway.DeviceSession{DeviceID: "dev-1", TenantID: "tenant-1", Conn: nodeConn}

	r := New(newFakeUses(), &fakeEvents{}, &fakeSessions{sess: sess},
		Config{SigningKey: testKey}, logger.NewTestLogger())

	st := &stream{
		chunks: make(chan *tunnel.StreamChunk, streamChannelBuffer),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.streams["s-1"] = st
	r.mu.Unlock()

	// Fill the buffer so the next delivery blocks.
	for i := 0; i < streamChannelBuffer; i++ {
		st.chunks <- &tunnel.StreamChunk{StreamID: "s-1", Seq: i}
	}

	payload, err := tunnel.EncodePayload(tunnel.StreamChunk{StreamID: "s-1", Seq: streamChannelBuffer})
	require.NoError(t, err)

	handled := make(chan error, 1)

	go func() {
		_, err := r.HandleFrame(context.Background(), sess, &tunnel.Frame{
			Channel: tunnel.ChannelStream,
			Type:    tunnel.TypeStreamChunk,
			Payload: payload,
		})
		handled <- err
	}()

	time.Sleep(20 * time.Millisecond)
	r.closeStream("s-1")

	select {
	case err := <-handled:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("chunk delivery never unblocked after teardown")
	}
}

// failingWriter simulates a receiver that drops off after the first
// chunk lands.
type failingWriter struct {
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > 1 {
		return 0, fmt.Errorf("receiver gone")
	}

	return len(p), nil
}

func TestStreamSurvivesReceiverFailureMidStream(t *testing.T) {
	uses := newFakeUses()
	events := &fakeEvents{events: map[string]*models.Event{"ev-1": streamableEvent("ev-1")}}

	// Enough chunks that the edge keeps pushing past the stream buffer
	// while the relay tears the stream down.
	chunks := make([][]byte, 2*streamChannelBuffer)
	for i := range chunks {
		chunks[i] = []byte("x")
	}

	r := newRelayHarness(t, uses, events, chunks, 0)

	token := issueTestToken(t, "tok-1", "ev-1", 3, time.Minute)

	err := r.Stream(context.Background(), token, &failingWriter{})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()

		return len(r.streams) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamUseBudgetIsConsumedExactlyOncePerStream(t *testing.T) {
	uses := newFakeUses()
	events := &fakeEvents{events: map[string]*models.Event{"ev-1": streamableEvent("ev-1")}}
	r := newRelayHarness(t, uses, events, [][]byte{[]byte("clip")}, 0)

	token := issueTestToken(t, "tok-1", "ev-1", 1, time.Minute)

	var buf bytes.Buffer
	require.NoError(t, r.Stream(context.Background(), token, &buf))

	// The single use is spent: the same token is now rejected, and no
	// bytes flow.
	var second bytes.Buffer
	err := r.Stream(context.Background(), token, &second)
	require.ErrorIs(t, err, models.ErrAuthorizationFailure)
	assert.Zero(t, second.Len())
	assert.Equal(t, 1, uses.consumed("tok-1"))
}

func TestStreamFailsFastWhenDeviceOffline(t *testing.T) {
	uses := newFakeUses()
	events := &fakeEvents{events: map[string]*models.Event{"ev-1": streamableEvent("ev-1")}}

	r := New(uses, events, &fakeSessions{}, Config{SigningKey: testKey}, logger.NewTestLogger())

	token := issueTestToken(t, "tok-1", "ev-1", 1, time.Minute)

	var buf bytes.Buffer
	err := r.Stream(context.Background(), token, &buf)
	require.ErrorIs(t, err, models.ErrDeviceUnavailable)

	// Offline device must not burn a token use.
	assert.Zero(t, uses.consumed("tok-1"))
	assert.Zero(t, buf.Len())
}

func TestStreamRejectsInvalidToken(t *testing.T) {
	r := New(newFakeUses(), &fakeEvents{}, &fakeSessions{}, Config{SigningKey: testKey}, logger.NewTestLogger())

	var buf bytes.Buffer

	err := r.Stream(context.Background(), "not-a-token", &buf)
	require.ErrorIs(t, err, models.ErrAuthorizationFailure)

	expired := issueTestToken(t, "tok-1", "ev-1", 1, -time.Minute)
	err = r.Stream(context.Background(), expired, &buf)
	require.ErrorIs(t, err, models.ErrAuthorizationFailure)

	assert.Zero(t, buf.Len())
}

func TestStreamRejectsTokenForUnknownEvent(t *testing.T) {
	uses := newFakeUses()
	r := New(uses, &fakeEvents{events: map[string]*models.Event{}}, &fakeSessions{},
		Config{SigningKey: testKey}, logger.NewTestLogger())

	token := issueTestToken(t, "tok-1", "ev-gone", 1, time.Minute)

	var buf bytes.Buffer
	err := r.Stream(context.Background(), token, &buf)
	require.ErrorIs(t, err, models.ErrAuthorizationFailure)
	assert.Zero(t, uses.consumed("tok-1"))
}

func TestStreamRejectsEventWithoutClip(t *testing.T) {
	event := streamableEvent("ev-1")
	event.ClipRef = ""

	r := New(newFakeUses(), &fakeEvents{events: map[string]*models.Event{"ev-1": event}},
		&fakeSessions{}, Config{SigningKey: testKey}, logger.NewTestLogger())

	token := issueTestToken(t, "tok-1", "ev-1", 1, time.Minute)

	var buf bytes.Buffer
	err := r.Stream(context.Background(), token, &buf)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestStreamAbortsOnChunkSequenceGap(t *testing.T) {
	uses := newFakeUses()
	events := &fakeEvents{events: map[string]*models.Event{"ev-1": streamableEvent("ev-1")}}
	chunks := [][]byte{[]byte("first "), []byte("second")}
	r := newRelayHarness(t, uses, events, chunks, 5)

	token := issueTestToken(t, "tok-1", "ev-1", 1, time.Minute)

	var buf bytes.Buffer
	err := r.Stream(context.Background(), token, &buf)
	require.ErrorIs(t, err, models.ErrProtocolViolation)
}

func TestServeHTTPStatusMapping(t *testing.T) {
	uses := newFakeUses()
	events := &fakeEvents{events: map[string]*models.Event{"ev-1": streamableEvent("ev-1")}}
	r := New(uses, events, &fakeSessions{}, Config{SigningKey: testKey}, logger.NewTestLogger())

	// Missing token.
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Bad token.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stream?token=garbage", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token, device offline.
	token := issueTestToken(t, "tok-1", "ev-1", 1, time.Minute)
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseTokenRoundTrip(t *testing.T) {
	expires := time.Now().Add(time.Minute).Truncate(time.Second)

	signed, err := IssueToken(&models.StreamToken{
		TokenID:   "tok-1",
		EventID:   "ev-1",
		Principal: "operator@example.com",
		UseBudget: 3,
		ExpiresAt: expires,
	}, []byte(testKey))
	require.NoError(t, err)

	token, err := ParseToken(signed, []byte(testKey))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token.TokenID)
	assert.Equal(t, "ev-1", token.EventID)
	assert.Equal(t, "operator@example.com", token.Principal)
	assert.Equal(t, 3, token.UseBudget)
	assert.Equal(t, expires.Unix(), token.ExpiresAt.Unix())
}

func TestParseTokenRejectsWrongKey(t *testing.T) {
	signed := issueTestToken(t, "tok-1", "ev-1", 1, time.Minute)

	_, err := ParseToken(signed, []byte("different-key"))
	require.ErrorIs(t, err, models.ErrAuthorizationFailure)
}

func TestParseTokenRequiresClaims(t *testing.T) {
	// Zero use budget is not a valid capability.
	signed, err := IssueToken(&models.StreamToken{
		TokenID:   "tok-1",
		EventID:   "ev-1",
		UseBudget: 0,
		ExpiresAt: time.Now().Add(time.Minute),
	}, []byte(testKey))
	require.NoError(t, err)

	_, err = ParseToken(signed, []byte(testKey))
	require.ErrorIs(t, err, models.ErrAuthorizationFailure)

	// Missing event scope.
	signed, err = IssueToken(&models.StreamToken{
		TokenID:   "tok-1",
		UseBudget: 1,
		ExpiresAt: time.Now().Add(time.Minute),
	}, []byte(testKey))
	require.NoError(t, err)

	_, err = ParseToken(signed, []byte(testKey))
	require.ErrorIs(t, err, models.ErrAuthorizationFailure)
}
