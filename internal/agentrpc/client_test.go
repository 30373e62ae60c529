package agentrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// fakeServer speaks just enough of the frame protocol to exercise Client.
type fakeServer struct {
	upgrader websocket.Upgrader
	conn     *websocket.Conn
	ready    chan struct{}
}

func newFakeServer() (*httptest.Server, *fakeServer) {
	fs := &fakeServer{ready: make(chan struct{}, 1)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conn = conn
		fs.ready <- struct{}{}
		fs.serve(conn)
	}))
	return srv, fs
}

func (fs *fakeServer) serve(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		switch req.Method {
		case protocol.MethodSessionCreate:
			resp := protocol.NewOKResponse(req.ID, map[string]string{"sessionId": "backend-session-1"})
			b, _ := json.Marshal(resp)
			conn.WriteMessage(websocket.TextMessage, b)
		case protocol.MethodSessionAbort:
			resp := protocol.NewOKResponse(req.ID, nil)
			b, _ := json.Marshal(resp)
			conn.WriteMessage(websocket.TextMessage, b)
		default:
			resp := protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown method")
			b, _ := json.Marshal(resp)
			conn.WriteMessage(websocket.TextMessage, b)
		}
	}
}

func (fs *fakeServer) pushEvent(evt protocol.EventFrame) {
	evt.Type = protocol.FrameTypeEvent
	b, _ := json.Marshal(evt)
	fs.conn.WriteMessage(websocket.TextMessage, b)
}

func dialFake(t *testing.T, srv *httptest.Server, agents ...string) *Client {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), wsURL, agents)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateSessionRoundTrip(t *testing.T) {
	srv, fs := newFakeServer()
	defer srv.Close()
	c := dialFake(t, srv, "opencode")
	<-fs.ready

	id, err := c.CreateSession(context.Background(), "opencode", "/proj", "")
	require.NoError(t, err)
	assert.Equal(t, "backend-session-1", id)
}

func TestUnknownMethodSurfacesError(t *testing.T) {
	srv, fs := newFakeServer()
	defer srv.Close()
	c := dialFake(t, srv)
	<-fs.ready

	_, _, err := c.Summarize(context.Background(), "sess-1", "")
	assert.Error(t, err)
}

func TestKnownAgent(t *testing.T) {
	srv, fs := newFakeServer()
	defer srv.Close()
	c := dialFake(t, srv, "opencode")
	<-fs.ready

	assert.True(t, c.KnownAgent("opencode"))
	assert.False(t, c.KnownAgent("ghost"))
}

func TestEventsAreDeliveredNormalized(t *testing.T) {
	srv, fs := newFakeServer()
	defer srv.Close()
	c := dialFake(t, srv)
	<-fs.ready

	fs.pushEvent(protocol.EventFrame{
		Event:     protocol.EventTypePartUpdated,
		SessionID: "sess-1",
		Properties: json.RawMessage(`{"partId":"p1"}`),
	})

	select {
	case evt := <-c.Events():
		assert.Equal(t, protocol.EventTypePartUpdated, evt.Type)
		assert.Equal(t, "sess-1", evt.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestCallTimesOutWithContext(t *testing.T) {
	// A server that never responds forces the caller's context to be
	// the only way out.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage() // read and then go silent
		select {}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), wsURL, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.CreateSession(ctx, "opencode", "/proj", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
