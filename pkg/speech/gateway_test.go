package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoPipeline is a stand-in speech service: binary frames come straight
// back, text messages are collected for inspection.
type echoPipeline struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	callIDs []string
	markers []Marker
}

func (e *echoPipeline) handler(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	e.callIDs = append(e.callIDs, r.URL.Query().Get("call_id"))
	e.mu.Unlock()

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case websocket.TextMessage:
			var m Marker
			if json.Unmarshal(data, &m) == nil {
				e.mu.Lock()
				e.markers = append(e.markers, m)
				e.mu.Unlock()
			}
		}
	}
}

func newTestGateway(t *testing.T) (*Gateway, *echoPipeline) {
	t.Helper()
	echo := &echoPipeline{}
	srv := httptest.NewServer(http.HandlerFunc(echo.handler))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return NewGateway(wsURL, time.Second, 16, zap.NewNop()), echo
}

func TestGateway_RoundTripsFrames(t *testing.T) {
	g, echo := newTestGateway(t)

	require.NoError(t, g.StartStream(context.Background(), "call-1"))
	defer g.StopStream("call-1")

	echo.mu.Lock()
	require.Equal(t, []string{"call-1"}, echo.callIDs, "call ID must travel in the stream URL")
	echo.mu.Unlock()

	frame := []byte{1, 2, 3, 4}
	g.Push("call-1", frame)

	require.Eventually(t, func() bool {
		got, ok := g.Pull("call-1")
		if !ok {
			return false
		}
		require.Equal(t, frame, got)
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGateway_DeliversMarkers(t *testing.T) {
	g, echo := newTestGateway(t)

	require.NoError(t, g.StartStream(context.Background(), "call-1"))
	defer g.StopStream("call-1")

	g.PushMarker("call-1", "SILENCE_DETECTED", "1")

	require.Eventually(t, func() bool {
		echo.mu.Lock()
		defer echo.mu.Unlock()
		return len(echo.markers) == 1
	}, 2*time.Second, 5*time.Millisecond)

	echo.mu.Lock()
	defer echo.mu.Unlock()
	require.Equal(t, Marker{Type: "marker", CallID: "call-1", Name: "SILENCE_DETECTED", Value: "1"}, echo.markers[0])
}

func TestGateway_DuplicateStreamRejected(t *testing.T) {
	g, _ := newTestGateway(t)

	require.NoError(t, g.StartStream(context.Background(), "call-1"))
	defer g.StopStream("call-1")

	require.Error(t, g.StartStream(context.Background(), "call-1"))
}

func TestGateway_StoppedStreamDropsTraffic(t *testing.T) {
	g, _ := newTestGateway(t)

	require.NoError(t, g.StartStream(context.Background(), "call-1"))
	g.StopStream("call-1")
	g.StopStream("call-1") // second stop is harmless

	g.Push("call-1", []byte{1})
	if _, ok := g.Pull("call-1"); ok {
		t.Fatal("Pull() returned a frame after StopStream()")
	}
}

func TestGateway_DialFailure(t *testing.T) {
	g := NewGateway("ws://127.0.0.1:1/ws", 200*time.Millisecond, 4, zap.NewNop())
	require.Error(t, g.StartStream(context.Background(), "call-1"))
}
