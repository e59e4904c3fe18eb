package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/pbx-bridge/pkg/logger"
)

// Marker is the control message sent alongside the audio when the platform
// reports voice activity ("TALK_DETECTED", "SILENCE_DETECTED") on a call.
type Marker struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Value  string `json:"value"`
}

// Gateway connects each call to the speech pipeline over its own WebSocket.
// Caller audio goes out as binary messages, one frame each; synthesized audio
// comes back the same way and is buffered for the paced outbound pump. Voice
// activity markers travel as JSON text messages on the same connection.
type Gateway struct {
	url       string
	timeout   time.Duration
	queueSize int
	log       *zap.Logger

	mu      sync.RWMutex
	streams map[string]*stream
}

type stream struct {
	conn    *websocket.Conn
	out     chan []byte
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func NewGateway(url string, timeout time.Duration, queueSize int, log *zap.Logger) *Gateway {
	return &Gateway{
		url:       url,
		timeout:   timeout,
		queueSize: queueSize,
		log:       log,
		streams:   make(map[string]*stream),
	}
}

// StartStream dials the pipeline for one call. The connection lives until
// StopStream; a dial failure leaves the call up with its audio discarded
// rather than failing the call.
func (g *Gateway) StartStream(ctx context.Context, callID string) error {
	dialCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	u := fmt.Sprintf("%s?call_id=%s", g.url, callID)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u, nil)
	if err != nil {
		return fmt.Errorf("failed to connect speech pipeline for call %s: %w", callID, err)
	}

	st := &stream{
		conn:   conn,
		out:    make(chan []byte, g.queueSize),
		closed: make(chan struct{}),
	}

	g.mu.Lock()
	if _, exists := g.streams[callID]; exists {
		g.mu.Unlock()
		conn.Close()
		return fmt.Errorf("speech stream for call %s already open", callID)
	}
	g.streams[callID] = st
	g.mu.Unlock()

	go g.readLoop(callID, st)

	g.log.Info("Speech pipeline stream opened", logger.CallID(callID))
	return nil
}

// readLoop buffers synthesized frames for Pull. When the buffer is full the
// oldest frame is shed; synthesized audio that cannot be played on time is
// stale anyway.
func (g *Gateway) readLoop(callID string, st *stream) {
	for {
		msgType, data, err := st.conn.ReadMessage()
		if err != nil {
			select {
			case <-st.closed:
			default:
				g.log.Warn("Speech pipeline connection lost", logger.CallID(callID), zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case st.out <- data:
		default:
			select {
			case <-st.out:
			default:
			}
			select {
			case st.out <- data:
			default:
			}
		}
	}
}

// Push sends one caller frame. A write failure is logged and the frame is
// lost; the transport relay keeps running and teardown is driven elsewhere.
func (g *Gateway) Push(callID string, frame []byte) {
	st := g.get(callID)
	if st == nil {
		return
	}
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	st.conn.SetWriteDeadline(time.Now().Add(g.timeout))
	if err := st.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		g.log.Warn("Failed to push frame to speech pipeline", logger.CallID(callID), zap.Error(err))
	}
}

// PushMarker forwards a voice-activity marker as a JSON text message.
func (g *Gateway) PushMarker(callID, name, value string) {
	st := g.get(callID)
	if st == nil {
		return
	}
	payload, err := json.Marshal(Marker{Type: "marker", CallID: callID, Name: name, Value: value})
	if err != nil {
		return
	}
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	st.conn.SetWriteDeadline(time.Now().Add(g.timeout))
	if err := st.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		g.log.Warn("Failed to push marker to speech pipeline", logger.CallID(callID), zap.Error(err))
	}
}

// Pull returns the next synthesized frame if one is buffered.
func (g *Gateway) Pull(callID string) ([]byte, bool) {
	st := g.get(callID)
	if st == nil {
		return nil, false
	}
	select {
	case frame := <-st.out:
		return frame, true
	default:
		return nil, false
	}
}

// StopStream closes the call's connection. Safe to call for unknown calls
// and safe to call twice.
func (g *Gateway) StopStream(callID string) {
	g.mu.Lock()
	st, ok := g.streams[callID]
	if ok {
		delete(g.streams, callID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	st.once.Do(func() {
		close(st.closed)
		st.conn.Close()
	})
	g.log.Info("Speech pipeline stream closed", logger.CallID(callID))
}

func (g *Gateway) get(callID string) *stream {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.streams[callID]
}
